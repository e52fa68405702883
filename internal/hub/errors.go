// Package hub implements the realtime publish/subscribe core: a registry
// of authenticated connections, channel membership with a bidirectional
// invariant, policy-checked subscribe/publish, bounded fan-out, and a
// liveness sweep.
package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrConnNotFound is returned when an operation references a
	// connection id that is not registered. Typically stale-handle usage
	// after a disconnect; never fatal to the caller.
	ErrConnNotFound = errors.New("hub: connection not found")

	// ErrShutdown is returned for operations attempted after Shutdown.
	ErrShutdown = errors.New("hub: shutting down")
)

// PolicyError reports a subscribe or publish refused by the channel
// policy. The connection stays open.
type PolicyError struct {
	Channel string
	Action  Action
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("hub: %s on %q denied: %s", e.Action, e.Channel, e.Reason)
}
