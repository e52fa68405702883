package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/protocol"
)

// Config holds the hub's runtime parameters. Zero values are replaced with
// defaults by sanitize.
type Config struct {
	// OutboundBuffer is the per-connection outbound queue capacity.
	OutboundBuffer int
	// PingInterval is the keepalive cadence clients are expected to hold.
	PingInterval time.Duration
	// TimeoutMultiplier scales PingInterval into the liveness deadline: a
	// connection silent for PingInterval×TimeoutMultiplier is timed out.
	TimeoutMultiplier int
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration
}

func (c Config) sanitize() Config {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Hub owns all connections and channel membership. Membership mutation is
// serialized by a single mutex so the bidirectional invariant holds after
// every operation: a connection appears in a channel's subscriber set
// exactly when that channel appears in the connection's subscription
// set. No network I/O ever happens under the mutex; the transport
// layer drains each connection's buffered send channel outside it.
type Hub struct {
	verifier auth.Verifier
	policy   Policy
	cfg      Config
	log      *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]*Conn // channel → connection id → conn
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a hub. Call Start to launch the liveness sweep and Shutdown
// to tear everything down.
func New(verifier auth.Verifier, policy Policy, cfg Config) *Hub {
	return &Hub{
		verifier: verifier,
		policy:   policy,
		cfg:      cfg.sanitize(),
		log:      slog.Default().With("component", "hub"),
		conns:    make(map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		done:     make(chan struct{}),
	}
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config { return h.cfg }

// Register verifies the credential and, on success, creates and registers
// a connection. On verification failure no connection state is created and
// the caller must close the transport.
func (h *Hub) Register(credential string, meta ConnMeta) (*Conn, error) {
	// Verification happens outside the registry lock: the verifier may be
	// arbitrarily slow and must not stall fan-out.
	sess, err := h.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	c := &Conn{
		id:        uuid.NewString(),
		sess:      sess,
		meta:      meta,
		send:      make(chan *protocol.Frame, h.cfg.OutboundBuffer),
		createdAt: now,
		lastSeen:  now,
		subs:      make(map[string]string),
		byChannel: make(map[string]string),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrShutdown
	}
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.log.Info("connection registered",
		"conn_id", c.id, "user", sess.UserID, "addr", meta.RemoteAddr, "total", total)
	return c, nil
}

// Subscribe checks policy and adds the membership edge, returning the
// subscription id. Subscribing to a channel the connection already holds
// returns the existing id. Channels are created implicitly on first
// subscribe.
func (h *Hub) Subscribe(connID, channel string) (string, error) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	var sess auth.Session
	if ok {
		sess = c.sess
	}
	h.mu.RUnlock()
	if !ok {
		return "", ErrConnNotFound
	}

	// Policy is evaluated on every attempt, outside the write lock. A
	// membership change between the check and the edge insert is the same
	// race a caller-side retry would see; the next attempt re-decides.
	if dec := h.policy.Decide(sess, channel, ActionSubscribe); !dec.Allow {
		return "", &PolicyError{Channel: channel, Action: ActionSubscribe, Reason: dec.Reason}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok = h.conns[connID]; !ok {
		return "", ErrConnNotFound
	}
	if subID, ok := c.byChannel[channel]; ok {
		return subID, nil
	}

	subID := uuid.NewString()
	c.subs[subID] = channel
	c.byChannel[channel] = subID
	subscribers, ok := h.channels[channel]
	if !ok {
		subscribers = make(map[string]*Conn)
		h.channels[channel] = subscribers
	}
	subscribers[connID] = c

	h.log.Debug("subscribed", "conn_id", connID, "channel", channel, "sub_id", subID)
	return subID, nil
}

// Unsubscribe removes the subscription. An unknown subscription id is a
// no-op: the registry cannot distinguish "already removed" from "never
// existed" and cancel must be retryable.
func (h *Hub) Unsubscribe(connID, subID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	channel, ok := c.subs[subID]
	if !ok {
		return nil
	}
	delete(c.subs, subID)
	delete(c.byChannel, channel)
	h.dropSubscriberLocked(channel, connID)

	h.log.Debug("unsubscribed", "conn_id", connID, "channel", channel)
	return nil
}

// Publish fans an event out to every current subscriber of the channel and
// returns the number of queues it was delivered to. If publisher is a
// connection id, the publish-side policy is checked first; an empty
// publisher marks a trusted server-internal publish and bypasses policy.
//
// Publishes are serialized by the registry lock, so events published in
// call order land in each subscriber's queue in that order. A subscriber
// whose queue is full is disconnected with ReasonBufferOverflow; delivery
// to the remaining subscribers is unaffected.
func (h *Hub) Publish(channel, event string, payload any, publisher string) (int, error) {
	frame, err := protocol.NewEvent(channel, event, payload)
	if err != nil {
		return 0, err
	}

	if publisher != "" {
		h.mu.RLock()
		p, ok := h.conns[publisher]
		var sess auth.Session
		if ok {
			sess = p.sess
		}
		h.mu.RUnlock()
		if !ok {
			return 0, ErrConnNotFound
		}
		if dec := h.policy.Decide(sess, channel, ActionPublish); !dec.Allow {
			return 0, &PolicyError{Channel: channel, Action: ActionPublish, Reason: dec.Reason}
		}
	}

	h.mu.Lock()
	var overflowed []*Conn
	delivered := 0
	for _, c := range h.channels[channel] {
		select {
		case c.send <- frame:
			delivered++
		default:
			overflowed = append(overflowed, c)
		}
	}
	for _, c := range overflowed {
		h.disconnectLocked(c, ReasonBufferOverflow)
	}
	h.mu.Unlock()

	if len(overflowed) > 0 {
		h.log.Warn("slow consumers disconnected", "channel", channel, "count", len(overflowed))
	}
	h.log.Debug("published", "channel", channel, "event", event, "delivered", delivered)
	return delivered, nil
}

// SendTo enqueues a frame directly onto one connection's outbound queue,
// bypassing channel fan-out. Used for handshake acks, command responses,
// and pongs. The slow-consumer policy applies exactly as in Publish.
func (h *Hub) SendTo(connID string, frame *protocol.Frame) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnNotFound
	}
	overflowed := false
	select {
	case c.send <- frame:
	default:
		overflowed = true
		h.disconnectLocked(c, ReasonBufferOverflow)
	}
	h.mu.Unlock()

	if overflowed {
		h.log.Warn("slow consumer disconnected on direct send", "conn_id", connID)
		return ErrConnNotFound
	}
	return nil
}

// Disconnect atomically removes the connection from every channel and from
// the registry, then closes its send channel. Subsequent operations with
// the id fail with ErrConnNotFound.
func (h *Hub) Disconnect(connID string, reason DisconnectReason) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		h.disconnectLocked(c, reason)
	}
	total := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return ErrConnNotFound
	}
	h.log.Info("connection disconnected",
		"conn_id", c.id, "user", c.sess.UserID, "reason", string(reason), "total", total)
	return nil
}

// Heartbeat refreshes the connection's last-seen timestamp. The transport
// layer calls this for every inbound frame.
func (h *Hub) Heartbeat(connID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	c.lastSeen = time.Now()
	return nil
}

// Stats reports the current connection and channel counts.
func (h *Hub) Stats() (conns, channels int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.channels)
}

// Subscriptions returns the channels the connection currently holds,
// keyed by subscription id.
func (h *Hub) Subscriptions(connID string) (map[string]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil, ErrConnNotFound
	}
	subs := make(map[string]string, len(c.subs))
	for id, channel := range c.subs {
		subs[id] = channel
	}
	return subs, nil
}

// Start launches the liveness sweep. Connections silent for longer than
// PingInterval×TimeoutMultiplier are disconnected with ReasonPingTimeout.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()
	h.log.Info("hub started",
		"outbound_buffer", h.cfg.OutboundBuffer,
		"ping_interval", h.cfg.PingInterval,
		"sweep_interval", h.cfg.SweepInterval)
}

func (h *Hub) sweep() {
	deadline := time.Now().Add(-h.cfg.PingInterval * time.Duration(h.cfg.TimeoutMultiplier))

	h.mu.Lock()
	var timedOut []*Conn
	for _, c := range h.conns {
		if c.lastSeen.Before(deadline) {
			timedOut = append(timedOut, c)
		}
	}
	for _, c := range timedOut {
		h.disconnectLocked(c, ReasonPingTimeout)
	}
	h.mu.Unlock()

	for _, c := range timedOut {
		h.log.Warn("connection timed out", "conn_id", c.id, "user", c.sess.UserID)
	}
}

// Shutdown disconnects every connection with ReasonShutdown, refuses
// further registrations, and stops the sweep.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	remaining := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		remaining = append(remaining, c)
	}
	for _, c := range remaining {
		h.disconnectLocked(c, ReasonShutdown)
	}
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()
	h.log.Info("hub shut down", "disconnected", len(remaining))
}

// disconnectLocked removes c from every channel it is subscribed to and
// from the registry, then closes its send channel. Caller holds h.mu.
func (h *Hub) disconnectLocked(c *Conn, reason DisconnectReason) {
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	for subID, channel := range c.subs {
		delete(c.byChannel, channel)
		delete(c.subs, subID)
		h.dropSubscriberLocked(channel, c.id)
	}
	delete(h.conns, c.id)
	close(c.send)
}

// dropSubscriberLocked removes the connection from a channel's subscriber
// set, pruning the channel when the set empties. Caller holds h.mu.
func (h *Hub) dropSubscriberLocked(channel, connID string) {
	subscribers, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(h.channels, channel)
	}
}
