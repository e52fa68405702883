package hub

import (
	"fmt"
	"strings"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/room"
)

// Action is the operation a policy decision applies to.
type Action string

const (
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow returns a permissive decision.
func Allow() Decision { return Decision{Allow: true} }

// Deny returns a refusal carrying the reason reported to the caller.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Policy decides whether an identity may subscribe to or publish on a
// channel. Decide is called on every attempt and must be safe for
// concurrent use. Results must not be cached, since membership and roles
// can change between attempts.
type Policy interface {
	Decide(sess auth.Session, channel string, action Action) Decision
}

// AllowAll permits every action. The base of most compositions.
type AllowAll struct{}

func (AllowAll) Decide(auth.Session, string, Action) Decision { return Allow() }

// RoomPolicy gates room-scoped channels on current room membership:
// subscribe and publish on "room:<name>" require the identity's user id
// to be a member of <name> at decision time. Other channels defer to the
// base policy.
type RoomPolicy struct {
	base  Policy
	rooms *room.Registry
}

// NewRoomPolicy wraps base with room-membership gating backed by rooms.
func NewRoomPolicy(base Policy, rooms *room.Registry) *RoomPolicy {
	return &RoomPolicy{base: base, rooms: rooms}
}

func (p *RoomPolicy) Decide(sess auth.Session, channel string, action Action) Decision {
	name, ok := strings.CutPrefix(channel, room.ChannelPrefix)
	if !ok {
		return p.base.Decide(sess, channel, action)
	}
	if !p.rooms.IsMember(sess.UserID, name) {
		return Deny(fmt.Sprintf("not a member of room %q", name))
	}
	return Allow()
}

// RolePolicy requires a role for publishing; subscribes defer to the base
// policy. Server-internal publishes never pass through policy at all, so
// this only constrains client publish frames.
type RolePolicy struct {
	role string
	base Policy
}

// NewRolePolicy wraps base, requiring role for publish actions.
func NewRolePolicy(role string, base Policy) *RolePolicy {
	return &RolePolicy{role: role, base: base}
}

func (p *RolePolicy) Decide(sess auth.Session, channel string, action Action) Decision {
	if action == ActionPublish && !sess.HasRole(p.role) {
		return Deny(fmt.Sprintf("publish requires role %q", p.role))
	}
	return p.base.Decide(sess, channel, action)
}
