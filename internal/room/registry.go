// Package room tracks chat room membership. The registry only mutates and
// reports state; publishing presence events on the derived channel is the
// caller's job.
package room

import (
	"sort"
	"sync"
)

// ChannelPrefix namespaces the channels derived from room names.
const ChannelPrefix = "room:"

// Channel derives the hub channel name for a room deterministically.
func Channel(name string) string {
	return ChannelPrefix + name
}

// Registry maps room names to member sets. All mutation is serialized so
// the member count returned by Join/Leave is exactly the count produced by
// that mutation, never a stale read.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]struct{})}
}

// Join adds userID to the room, creating it on first join. Joining a room
// the user is already in is idempotent. Returns the derived channel name
// and the member count after the join.
func (r *Registry) Join(userID, name string) (channel string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[name]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[name] = members
	}
	members[userID] = struct{}{}
	return Channel(name), len(members)
}

// Leave removes userID from the room. Leaving a room the user is not in is
// a no-op. Empty rooms are pruned. Returns the derived channel name and
// the member count after the leave.
func (r *Registry) Leave(userID, name string) (channel string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[name]
	if !ok {
		return Channel(name), 0
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, name)
		return Channel(name), 0
	}
	return Channel(name), len(members)
}

// IsMember reports whether userID is currently in the room. Policies use
// this to gate room-scoped channels.
func (r *Registry) IsMember(userID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name][userID]
	return ok
}

// Members returns the sorted user ids currently in the room.
func (r *Registry) Members(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]string, 0, len(r.rooms[name]))
	for id := range r.rooms[name] {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// Len returns the number of rooms with at least one member.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
