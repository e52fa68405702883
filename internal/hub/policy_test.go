package hub

import (
	"testing"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/room"
)

func TestAllowAll(t *testing.T) {
	dec := AllowAll{}.Decide(auth.Session{UserID: "u1"}, "anything", ActionPublish)
	if !dec.Allow {
		t.Error("AllowAll denied")
	}
}

func TestRoomPolicyGatesRoomChannels(t *testing.T) {
	rooms := room.NewRegistry()
	rooms.Join("u1", "lobby")
	p := NewRoomPolicy(AllowAll{}, rooms)

	member := auth.Session{UserID: "u1"}
	outsider := auth.Session{UserID: "u2"}

	if dec := p.Decide(member, "room:lobby", ActionSubscribe); !dec.Allow {
		t.Errorf("member denied: %s", dec.Reason)
	}
	if dec := p.Decide(outsider, "room:lobby", ActionSubscribe); dec.Allow {
		t.Error("outsider allowed")
	} else if dec.Reason == "" {
		t.Error("deny without reason")
	}
	if dec := p.Decide(outsider, "room:lobby", ActionPublish); dec.Allow {
		t.Error("outsider publish allowed")
	}

	// Non-room channels defer to the base policy.
	if dec := p.Decide(outsider, "news", ActionSubscribe); !dec.Allow {
		t.Errorf("non-room channel denied: %s", dec.Reason)
	}
}

func TestRoomPolicyReEvaluatesMembership(t *testing.T) {
	rooms := room.NewRegistry()
	p := NewRoomPolicy(AllowAll{}, rooms)
	sess := auth.Session{UserID: "u1"}

	if dec := p.Decide(sess, "room:lobby", ActionSubscribe); dec.Allow {
		t.Error("allowed before join")
	}
	rooms.Join("u1", "lobby")
	if dec := p.Decide(sess, "room:lobby", ActionSubscribe); !dec.Allow {
		t.Error("denied after join")
	}
	rooms.Leave("u1", "lobby")
	if dec := p.Decide(sess, "room:lobby", ActionSubscribe); dec.Allow {
		t.Error("allowed after leave")
	}
}

func TestRolePolicyRequiresRoleForPublish(t *testing.T) {
	p := NewRolePolicy("publisher", AllowAll{})

	writer := auth.Session{UserID: "u1", Roles: []string{"publisher"}}
	reader := auth.Session{UserID: "u2"}

	if dec := p.Decide(writer, "news", ActionPublish); !dec.Allow {
		t.Errorf("publisher denied: %s", dec.Reason)
	}
	if dec := p.Decide(reader, "news", ActionPublish); dec.Allow {
		t.Error("reader allowed to publish")
	}
	if dec := p.Decide(reader, "news", ActionSubscribe); !dec.Allow {
		t.Errorf("reader denied subscribe: %s", dec.Reason)
	}
}

func TestComposedPolicy(t *testing.T) {
	rooms := room.NewRegistry()
	rooms.Join("u2", "lobby")
	p := NewRoomPolicy(NewRolePolicy("publisher", AllowAll{}), rooms)

	reader := auth.Session{UserID: "u2"}

	// Room channels are governed by membership alone.
	if dec := p.Decide(reader, "room:lobby", ActionPublish); !dec.Allow {
		t.Errorf("room member publish denied: %s", dec.Reason)
	}
	// Outside the room namespace the role gate applies.
	if dec := p.Decide(reader, "news", ActionPublish); dec.Allow {
		t.Error("unprivileged publish allowed on plain channel")
	}
}
