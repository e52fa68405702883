package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/room"
	"github.com/beacon-rt/beacon/protocol"
)

func newTestVerifier() *auth.TokenVerifier {
	v := auth.NewTokenVerifier()
	v.Add("tok-u1", "u1", "publisher")
	v.Add("tok-u2", "u2")
	return v
}

func newTestHub(t *testing.T, policy Policy, cfg Config) *Hub {
	t.Helper()
	if policy == nil {
		policy = AllowAll{}
	}
	h := New(newTestVerifier(), policy, cfg)
	t.Cleanup(h.Shutdown)
	return h
}

func mustRegister(t *testing.T, h *Hub, token string) *Conn {
	t.Helper()
	c, err := h.Register(token, ConnMeta{RemoteAddr: "127.0.0.1:1234"})
	if err != nil {
		t.Fatalf("Register(%q): %v", token, err)
	}
	return c
}

func TestRegisterRejectsBadCredential(t *testing.T) {
	h := newTestHub(t, nil, Config{})

	if _, err := h.Register("nope", ConnMeta{}); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
	if conns, _ := h.Stats(); conns != 0 {
		t.Errorf("connections after refused handshake = %d, want 0", conns)
	}
}

func TestSubscribePublishDelivers(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	c := mustRegister(t, h, "tok-u1")

	if _, err := h.Subscribe(c.ID(), "room:lobby"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	n, err := h.Publish("room:lobby", "chat.presence", protocol.PresencePayload{
		UserID: "u1", Action: "joined", MemberCount: 1,
	}, "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	frame := <-c.Send()
	if frame.Type != protocol.TypeEvent || frame.Channel != "room:lobby" || frame.Event != "chat.presence" {
		t.Fatalf("frame = %+v", frame)
	}
	var p protocol.PresencePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.UserID != "u1" || p.Action != "joined" || p.MemberCount != 1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestDuplicateSubscribeReturnsSameID(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	c := mustRegister(t, h, "tok-u1")

	first, err := h.Subscribe(c.ID(), "news")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := h.Subscribe(c.ID(), "news")
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if first != second {
		t.Errorf("ids differ: %q vs %q", first, second)
	}

	// Still exactly one delivery per publish.
	if n, _ := h.Publish("news", "tick", nil, ""); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	c := mustRegister(t, h, "tok-u1")

	subID, err := h.Subscribe(c.ID(), "news")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := h.Unsubscribe(c.ID(), subID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// Already removed: no-op, not an error.
	if err := h.Unsubscribe(c.ID(), subID); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}

	if n, _ := h.Publish("news", "tick", nil, ""); n != 0 {
		t.Errorf("delivered after unsubscribe = %d, want 0", n)
	}
	subs, err := h.Subscriptions(c.ID())
	if err != nil {
		t.Fatalf("Subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("subscriptions = %v, want none", subs)
	}
}

func TestBidirectionalInvariantAcrossOperations(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	a := mustRegister(t, h, "tok-u1")
	b := mustRegister(t, h, "tok-u2")

	subA, _ := h.Subscribe(a.ID(), "news")
	h.Subscribe(b.ID(), "news")
	h.Subscribe(a.ID(), "alerts")

	if _, channels := h.Stats(); channels != 2 {
		t.Fatalf("channels = %d, want 2", channels)
	}

	h.Unsubscribe(a.ID(), subA)
	subs, _ := h.Subscriptions(a.ID())
	if len(subs) != 1 {
		t.Fatalf("a's subscriptions = %v, want only alerts", subs)
	}
	for _, channel := range subs {
		if channel != "alerts" {
			t.Errorf("unexpected channel %q", channel)
		}
	}
	// b must still be reachable on news.
	if n, _ := h.Publish("news", "tick", nil, ""); n != 1 {
		t.Errorf("delivered to news = %d, want 1", n)
	}
}

func TestDisconnectRemovesAllMemberships(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	c := mustRegister(t, h, "tok-u1")

	for _, channel := range []string{"a", "b", "c"} {
		if _, err := h.Subscribe(c.ID(), channel); err != nil {
			t.Fatalf("Subscribe(%s): %v", channel, err)
		}
	}

	if err := h.Disconnect(c.ID(), ReasonClientClosed); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	conns, channels := h.Stats()
	if conns != 0 || channels != 0 {
		t.Errorf("stats after disconnect = %d conns, %d channels", conns, channels)
	}
	for _, channel := range []string{"a", "b", "c"} {
		if n, _ := h.Publish(channel, "tick", nil, ""); n != 0 {
			t.Errorf("publish to %s reached disconnected conn", channel)
		}
	}
	if _, err := h.Subscribe(c.ID(), "a"); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("Subscribe after disconnect err = %v, want ErrConnNotFound", err)
	}
	if _, ok := <-c.Send(); ok {
		t.Error("send channel still open after disconnect")
	}
	if c.Reason() != ReasonClientClosed {
		t.Errorf("reason = %q", c.Reason())
	}
}

func TestPublishOrderingPerChannel(t *testing.T) {
	h := newTestHub(t, nil, Config{OutboundBuffer: 128})
	c := mustRegister(t, h, "tok-u1")
	h.Subscribe(c.ID(), "seq")

	events := []string{"e0", "e1", "e2", "e3", "e4"}
	for _, name := range events {
		if _, err := h.Publish("seq", name, nil, ""); err != nil {
			t.Fatalf("Publish(%s): %v", name, err)
		}
	}

	for i, want := range events {
		frame := <-c.Send()
		if frame.Event != want {
			t.Fatalf("frame %d = %q, want %q", i, frame.Event, want)
		}
	}
}

func TestPublishPolicyDeniedOthersStillReceive(t *testing.T) {
	rooms := room.NewRegistry()
	rooms.Join("u1", "lobby")
	policy := NewRoomPolicy(AllowAll{}, rooms)

	h := newTestHub(t, policy, Config{})
	member := mustRegister(t, h, "tok-u1")
	outsider := mustRegister(t, h, "tok-u2")

	if _, err := h.Subscribe(member.ID(), "room:lobby"); err != nil {
		t.Fatalf("member Subscribe: %v", err)
	}
	if _, err := h.Subscribe(outsider.ID(), "room:lobby"); err == nil {
		t.Fatal("outsider subscribe allowed")
	}

	// Outsider publish is refused; the member publish goes through and
	// reaches the member only.
	if _, err := h.Publish("room:lobby", "chat.message", nil, outsider.ID()); err == nil {
		t.Fatal("outsider publish allowed")
	} else {
		var perr *PolicyError
		if !errors.As(err, &perr) || perr.Action != ActionPublish {
			t.Fatalf("err = %v, want PolicyError for publish", err)
		}
	}

	n, err := h.Publish("room:lobby", "chat.message", nil, member.ID())
	if err != nil {
		t.Fatalf("member Publish: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	select {
	case f := <-member.Send():
		if f.Event != "chat.message" {
			t.Errorf("member got %q", f.Event)
		}
	default:
		t.Error("member received nothing")
	}
	select {
	case f := <-outsider.Send():
		t.Errorf("outsider received %+v", f)
	default:
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newTestHub(t, nil, Config{OutboundBuffer: 2})
	stalled := mustRegister(t, h, "tok-u1")
	healthy := mustRegister(t, h, "tok-u2")
	h.Subscribe(stalled.ID(), "firehose")
	h.Subscribe(healthy.ID(), "firehose")

	// Nobody drains stalled's queue. The third publish overflows it and
	// the hub drops the connection; healthy keeps its own pace.
	for i := 0; i < 2; i++ {
		if n, _ := h.Publish("firehose", "burst", nil, ""); n != 2 {
			t.Fatalf("publish %d delivered %d, want 2", i, n)
		}
		<-healthy.Send()
	}
	n, err := h.Publish("firehose", "burst", nil, "")
	if err != nil {
		t.Fatalf("third Publish: %v", err)
	}
	if n != 1 {
		t.Errorf("third publish delivered = %d, want 1 (healthy only)", n)
	}

	// The stalled connection got the first two frames, then the close.
	for i := 0; i < 2; i++ {
		if f, ok := <-stalled.Send(); !ok || f.Event != "burst" {
			t.Fatalf("stalled frame %d = %v (open=%v)", i, f, ok)
		}
	}
	if _, ok := <-stalled.Send(); ok {
		t.Error("stalled send channel still open")
	}
	if stalled.Reason() != ReasonBufferOverflow {
		t.Errorf("reason = %q, want %q", stalled.Reason(), ReasonBufferOverflow)
	}
	if conns, _ := h.Stats(); conns != 1 {
		t.Errorf("connections = %d, want 1", conns)
	}
}

func TestLivenessSweepDisconnectsSilentConnections(t *testing.T) {
	h := newTestHub(t, nil, Config{
		PingInterval:      10 * time.Millisecond,
		TimeoutMultiplier: 2,
		SweepInterval:     5 * time.Millisecond,
	})
	h.Start()

	quiet := mustRegister(t, h, "tok-u1")
	chatty := mustRegister(t, h, "tok-u2")

	deadline := time.After(2 * time.Second)
	keepalive := time.NewTicker(5 * time.Millisecond)
	defer keepalive.Stop()
	for {
		select {
		case <-deadline:
			t.Fatal("quiet connection never timed out")
		case <-keepalive.C:
			h.Heartbeat(chatty.ID())
		case _, ok := <-quiet.Send():
			if !ok {
				if quiet.Reason() != ReasonPingTimeout {
					t.Errorf("reason = %q, want %q", quiet.Reason(), ReasonPingTimeout)
				}
				if err := h.Heartbeat(chatty.ID()); err != nil {
					t.Errorf("chatty was also dropped: %v", err)
				}
				return
			}
		}
	}
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	h := New(newTestVerifier(), AllowAll{}, Config{})
	c := mustRegister(t, h, "tok-u1")
	h.Subscribe(c.ID(), "news")

	h.Shutdown()

	if _, ok := <-c.Send(); ok {
		t.Error("send channel open after shutdown")
	}
	if c.Reason() != ReasonShutdown {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonShutdown)
	}
	if _, err := h.Register("tok-u2", ConnMeta{}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Register after shutdown err = %v, want ErrShutdown", err)
	}
	// Second shutdown is a no-op.
	h.Shutdown()
}

func TestHeartbeatUnknownConnection(t *testing.T) {
	h := newTestHub(t, nil, Config{})
	if err := h.Heartbeat("ghost"); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("err = %v, want ErrConnNotFound", err)
	}
}
