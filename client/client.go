// Package client implements the companion client for the Beacon hub. It
// performs the authenticated handshake, tracks subscriptions, correlates
// request/response calls with timeouts, and keeps the connection alive
// with periodic pings.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beacon-rt/beacon/protocol"
)

// State is the client connection state. Transitions:
// Connecting → Authenticating → Ready → Closing → Closed, with Failed
// reachable from any non-Closed state on transport error, auth rejection,
// or keepalive timeout.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by operations attempted outside the
	// Ready state. Calls fail fast rather than queuing silently.
	ErrNotConnected = errors.New("client: not connected")

	// ErrTimeout is returned when a request receives no response within
	// the configured request timeout.
	ErrTimeout = errors.New("client: request timed out")

	// ErrBufferFull is returned when the outbound buffer cannot accept
	// another frame.
	ErrBufferFull = errors.New("client: outbound buffer full")

	// ErrClosed is the terminal error after an orderly Close.
	ErrClosed = errors.New("client: closed")

	// ErrKeepaliveTimeout is the terminal error when the server stops
	// responding to pings.
	ErrKeepaliveTimeout = errors.New("client: keepalive timed out")

	// ErrHandshakeRejected is returned by Dial when the server refuses
	// the credential.
	ErrHandshakeRejected = errors.New("client: handshake rejected")
)

// RemoteError is a failure reported by the server for a correlated call.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "client: server error: " + e.Reason
}

// Config holds client tuning parameters. Zero values take defaults.
type Config struct {
	// RequestTimeout bounds Subscribe, Unsubscribe, and Request calls.
	RequestTimeout time.Duration
	// PingInterval is the keepalive cadence. A connection with no inbound
	// traffic for twice this interval is considered dead.
	PingInterval time.Duration
	// OutboundBuffer caps the number of frames queued for sending, and
	// also sizes the inbound event buffer.
	OutboundBuffer int
}

func (c Config) sanitize() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	return c
}

// Event is a fan-out delivery received on a subscribed channel.
type Event struct {
	Channel string
	Name    string
	Payload json.RawMessage
}

type rpcResult struct {
	frame *protocol.Frame
	err   error
}

// Client is a single hub connection. Safe for concurrent use.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	connID string
	userID string

	state atomic.Int32

	mu      sync.Mutex
	pending map[string]chan rpcResult
	subs    map[string]string // subscription id → channel
	termErr error

	writeMu sync.Mutex

	out    chan *protocol.Frame
	events chan Event
	done   chan struct{}
	once   sync.Once

	lastSeen atomic.Int64 // unix nanos of last inbound frame
}

// Dial connects to the hub at url (ws:// or wss:// scheme, /ws path),
// performs the bearer-credential handshake, and returns a Ready client.
func Dial(url, credential string, cfg Config) (*Client, error) {
	cfg = cfg.sanitize()

	c := &Client{
		cfg:     cfg,
		pending: make(map[string]chan rpcResult),
		subs:    make(map[string]string),
		out:     make(chan *protocol.Frame, cfg.OutboundBuffer),
		events:  make(chan Event, cfg.OutboundBuffer),
		done:    make(chan struct{}),
	}
	c.setState(StateConnecting)

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.RequestTimeout
	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("client: connect %s: %w", url, err)
	}
	c.conn = ws
	c.setState(StateAuthenticating)

	// The server's first frame is the handshake ack with the assigned
	// connection id; an auth refusal arrives as a close frame instead.
	if err := ws.SetReadDeadline(time.Now().Add(cfg.RequestTimeout)); err != nil {
		c.setState(StateFailed)
		_ = ws.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		c.setState(StateFailed)
		_ = ws.Close()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, ce.Text)
		}
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil || frame.Type != protocol.TypeResponse {
		c.setState(StateFailed)
		_ = ws.Close()
		return nil, fmt.Errorf("%w: unexpected first frame", ErrHandshakeRejected)
	}
	var ack protocol.ConnectedPayload
	if err := json.Unmarshal(frame.Payload, &ack); err != nil || ack.ConnectionID == "" {
		c.setState(StateFailed)
		_ = ws.Close()
		return nil, fmt.Errorf("%w: malformed handshake ack", ErrHandshakeRejected)
	}
	c.connID = ack.ConnectionID
	c.userID = ack.UserID

	_ = ws.SetReadDeadline(time.Time{})
	c.lastSeen.Store(time.Now().UnixNano())
	c.setState(StateReady)

	go c.readLoop()
	go c.writeLoop()
	go c.keepalive()
	return c, nil
}

// ConnID returns the hub-assigned connection id.
func (c *Client) ConnID() string { return c.connID }

// UserID returns the verified identity reported in the handshake ack.
func (c *Client) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Events returns the channel fan-out deliveries arrive on. It is closed
// when the connection ends. If the application falls behind, the oldest
// buffered event is dropped so the read loop never stalls.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the client reaches a terminal state.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Subscribe asks the hub for membership in channel and returns the
// subscription id.
func (c *Client) Subscribe(channel string) (string, error) {
	resp, err := c.roundTrip(&protocol.Frame{Type: protocol.TypeSubscribe, Channel: channel})
	if err != nil {
		return "", err
	}
	var p protocol.SubscribedPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil || p.SubscriptionID == "" {
		return "", fmt.Errorf("client: malformed subscribe response")
	}
	c.mu.Lock()
	c.subs[p.SubscriptionID] = p.Channel
	c.mu.Unlock()
	return p.SubscriptionID, nil
}

// Unsubscribe cancels a subscription. Cancelling an id the hub no longer
// knows is not an error.
func (c *Client) Unsubscribe(subID string) error {
	payload, _ := json.Marshal(protocol.UnsubscribePayload{SubscriptionID: subID})
	_, err := c.roundTrip(&protocol.Frame{Type: protocol.TypeUnsubscribe, Payload: payload})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
	return nil
}

// Subscriptions returns the currently held subscriptions, keyed by
// subscription id.
func (c *Client) Subscriptions() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make(map[string]string, len(c.subs))
	for id, channel := range c.subs {
		subs[id] = channel
	}
	return subs
}

// Request performs a correlated call to a named server handler and
// returns the raw response payload.
func (c *Client) Request(name string, payload any) (json.RawMessage, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(&protocol.Frame{Type: protocol.TypeRequest, Event: name, Payload: raw})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// SendEvent publishes an event on a channel, fire-and-forget. A policy
// refusal surfaces asynchronously as an error frame, not here.
func (c *Client) SendEvent(channel, event string, payload any) error {
	if c.State() != StateReady {
		return ErrNotConnected
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.enqueue(&protocol.Frame{Type: protocol.TypePublish, Channel: channel, Event: event, Payload: raw})
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: encode payload: %w", err)
	}
	return raw, nil
}

// Close performs an orderly shutdown. Pending requests resolve with
// ErrClosed.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.setState(StateClosing)
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.terminate(StateClosed, ErrClosed)
	return nil
}

// enqueue queues a frame for the write loop without blocking.
func (c *Client) enqueue(frame *protocol.Frame) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return c.Err()
	default:
		return ErrBufferFull
	}
}

// roundTrip sends a correlated frame and waits for its response, the
// request timeout, or connection loss, whichever comes first. Every
// pending request resolves exactly once.
func (c *Client) roundTrip(frame *protocol.Frame) (*protocol.Frame, error) {
	if c.State() != StateReady {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	frame.ID = id
	ch := make(chan rpcResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.enqueue(frame); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrTimeout
	case <-c.done:
		c.dropPending(id)
		return nil, c.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve matches a response or error frame to its pending request. A
// frame whose id is no longer pending (a late response after timeout)
// is discarded.
func (c *Client) resolve(frame *protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if frame.Type == protocol.TypeError {
		ch <- rpcResult{err: &RemoteError{Reason: frame.Reason}}
		return
	}
	ch <- rpcResult{frame: frame}
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				c.terminate(StateClosed, ErrClosed)
			} else {
				c.terminate(StateFailed, fmt.Errorf("client: connection lost: %w", err))
			}
			return
		}
		c.lastSeen.Store(time.Now().UnixNano())

		frame, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeResponse:
			c.resolve(frame)
		case protocol.TypeError:
			if frame.ID != "" {
				c.resolve(frame)
			}
			// Uncorrelated errors (refused publishes, rate limiting) have
			// no caller to resolve; they are dropped here.
		case protocol.TypeEvent:
			c.deliver(Event{Channel: frame.Channel, Name: frame.Event, Payload: frame.Payload})
		case protocol.TypePong:
			// lastSeen already refreshed.
		}
	}
}

// deliver hands an event to the application, dropping the oldest buffered
// event when the buffer is full.
func (c *Client) deliver(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			data, err := frame.Encode()
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
			err = c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				c.terminate(StateFailed, fmt.Errorf("client: write failed: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// keepalive sends a protocol ping every PingInterval and fails the
// connection when nothing has been heard for twice that.
func (c *Client) keepalive() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, c.lastSeen.Load()))
			if silent > 2*c.cfg.PingInterval {
				c.terminate(StateFailed, ErrKeepaliveTimeout)
				return
			}
			// Buffer-full just means traffic is already in flight.
			_ = c.enqueue(&protocol.Frame{Type: protocol.TypePing})
		}
	}
}

// terminate moves the client to a terminal state exactly once, resolving
// every pending request with the terminal error.
func (c *Client) terminate(state State, err error) {
	c.once.Do(func() {
		c.setState(state)

		c.mu.Lock()
		c.termErr = err
		pending := c.pending
		c.pending = make(map[string]chan rpcResult)
		c.mu.Unlock()

		close(c.done)
		for _, ch := range pending {
			ch <- rpcResult{err: err}
		}
		_ = c.conn.Close()
	})
}
