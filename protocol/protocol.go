// Package protocol defines the wire format shared by the Beacon hub and its
// clients. Every message in either direction is a single JSON Frame carried
// in one WebSocket text message.
package protocol

import "encoding/json"

// FrameType identifies what kind of frame is being sent.
type FrameType string

const (
	// Client → Server
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypePublish     FrameType = "publish"
	TypeRequest     FrameType = "request"
	TypePing        FrameType = "ping"

	// Server → Client
	TypeResponse FrameType = "response"
	TypeEvent    FrameType = "event"
	TypePong     FrameType = "pong"
	TypeError    FrameType = "error"
)

// Frame is the top-level wire envelope. Fields are populated according to
// the frame type; unused fields are omitted from the encoding.
//
// Subscribe, unsubscribe, and request frames carry a correlation ID and are
// answered by a response or error frame with the same ID. Publish frames are
// fire-and-forget. Event frames are server-originated fan-out and never
// carry an ID.
type Frame struct {
	Type    FrameType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// NewFrame marshals payload and returns a ready-to-send Frame. A nil or
// empty payload, including a nil json.RawMessage passed through as any,
// leaves the payload field unset so it is omitted from the encoding.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Type: t}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return &Frame{Type: t}, nil
		}
		return &Frame{Type: t, Payload: raw}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, Payload: raw}, nil
}

// NewEvent builds a server→client event frame for fan-out delivery.
func NewEvent(channel, event string, payload any) (*Frame, error) {
	f, err := NewFrame(TypeEvent, payload)
	if err != nil {
		return nil, err
	}
	f.Channel = channel
	f.Event = event
	return f, nil
}

// NewError builds an error frame. id may be empty for errors that are not
// tied to a correlated command (for example a refused publish).
func NewError(id, reason string) *Frame {
	return &Frame{Type: TypeError, ID: id, Reason: reason}
}

// Encode returns the JSON bytes for f.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a single frame from raw JSON bytes.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ---------------------------------------------------------------------------
// Payload types
// ---------------------------------------------------------------------------

// ConnectedPayload is carried by the first frame the server sends after a
// successful handshake. It has no correlation ID.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// SubscribePayload asks the hub for membership in a channel.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// SubscribedPayload acknowledges a subscribe.
type SubscribedPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Channel        string `json:"channel"`
}

// UnsubscribePayload cancels a previously returned subscription.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// RoomPayload names the room a room.* request operates on.
type RoomPayload struct {
	Room string `json:"room"`
}

// RoomStatePayload answers room.join and room.leave with the derived
// channel and the member count produced by that mutation.
type RoomStatePayload struct {
	Channel     string `json:"channel"`
	MemberCount int    `json:"member_count"`
}

// RoomMembersPayload answers room.members.
type RoomMembersPayload struct {
	Members []string `json:"members"`
}

// PresencePayload is the body of chat.presence events.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	Action      string `json:"action"` // "joined" or "left"
	MemberCount int    `json:"member_count"`
}

// ChatMessagePayload is the body of chat.message events published by clients.
type ChatMessagePayload struct {
	UserID string `json:"user_id"`
	Body   string `json:"body"`
}
