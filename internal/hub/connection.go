package hub

import (
	"time"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/protocol"
)

// DisconnectReason identifies why a connection was torn down. It is carried
// in the close message the transport layer sends to the peer.
type DisconnectReason string

const (
	ReasonClientClosed   DisconnectReason = "client closed"
	ReasonAuthFailed     DisconnectReason = "authentication failed"
	ReasonPolicyRevoked  DisconnectReason = "policy revoked"
	ReasonPingTimeout    DisconnectReason = "ping timeout"
	ReasonBufferOverflow DisconnectReason = "outbound buffer overflow"
	ReasonShutdown       DisconnectReason = "server shutdown"
)

// ConnMeta is transport metadata captured at handshake time.
type ConnMeta struct {
	RemoteAddr string
	UserAgent  string
}

// Conn is one registered connection. The hub owns all mutable fields;
// everything below the send channel is guarded by the hub's mutex. The
// transport layer drains Send and writes frames to the socket.
type Conn struct {
	id   string
	sess auth.Session
	meta ConnMeta
	send chan *protocol.Frame

	createdAt time.Time
	lastSeen  time.Time
	subs      map[string]string // subscription id → channel
	byChannel map[string]string // channel → subscription id
	closed    bool
	reason    DisconnectReason
}

// ID returns the hub-assigned connection id.
func (c *Conn) ID() string { return c.id }

// Session returns the verified identity attached at registration.
func (c *Conn) Session() auth.Session { return c.sess }

// RemoteAddr returns the peer address captured at handshake.
func (c *Conn) RemoteAddr() string { return c.meta.RemoteAddr }

// Send returns the outbound frame queue. The channel is closed when the
// connection is disconnected; after that Reason reports why.
func (c *Conn) Send() <-chan *protocol.Frame { return c.send }

// Reason reports why the connection was disconnected. Only valid after
// Send has been observed closed: the reason is written before the close,
// and the close synchronizes with the receive that observes it.
func (c *Conn) Reason() DisconnectReason { return c.reason }
