// Package server bridges WebSocket transports onto the hub: it upgrades
// and authenticates connections, pumps frames in both directions, and
// dispatches client commands to the registry and to named request
// handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/hub"
	"github.com/beacon-rt/beacon/internal/room"
	"github.com/beacon-rt/beacon/protocol"
)

const writeWait = 10 * time.Second

// RequestHandler answers a correlated request frame. The returned value is
// marshaled into the response payload; a returned error becomes an error
// frame carrying the request's correlation id.
type RequestHandler func(sess auth.Session, connID string, payload json.RawMessage) (any, error)

// Server owns the HTTP-facing side of the hub.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	rooms    *room.Registry
	origins  *originSet
	upgrader websocket.Upgrader
	log      *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[string]RequestHandler

	wg sync.WaitGroup
}

// NewServer wires the hub and room registry into a transport server.
func NewServer(cfg *Config, h *hub.Hub, rooms *room.Registry) *Server {
	s := &Server{
		cfg:      *cfg,
		hub:      h,
		rooms:    rooms,
		origins:  newOriginSet(cfg.AllowedOrigins),
		log:      slog.Default().With("component", "server"),
		handlers: make(map[string]RequestHandler),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// HandleRequest registers a named request handler. Registration is
// expected at startup but is safe at any time.
func (s *Server) HandleRequest(name string, fn RequestHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[name] = fn
}

func (s *Server) requestHandler(name string) (RequestHandler, bool) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	fn, ok := s.handlers[name]
	return fn, ok
}

// WebSocketHandler upgrades the connection, performs the credential
// handshake, registers the connection with the hub, and starts the pump
// goroutines.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	conn, err := s.hub.Register(bearerToken(r), hub.ConnMeta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.Header.Get("User-Agent"),
	})
	if err != nil {
		s.refuse(ws, r.RemoteAddr, err)
		return
	}

	// The handshake ack is the first frame on a fresh queue; it cannot
	// overflow.
	ack, _ := protocol.NewFrame(protocol.TypeResponse, protocol.ConnectedPayload{
		ConnectionID: conn.ID(),
		UserID:       conn.Session().UserID,
	})
	_ = s.hub.SendTo(conn.ID(), ack)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(conn, ws)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(conn, ws)
	}()
}

// bearerToken extracts the credential from the Authorization header, or
// from the token query parameter for browser clients that cannot set
// headers on WebSocket requests.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// refuse closes a transport whose handshake was rejected.
func (s *Server) refuse(ws *websocket.Conn, addr string, err error) {
	reason := "authentication failed"
	code := websocket.ClosePolicyViolation
	if errors.Is(err, hub.ErrShutdown) {
		reason = string(hub.ReasonShutdown)
		code = websocket.CloseGoingAway
	}
	s.log.Warn("handshake refused", "addr", addr, "err", err)

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = ws.Close()
}

// readPump reads frames until the connection drops, refreshing the
// liveness deadline on every inbound message.
func (s *Server) readPump(conn *hub.Conn, ws *websocket.Conn) {
	defer func() {
		// No-op if the hub already removed the connection.
		_ = s.hub.Disconnect(conn.ID(), hub.ReasonClientClosed)
		_ = ws.Close()
	}()

	hubCfg := s.hub.Config()
	wait := hubCfg.PingInterval * time.Duration(hubCfg.TimeoutMultiplier)
	limiter := newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Debug("read error", "conn_id", conn.ID(), "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		_ = s.hub.Heartbeat(conn.ID())

		if !limiter.allow() {
			s.sendError(conn.ID(), "", "rate limit exceeded")
			continue
		}

		frame, err := protocol.Decode(raw)
		if err != nil {
			s.sendError(conn.ID(), "", "malformed frame")
			continue
		}
		s.dispatch(conn, frame)
	}
}

// writePump drains the connection's outbound queue onto the socket. When
// the hub closes the queue it sends a close message carrying the
// disconnect reason.
func (s *Server) writePump(conn *hub.Conn, ws *websocket.Conn) {
	for frame := range conn.Send() {
		data, err := frame.Encode()
		if err != nil {
			s.log.Error("frame encode failed", "conn_id", conn.ID(), "err", err)
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = s.hub.Disconnect(conn.ID(), hub.ReasonClientClosed)
			_ = ws.Close()
			// Keep draining so the hub-side close completes; frames for a
			// dead socket are discarded.
			for range conn.Send() {
			}
			return
		}
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode(conn.Reason()), string(conn.Reason())))
	_ = ws.Close()
}

func closeCode(reason hub.DisconnectReason) int {
	switch reason {
	case hub.ReasonShutdown:
		return websocket.CloseGoingAway
	case hub.ReasonBufferOverflow:
		return websocket.CloseTryAgainLater
	case hub.ReasonPingTimeout, hub.ReasonPolicyRevoked:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

// dispatch routes one inbound frame.
func (s *Server) dispatch(conn *hub.Conn, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypePing:
		_ = s.hub.SendTo(conn.ID(), &protocol.Frame{Type: protocol.TypePong, ID: frame.ID})

	case protocol.TypeSubscribe:
		channel := frame.Channel
		var p protocol.SubscribePayload
		if len(frame.Payload) > 0 && json.Unmarshal(frame.Payload, &p) == nil && p.Channel != "" {
			channel = p.Channel
		}
		if channel == "" {
			s.sendError(conn.ID(), frame.ID, "subscribe requires a channel")
			return
		}
		subID, err := s.hub.Subscribe(conn.ID(), channel)
		if err != nil {
			s.sendError(conn.ID(), frame.ID, err.Error())
			return
		}
		s.respond(conn.ID(), frame.ID, protocol.SubscribedPayload{SubscriptionID: subID, Channel: channel})

	case protocol.TypeUnsubscribe:
		var p protocol.UnsubscribePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.SubscriptionID == "" {
			s.sendError(conn.ID(), frame.ID, "unsubscribe requires a subscription_id")
			return
		}
		if err := s.hub.Unsubscribe(conn.ID(), p.SubscriptionID); err != nil {
			s.sendError(conn.ID(), frame.ID, err.Error())
			return
		}
		s.respond(conn.ID(), frame.ID, nil)

	case protocol.TypePublish:
		if frame.Channel == "" || frame.Event == "" {
			s.sendError(conn.ID(), "", "publish requires channel and event")
			return
		}
		if _, err := s.hub.Publish(frame.Channel, frame.Event, frame.Payload, conn.ID()); err != nil {
			s.sendError(conn.ID(), "", err.Error())
		}

	case protocol.TypeRequest:
		fn, ok := s.requestHandler(frame.Event)
		if !ok {
			s.sendError(conn.ID(), frame.ID, "unknown request: "+frame.Event)
			return
		}
		// Handlers run off the read pump so a slow handler cannot stall
		// inbound frames or the liveness heartbeat.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, err := fn(conn.Session(), conn.ID(), frame.Payload)
			if err != nil {
				s.sendError(conn.ID(), frame.ID, err.Error())
				return
			}
			s.respond(conn.ID(), frame.ID, result)
		}()

	default:
		s.sendError(conn.ID(), frame.ID, "unsupported frame type: "+string(frame.Type))
	}
}

func (s *Server) respond(connID, id string, payload any) {
	frame, err := protocol.NewFrame(protocol.TypeResponse, payload)
	if err != nil {
		s.sendError(connID, id, "response encoding failed")
		return
	}
	frame.ID = id
	_ = s.hub.SendTo(connID, frame)
}

func (s *Server) sendError(connID, id, reason string) {
	_ = s.hub.SendTo(connID, protocol.NewError(id, reason))
}

// Shutdown waits for all pump goroutines to finish after the hub has been
// shut down, or gives up when the timeout elapses.
func (s *Server) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all connection pumps stopped")
		return nil
	case <-time.After(timeout):
		s.log.Warn("shutdown timeout reached, some pumps may still be running")
		return context.DeadlineExceeded
	}
}
