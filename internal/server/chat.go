// Package server wires the chat room registry into the request surface:
// room.join / room.leave mutate membership and publish the resulting
// presence transition on the room's channel.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/hub"
	"github.com/beacon-rt/beacon/internal/room"
	"github.com/beacon-rt/beacon/protocol"
)

var errRoomRequired = errors.New("room name is required")

// PresenceEvent is the event name presence transitions are published under.
const PresenceEvent = "chat.presence"

// ChatService implements the room-scoped request handlers. The registry
// reports membership state; the service publishes the presence events
// through the hub's trusted publish entry point.
type ChatService struct {
	hub   *hub.Hub
	rooms *room.Registry
	log   *slog.Logger
}

// NewChatService creates the service around a hub and a room registry.
func NewChatService(h *hub.Hub, rooms *room.Registry) *ChatService {
	return &ChatService{
		hub:   h,
		rooms: rooms,
		log:   slog.Default().With("component", "chat"),
	}
}

// Attach registers the room.* request handlers on the server.
func (cs *ChatService) Attach(s *Server) {
	s.HandleRequest("room.join", cs.join)
	s.HandleRequest("room.leave", cs.leave)
	s.HandleRequest("room.members", cs.members)
}

func parseRoom(payload json.RawMessage) (string, error) {
	var p protocol.RoomPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Room == "" {
		return "", errRoomRequired
	}
	return p.Room, nil
}

func (cs *ChatService) join(sess auth.Session, _ string, payload json.RawMessage) (any, error) {
	name, err := parseRoom(payload)
	if err != nil {
		return nil, err
	}

	channel, count := cs.rooms.Join(sess.UserID, name)
	cs.publishPresence(channel, sess.UserID, "joined", count)
	cs.log.Info("room joined", "room", name, "user", sess.UserID, "members", count)
	return protocol.RoomStatePayload{Channel: channel, MemberCount: count}, nil
}

func (cs *ChatService) leave(sess auth.Session, _ string, payload json.RawMessage) (any, error) {
	name, err := parseRoom(payload)
	if err != nil {
		return nil, err
	}

	channel, count := cs.rooms.Leave(sess.UserID, name)
	cs.publishPresence(channel, sess.UserID, "left", count)
	cs.log.Info("room left", "room", name, "user", sess.UserID, "members", count)
	return protocol.RoomStatePayload{Channel: channel, MemberCount: count}, nil
}

func (cs *ChatService) members(_ auth.Session, _ string, payload json.RawMessage) (any, error) {
	name, err := parseRoom(payload)
	if err != nil {
		return nil, err
	}
	return protocol.RoomMembersPayload{Members: cs.rooms.Members(name)}, nil
}

// publishPresence is a trusted server-internal publish; it bypasses the
// publish-side policy check.
func (cs *ChatService) publishPresence(channel, userID, action string, count int) {
	_, err := cs.hub.Publish(channel, PresenceEvent, protocol.PresencePayload{
		UserID:      userID,
		Action:      action,
		MemberCount: count,
	}, "")
	if err != nil {
		cs.log.Error("presence publish failed", "channel", channel, "err", err)
	}
}
