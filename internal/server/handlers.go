// Package server exposes the plain HTTP handlers that sit next to the
// WebSocket endpoint: health check and operational stats.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// HealthHandler provides a simple health check endpoint that returns
// server status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Beacon hub is running!")
}

// StatsHandler reports current connection, channel, and room counts as
// JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	conns, channels := s.hub.Stats()
	rooms := 0
	if s.rooms != nil {
		rooms = s.rooms.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]int{
		"connections": conns,
		"channels":    channels,
		"rooms":       rooms,
	})
	if err != nil {
		slog.Error("stats encoding failed", "err", err)
	}
}
