package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beacon-rt/beacon/internal/auth"
	"github.com/beacon-rt/beacon/internal/hub"
	"github.com/beacon-rt/beacon/internal/logger"
	"github.com/beacon-rt/beacon/internal/room"
	"github.com/beacon-rt/beacon/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := server.NewConfigFromEnv()
	logger.Init(cfg.Debug)

	verifier, err := auth.ParseTokenSpec(cfg.AuthTokens)
	if err != nil {
		slog.Error("invalid AUTH_TOKENS", "err", err)
		os.Exit(1)
	}
	if cfg.AuthTokens == "" {
		// Development fallback so a bare `go run` is usable.
		verifier.Add("dev-token", "dev", "publisher")
		slog.Warn("AUTH_TOKENS not set, using development credential dev-token")
	}

	rooms := room.NewRegistry()
	policy := hub.NewRoomPolicy(hub.NewRolePolicy("publisher", hub.AllowAll{}), rooms)

	h := hub.New(verifier, policy, cfg.Hub)
	h.Start()

	s := server.NewServer(cfg, h, rooms)
	server.NewChatService(h, rooms).Attach(s)

	httpServer := server.CreateServer(cfg.Port, s.SetupRoutes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
		return
	case received := <-sig:
		slog.Info("signal received, shutting down", "signal", received.String())
	}

	// Stop accepting new connections, then drain the hub and wait for the
	// pump goroutines before exiting.
	_ = server.ShutdownServer(httpServer, shutdownTimeout)
	h.Shutdown()
	if err := s.Shutdown(shutdownTimeout); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
