// Agent session gateway: speaks the chat WebSocket protocol on one side and
// drives agent engine processes on the other.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/agent-gateway/internal/config"
	"github.com/workspace/agent-gateway/internal/logging"
	"github.com/workspace/agent-gateway/internal/server"
)

func main() {
	logging.Setup()
	slog.Info("Starting agent gateway")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded",
		"host", cfg.Host,
		"port", cfg.Port,
		"engine", cfg.EngineCommand,
		"authDisabled", cfg.AuthDisabled,
	)

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Graceful shutdown: wind down live agent turns before the listener.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Agent gateway stopped")
}
