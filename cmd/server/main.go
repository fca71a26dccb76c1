// Package main is the entry point for the identity service.
//
// The main package stays minimal. Its job is to:
//  1. Read configuration from the environment
//  2. Build the logger
//  3. Construct the server and run it until a shutdown signal
//
// All actual logic lives in internal/.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sakif/identity-service/internal/config"
	"github.com/sakif/identity-service/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// Text for local development, JSON for log shippers.
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// === 3. CREATE AND START THE SERVER ===
	// Startup (migrations, Redis ping, role check) gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := server.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel() // validated by config.Load
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
