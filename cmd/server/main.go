// Package main is the entry point for the token issuer.
//
// MAIN PACKAGE IN GO:
// The main package should be kept minimal. Its job is to:
// 1. Read configuration (environment variables, see internal/config)
// 2. Create the logger
// 3. Build and start the server
//
// All actual logic lives in imported packages (internal/server, internal/service, etc.).
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points.
// This project has two: cmd/server (the issuer) and cmd/idpctl (operator tool).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/sakif/synaps-idp/internal/config"
	"github.com/sakif/synaps-idp/internal/server"
)

func main() {
	// === 1. BOOTSTRAP LOGGER ===
	// Used only until the configuration says which level and format to use.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// === 2. READ CONFIGURATION ===
	// A missing signing secret or database setting is fatal: the issuer must
	// not serve a single request with a half-configured pipeline.
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 3. CONFIGURED LOGGER ===
	// Config implements slog.LogValuer, so the secret and the database
	// password come out as [REDACTED].
	logger = cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.Any("config", cfg))

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(context.Background(), *cfg, logger)
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
