// Package main is the entry point for EdgeGate, an edge request gateway that
// fronts a set of origin services.
//
// EdgeGate terminates client traffic and runs every request through a single
// pipeline:
//   - API key authentication
//   - Distributed rate limiting via Redis (sharded fixed window)
//   - Feature flag lookup with a short-TTL cache
//   - Geo and canary origin routing
//   - Circuit breaking and a Redis-backed GET response cache
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/observability"
	"github.com/edgegate/edgegate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("edgegate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting edgegate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restartFields := newCfg.RequiresRestart(cfg); len(restartFields) > 0 {
			logger.Warn("config changes require a restart to take effect", "fields", restartFields)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		cfg = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch TLS certificate files for rotation (Kubernetes Secret volumes).
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.CertFile != "" {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			srv.ReloadCerts, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("edgegate shut down gracefully")
}
