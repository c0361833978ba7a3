package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/noxrunner/noxrunner/internal/config"
	"github.com/noxrunner/noxrunner/internal/observability"
	"github.com/noxrunner/noxrunner/internal/sandbox"
	"github.com/noxrunner/noxrunner/internal/security"
	"github.com/noxrunner/noxrunner/internal/storage/sqlite"
	"github.com/noxrunner/noxrunner/internal/workspace"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig resolves the config path: explicit flag value, then the
// NOXRUNNER_CONFIG env var, then the default location.
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = goutils.Env("NOXRUNNER_CONFIG", config.DefaultConfigPath())
	}
	return config.Load(path)
}

// buildRegistry wires a registry (and its optional store, metrics, and
// tracer) from configuration. The returned cleanup must be called before
// exit.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sandbox.Registry, func(), error) {
	layout, err := workspace.New(cfg.Sandbox.BaseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("preparing base directory: %w", err)
	}

	opts := sandbox.Options{
		Layout:         layout,
		Validator:      security.NewValidator(cfg.Security.ExtraAllowedCommands, cfg.Security.ExtraDeniedCommands),
		DefaultTTL:     cfg.TTL(),
		WorkspaceName:  cfg.Sandbox.WorkspaceName,
		ExecTimeout:    cfg.ExecTimeout(),
		HardenedEnv:    cfg.Sandbox.HardenedEnv,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Logger:         logger,
	}

	cleanup := func() {}

	if cfg.Storage != nil {
		store, err := sqlite.Open(sqlite.Config{
			Path:        cfg.Storage.Path,
			JournalMode: cfg.Storage.JournalMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening record store: %w", err)
		}
		opts.Store = store
		cleanup = func() { _ = store.Close() }
	}

	if cfg.Observability != nil {
		if cfg.Observability.Metrics {
			opts.Metrics = observability.NewMetricsCollector()
		}
		tracing, err := observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("setting up tracing: %w", err)
		}
		if tracing != nil {
			opts.Tracer = tracing.Tracer()
			prev := cleanup
			cleanup = func() {
				_ = tracing.Shutdown(context.Background())
				prev()
			}
		}
	}

	registry, err := sandbox.NewRegistry(ctx, opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return registry, cleanup, nil
}
