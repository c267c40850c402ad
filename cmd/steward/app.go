package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/brain"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	otelPkg "github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/policy"
	"github.com/basket/steward/internal/telemetry"
)

// app holds what every steward process shares: config, logging, the queue
// and the intake surface escalations are written through.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *persistence.Store
	bus     *bus.Bus
	otel    *otelPkg.Provider
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	intake  *intake.Normalizer

	closers []io.Closer
}

// startupError carries the reason code fatalStartup reports.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// openApp loads config, starts audit and logging, and opens the queue.
// process names the role in log lines.
func openApp(ctx context.Context, process string, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, &startupError{"E_CONFIG_LOAD", err}
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, &startupError{"E_AUDIT_INIT", err}
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, process, quiet)
	if err != nil {
		_ = audit.Close()
		return nil, &startupError{"E_LOGGER_INIT", err}
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{closer}}
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.WithProcess(process))
	if err != nil {
		a.Close()
		return nil, &startupError{"E_OTEL_INIT", err}
	}
	a.otel = provider
	a.tracer = provider.Tracer
	if a.metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
		a.Close()
		return nil, &startupError{"E_OTEL_INIT", err}
	}

	a.bus = bus.New()
	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		a.Close()
		return nil, &startupError{"E_STORE_OPEN", err}
	}
	a.store = store
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "queue_opened", "db_path", cfg.DBPath)

	a.intake = intake.New(store, intake.RulesFromConfig(cfg.Intake),
		intake.WithBus(a.bus),
		intake.WithMetrics(a.metrics),
		intake.WithLogger(logger),
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otel.Shutdown(shutdownCtx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	_ = audit.Close()
}

// capability builds the AI capability from config. With no provider the
// offline capability proposes review-manually plans; a provider that cannot
// be initialized fails every call so the orchestrator escalates it.
func (a *app) capability(ctx context.Context) brain.Capability {
	provider, model, apiKey := a.cfg.ResolveAI()
	var c brain.Capability
	switch provider {
	case "offline":
		a.logger.Warn("no AI provider configured; using offline plans")
		c = brain.Offline{}
		model = "offline"
	default:
		baseURL := a.cfg.AI.BaseURL
		if p, ok := a.cfg.Providers[provider]; ok && p.BaseURL != "" {
			baseURL = p.BaseURL
		}
		gc, err := brain.NewGenkitCapability(ctx, brain.GenkitConfig{
			Provider: provider,
			Model:    model,
			APIKey:   apiKey,
			BaseURL:  baseURL,
		})
		if err != nil {
			a.logger.Error("AI capability unavailable", "provider", provider, "error", err)
			initErr := brain.Normalize(err)
			c = brain.CapabilityFunc(func(context.Context, string, []brain.Turn) (string, error) {
				return "", initErr
			})
		} else {
			c = gc
			model = gc.ModelName()
		}
	}
	return brain.Traced(brain.WithTimeout(c, a.cfg.AI.Timeout()), a.tracer, a.metrics, model)
}

// loadPolicy builds the risk gate: the risk section of config.yaml overlaid
// with policy.yaml when present.
func (a *app) loadPolicy() (*policy.LivePolicy, policy.Policy, error) {
	base := policy.FromConfig(a.cfg.Risk)
	path := config.PolicyPath(a.cfg.HomeDir)
	overlay, err := policy.Load(path)
	if err != nil {
		return nil, base, fmt.Errorf("load %s: %w", path, err)
	}
	lp := policy.NewLivePolicy(base.Merge(overlay), path)
	a.logger.Info("startup phase", "phase", "policy_loaded", "policy_version", lp.PolicyVersion())
	return lp, base, nil
}
