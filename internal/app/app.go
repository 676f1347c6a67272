// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the gotts server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"gotts/config"
	"gotts/internal/asset"
	"gotts/internal/cache"
	"gotts/internal/core"
	"gotts/internal/engine"
	"gotts/internal/httpclient"
	"gotts/internal/model"
	"gotts/internal/observability"
	"gotts/internal/server"
	"gotts/internal/synth"
	"gotts/internal/usage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config *config.Config
	store  *cache.DiskStore
	ref    *asset.Reference
	engine core.Engine
	gate   *model.Gate
	synth  *synth.Orchestrator
	usage  *usage.Result
	server *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration produced by config.Load.
	AppConfig *config.LoadResult

	// Engine overrides the backend built from AppConfig. Optional.
	Engine core.Engine
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.AppConfig.Config == nil {
		return nil, fmt.Errorf("app config contains nil Config")
	}
	appCfg := cfg.AppConfig.Config

	maxBytes, err := appCfg.Cache.MaxSizeBytes()
	if err != nil {
		return nil, err
	}

	store, err := cache.NewDiskStore(appCfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio cache: %w", err)
	}

	eng := cfg.Engine
	if eng == nil {
		eng, err = engine.New(buildEngineConfig(appCfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create synthesis engine: %w", err)
		}
	}

	app := &App{
		config: appCfg,
		store:  store,
		ref:    asset.NewReference(appCfg.Model.VoiceRefPath),
		engine: eng,
	}

	// Metrics hooks are left nil when disabled so no series are touched.
	var synthHooks synth.Hooks
	var requestHooks server.RequestHooks
	var onModelChange func(model.Snapshot)
	if appCfg.Metrics.Enabled {
		hooks := observability.NewPrometheusHooks()
		synthHooks = hooks
		requestHooks = hooks
		onModelChange = hooks.ModelState
	}

	app.gate = model.NewGate(model.EngineLoader(app.ref, eng), model.Options{
		Timeout: time.Duration(appCfg.Model.LoadTimeout) * time.Second,
		OnChange: func(s model.Snapshot) {
			logModelState(s)
			if onModelChange != nil {
				onModelChange(s)
			}
		},
	})

	evictor := cache.NewEvictor(store, cache.EvictorConfig{
		MaxBytes:       maxBytes,
		TargetRatio:    appCfg.Cache.TargetRatio,
		ReconcileEvery: appCfg.Cache.ReconcileEvery,
	})

	app.synth = synth.New(synth.Deps{
		Store:   store,
		Evictor: evictor,
		Gate:    app.gate,
		Ref:     app.ref,
		Engine:  eng,
		Hooks:   synthHooks,
	}, synth.Config{
		DefaultLanguage: appCfg.Model.DefaultLanguage,
		DefaultSpeed:    appCfg.Model.DefaultSpeed,
		MaxTextLength:   appCfg.Model.MaxTextLength,
	})

	usageResult, err := usage.New(ctx, appCfg)
	if err != nil {
		if closeErr := eng.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize usage tracking: %w (also: engine close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize usage tracking: %w", err)
	}
	app.usage = usageResult

	app.logStartupInfo(eng.Name(), maxBytes)

	serverCfg := &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		CORSOrigins:     appCfg.Server.CORSOrigins,
		UsageLogger:     usageResult.Logger,
		Hooks:           requestHooks,
		UsageReader:     usageResult.Reader,
		Model:           app.gate,
	}
	app.server = server.New(app.synth, serverCfg)

	if appCfg.Model.Preload {
		app.preload()
	}

	return app, nil
}

// preload starts the model load in the background when the reference voice
// is present. Without it the load would fail and stick until a retry.
func (a *App) preload() {
	if ok, msg := a.ref.Exists(); !ok {
		slog.Warn("skipping model preload", "reason", msg)
		return
	}
	slog.Info("preloading model", "engine", a.engine.Name())
	a.gate.Preload()
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.server
}

// Gate returns the model gate.
func (a *App) Gate() *model.Gate {
	return a.gate
}

// UsageLogger returns the usage logger interface.
func (a *App) UsageLogger() usage.LoggerInterface {
	if a.usage == nil {
		return nil
	}
	return a.usage.Logger
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Usage logger close (flushes pending usage records).
// 3. Engine close.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every close step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Stop accepting new requests
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Flush usage records
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			slog.Error("usage logger close error", "error", err)
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}

	// 3. Release the engine
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			slog.Error("engine close error", "error", err)
			errs = append(errs, fmt.Errorf("engine close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo(engineName string, maxBytes int64) {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: TTS_MASTER_KEY not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set TTS_MASTER_KEY to protect /tts and the admin routes")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	budget := "unlimited"
	if maxBytes > 0 {
		budget = humanize.IBytes(uint64(maxBytes))
	}
	slog.Info("audio cache ready",
		"path", a.store.Dir(),
		"size", humanize.IBytes(uint64(a.store.Usage())),
		"budget", budget,
	)

	refOK, _ := a.ref.Exists()
	slog.Info("synthesis configured",
		"engine", engineName,
		"voice_ref", a.ref.Path(),
		"voice_ref_exists", refOK,
		"default_language", cfg.Model.DefaultLanguage,
		"default_speed", cfg.Model.DefaultSpeed,
	)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Usage.Enabled {
		slog.Info("usage tracking enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	} else {
		slog.Info("usage tracking disabled")
	}
}

func logModelState(s model.Snapshot) {
	switch s.State {
	case model.Ready:
		slog.Info("model ready", "attempts", s.Attempts)
	case model.Failed:
		slog.Error("model failed to load", "reason", s.Reason, "attempts", s.Attempts)
	default:
		slog.Info("model state changed", "state", s.State.String())
	}
}

// buildEngineConfig creates an engine.Config from the application config.
func buildEngineConfig(cfg *config.Config) engine.Config {
	timeout := time.Duration(cfg.Engine.Timeout) * time.Second
	return engine.Config{
		Type:    cfg.Engine.Type,
		Timeout: timeout,
		Command: engine.CommandConfig{
			Path:      cfg.Engine.Command.Path,
			Args:      cfg.Engine.Command.Args,
			ProbeArgs: cfg.Engine.Command.ProbeArgs,
			Model:     cfg.Engine.Command.Model,
			Env:       cfg.Engine.Command.Env,
		},
		HTTP: engine.HTTPConfig{
			BaseURL:    cfg.Engine.HTTP.URL,
			APIKey:     cfg.Engine.HTTP.APIKey,
			Model:      cfg.Engine.HTTP.Model,
			MaxRetries: cfg.Engine.HTTP.MaxRetries,
		},
		Client: httpclient.NewHTTPClient(&httpclient.ClientConfig{
			Timeout:               time.Duration(cfg.HTTP.Timeout) * time.Second,
			ResponseHeaderTimeout: time.Duration(cfg.HTTP.ResponseHeaderTimeout) * time.Second,
		}),
	}
}
