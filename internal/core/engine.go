package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ReloadHook applies one component's hot-reloadable settings. Check runs
// for every hook before any Apply; a Check error rejects the whole reload.
// Apply returns a line per applied change. old is the running
// configuration.
type ReloadHook struct {
	Name  string
	Check func(next *Config) error
	Apply func(old, next *Config) []string
}

// Engine owns the shared infrastructure every component is built on: the
// live configuration, alert pipeline, event bus, metrics, audit log and the
// background module registry.
type Engine struct {
	Registry   *ModuleRegistry
	Pipeline   *AlertPipeline
	Metrics    *Metrics
	Audit      *AuditLog
	Bus        *EventBus
	Logger     zerolog.Logger
	ConfigPath string

	mu       sync.RWMutex
	cfg      *Config
	hooks    []ReloadHook
	reloadMu sync.Mutex

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewEngine creates an engine around a validated configuration.
func NewEngine(cfg *Config, configPath string, logger zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Registry:   NewModuleRegistry(logger),
		Pipeline:   NewAlertPipeline(logger, 1000),
		Metrics:    NewMetrics(),
		Audit:      NewAuditLog(cfg.Logging, logger),
		Logger:     logger.With().Str("component", "engine").Logger(),
		ConfigPath: configPath,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}

	e.Pipeline.AddHandler(func(alert *Alert) {
		e.Logger.Warn().
			Str("alert_id", alert.ID).
			Str("module", alert.Module).
			Str("severity", alert.Severity.String()).
			Str("title", alert.Title).
			Msg("SECURITY ALERT")
	})
	return e
}

// Config returns the running configuration. Callers must treat it as
// read-only; Reload swaps in a new value.
func (e *Engine) Config() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) setConfig(cfg *Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// OnReload registers a hook. Hooks run in registration order.
func (e *Engine) OnReload(h ReloadHook) {
	e.reloadMu.Lock()
	e.hooks = append(e.hooks, h)
	e.reloadMu.Unlock()
}

// ConnectBus connects the NATS event bus when it is enabled. Components that
// publish must be built after this.
func (e *Engine) ConnectBus() error {
	cfg := e.Config()
	if !cfg.Bus.Enabled {
		return nil
	}
	bus, err := NewEventBus(&cfg.Bus, e.Metrics, e.Logger)
	if err != nil {
		return NewError(KindDependencyUnavailable, "engine.bus", "starting event bus", err)
	}
	e.Bus = bus
	return nil
}

// Start starts every registered module.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting bastion engine")
	if err := e.Registry.StartAll(e.ctx); err != nil {
		return fmt.Errorf("starting modules: %w", err)
	}
	e.startedAt = time.Now()
	e.Logger.Info().Int("modules", e.Registry.Count()).Msg("bastion engine started")
	return nil
}

// Run starts the engine and blocks until a shutdown signal or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	case <-e.ctx.Done():
	}
	return e.Shutdown()
}

// Shutdown stops modules, then closes the bus and audit log.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down bastion engine")
	e.cancel()
	e.Registry.StopAll()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	if err := e.Audit.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing audit log")
	}
	e.Logger.Info().Msg("bastion engine stopped")
	return nil
}

// Context is cancelled on shutdown.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime is zero until Start returns.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}
