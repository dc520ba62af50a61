// Package app assembles the bastion components on top of a core.Engine and
// registers their reload hooks and background modules.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/1sec-project/bastion/internal/breaker"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/emergency"
	"github.com/1sec-project/bastion/internal/modules/fraud"
	"github.com/1sec-project/bastion/internal/modules/monitor"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/sanitizer"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/modules/txguard"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/1sec-project/bastion/internal/pipeline"
	"github.com/rs/zerolog"
)

// Breaker names for the protected dependencies.
const (
	BreakerScamList = "scam_list"
	BreakerHistory  = "transaction_history"
)

const minHistoryRetention = 24 * time.Hour

// historyRetentionFor keeps history for at least the velocity window.
func historyRetentionFor(window time.Duration) time.Duration {
	if window > minHistoryRetention {
		return window
	}
	return minHistoryRetention
}

// Options tunes Build.
type Options struct {
	ConfigPath string
	// Watch registers the config file watcher as a module.
	Watch bool
	// Logs is exposed by the operator API when set.
	Logs *core.LogBuffer
	// Users backs the login guard. Defaults to an empty history store.
	Users pipeline.UserHistoryProvider
}

// App holds every wired component.
type App struct {
	Engine *core.Engine
	Logger zerolog.Logger
	Logs   *core.LogBuffer

	Notifier  notify.Sink
	Shoutrrr  *notify.ShoutrrrSink
	Breakers  *breaker.Registry
	Sanitizer *sanitizer.Sanitizer
	Analyzer  *threat.Analyzer

	Store      quarantine.Store
	Quarantine *quarantine.Service

	History      *txguard.MemoryHistory
	Transactions *txguard.Validator
	ScamList     *txguard.StaticScamList
	Crypto       *txguard.CryptoValidator

	Fraud     *fraud.Dispatcher
	Activity  *monitor.ActivityLog
	Monitor   *monitor.Monitor
	Emergency *emergency.Responder
	Pipeline  *pipeline.Pipeline
	Users     pipeline.UserHistoryProvider
	Watcher   *core.Watcher

	closers []io.Closer
}

// Build wires the components for cfg. The event bus is connected when
// enabled. Call Close when done.
func Build(cfg *core.Config, logger zerolog.Logger, opts Options) (*App, error) {
	e := core.NewEngine(cfg, opts.ConfigPath, logger)
	if err := e.ConnectBus(); err != nil {
		e.Shutdown()
		return nil, err
	}

	a := &App{Engine: e, Logger: logger, Logs: opts.Logs, Users: opts.Users}
	if a.Users == nil {
		a.Users = pipeline.MemoryUserHistory{}
	}
	if err := a.build(cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	a.registerReloadHooks()
	return a, nil
}

func (a *App) build(cfg *core.Config, opts Options) error {
	e, logger := a.Engine, a.Logger

	a.Shoutrrr = notify.NewShoutrrrSink(cfg.Notifications, logger)
	sinks := []notify.Sink{notify.NewLogSink(logger), a.Shoutrrr}
	if e.Bus != nil {
		sinks = append(sinks, notify.NewBusSink(e.Bus, logger))
	}
	a.Notifier = notify.Fanout(sinks...)

	a.Breakers = breaker.NewRegistry(cfg.Breakers, e.Metrics, logger)
	a.Sanitizer = sanitizer.New(cfg.Sanitizer)

	rs, err := loadRuleset(cfg.Threat.RulesFile)
	if err != nil {
		return err
	}
	a.Analyzer = threat.NewAnalyzer(rs, cfg.Threat.Thresholds, logger)

	store, err := openStore(cfg.Quarantine)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, store)
	a.Quarantine = quarantine.NewService(quarantine.Options{
		Store:    store,
		Notifier: a.Notifier,
		Audit:    e.Audit,
		Bus:      e.Bus,
		Metrics:  e.Metrics,
		Logger:   logger,
		Config:   cfg.Quarantine,
	})

	a.History = txguard.NewMemoryHistory(historyRetentionFor(cfg.Transactions.VelocityWindow))
	a.Transactions, err = txguard.NewValidator(cfg.Transactions,
		txguard.NewGuardedHistory(a.History, a.Breakers.Get(BreakerHistory)), logger)
	if err != nil {
		return err
	}

	a.ScamList = txguard.NewStaticScamList(cfg.Crypto.ScamAddresses)
	scams := txguard.ScamLists{a.ScamList}
	if cfg.Crypto.RedisURL != "" {
		redisList, err := txguard.NewRedisScamListFromURL(cfg.Crypto.RedisURL, cfg.Crypto.RedisKey)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, redisList)
		scams = append(scams, txguard.NewGuardedScamList(redisList, a.Breakers.Get(BreakerScamList)))
	}
	a.Crypto = txguard.NewCryptoValidator(cfg.Crypto, scams, logger)

	a.Fraud = fraud.NewDispatcher(fraud.Options{
		Notifier:   a.Notifier,
		Regulators: a.Notifier,
		Pipeline:   e.Pipeline,
		Bus:        e.Bus,
		Audit:      e.Audit,
		Metrics:    e.Metrics,
		Logger:     logger,
	})

	a.Activity = monitor.NewActivityLog(cfg.Monitor.ActivityBuffer)
	a.Monitor = monitor.New(monitor.Options{
		Source:   a.Activity,
		Analyzer: a.Analyzer,
		Alerts:   a.Fraud,
		Metrics:  e.Metrics,
		Logger:   logger,
		Config:   cfg.Monitor,
	})

	a.Emergency = emergency.NewResponder(emergency.Options{
		Store:             store,
		Regulators:        a.Notifier,
		Audit:             e.Audit,
		Bus:               e.Bus,
		Metrics:           e.Metrics,
		Logger:            logger,
		ReportableReasons: cfg.Emergency.ReportableReasons,
	})

	a.Pipeline = pipeline.New(pipeline.Options{
		Sanitizer:  a.Sanitizer,
		Analyzer:   a.Analyzer,
		Quarantine: a.Quarantine,
		Activity:   a.Activity,
		Audit:      e.Audit,
		Metrics:    e.Metrics,
		Logger:     logger,
	})

	modules := []core.Module{a.Quarantine}
	if cfg.Monitor.Enabled {
		modules = append(modules, a.Monitor)
	}
	if opts.Watch {
		a.Watcher = core.NewWatcher(e, logger)
		modules = append(modules, a.Watcher)
	}
	for _, mod := range modules {
		if err := e.Registry.Register(mod); err != nil {
			return err
		}
	}
	return nil
}

func loadRuleset(path string) (*threat.Ruleset, error) {
	if path == "" {
		return threat.DefaultRuleset(), nil
	}
	rs, err := threat.LoadRulesetFile(path)
	if err != nil {
		return nil, core.NewError(core.KindConfig, "app.rules", "loading "+path, err)
	}
	return rs, nil
}

func openStore(cfg core.QuarantineConfig) (quarantine.Store, error) {
	if cfg.Backend == "sqlite" {
		s, err := quarantine.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return quarantine.NewMemoryStore(), nil
}

// Guards returns the transaction and login guard middleware.
func (a *App) Guards() (fiat, crypto, login func(http.Handler) http.Handler) {
	opts := pipeline.GuardOptions{Alerts: a.Fraud, Metrics: a.Engine.Metrics, Logger: a.Logger}
	fiat = pipeline.TransactionGuard(a.Transactions, a.History, opts)
	crypto = pipeline.CryptoPayoutGuard(a.Crypto, opts)
	login = pipeline.LoginGuard(a.Users, func() core.MFAConfig { return a.Engine.Config().MFA }, opts)
	return fiat, crypto, login
}

// Run starts the modules and blocks until ctx or the engine is done,
// then closes the app.
func (a *App) Run(ctx context.Context) error {
	if err := a.Engine.Start(); err != nil {
		a.Close()
		return err
	}
	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("shutdown requested")
	case <-a.Engine.Context().Done():
	}
	return a.Close()
}

// Close stops modules, drains quarantine writes and notifications, then
// closes stores and the engine's bus and audit log.
func (a *App) Close() error {
	a.Engine.Registry.StopAll()
	if a.Quarantine != nil {
		a.Quarantine.Close()
	}
	if a.Shoutrrr != nil {
		a.Shoutrrr.Wait()
	}
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Engine.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ─── Reload hooks ────────────────────────────────────────────────────────────

func (a *App) registerReloadHooks() {
	e := a.Engine
	var pendingRules *threat.Ruleset

	e.OnReload(core.ReloadHook{
		Name: "threat",
		Check: func(next *core.Config) error {
			pendingRules = nil
			if next.Threat.RulesFile == "" {
				return nil
			}
			rs, err := loadRuleset(next.Threat.RulesFile)
			if err != nil {
				return err
			}
			pendingRules = rs
			return nil
		},
		Apply: func(old, next *core.Config) []string {
			var changes []string
			if old.Threat.Thresholds != next.Threat.Thresholds {
				a.Analyzer.SetThresholds(next.Threat.Thresholds)
				changes = append(changes, "threat.thresholds reloaded")
			}
			switch {
			case pendingRules != nil:
				a.Analyzer.SetRuleset(pendingRules)
				changes = append(changes, fmt.Sprintf("threat.rules → %s (%d patterns)", pendingRules.Version, pendingRules.PatternCount()))
			case old.Threat.RulesFile != "":
				rs := threat.DefaultRuleset()
				a.Analyzer.SetRuleset(rs)
				changes = append(changes, "threat.rules → embedded "+rs.Version)
			}
			return changes
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "sanitizer",
		Apply: func(old, next *core.Config) []string {
			if old.Sanitizer == next.Sanitizer {
				return nil
			}
			a.Sanitizer.SetLimits(next.Sanitizer)
			return []string{fmt.Sprintf("sanitizer limits → length %d, depth %d", next.Sanitizer.MaxStringLength, next.Sanitizer.MaxObjectDepth)}
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "transactions",
		Check: func(next *core.Config) error {
			_, err := txguard.NewValidator(next.Transactions, nil, zerolog.Nop())
			return err
		},
		Apply: func(old, next *core.Config) []string {
			if reflect.DeepEqual(old.Transactions, next.Transactions) {
				return nil
			}
			if err := a.Transactions.SetLimits(next.Transactions); err != nil {
				a.Logger.Error().Err(err).Msg("transaction limits not applied")
				return nil
			}
			changes := []string{"transactions limits reloaded"}
			if keep := historyRetentionFor(next.Transactions.VelocityWindow); keep != a.History.MaxAge() {
				a.History.SetMaxAge(keep)
				changes = append(changes, fmt.Sprintf("transaction history retention → %s", keep))
			}
			return changes
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "crypto",
		Apply: func(old, next *core.Config) []string {
			var changes []string
			if !reflect.DeepEqual(old.Crypto.Bounds, next.Crypto.Bounds) {
				a.Crypto.SetBounds(next.Crypto.Bounds)
				changes = append(changes, "crypto.bounds reloaded")
			}
			if !reflect.DeepEqual(old.Crypto.ScamAddresses, next.Crypto.ScamAddresses) {
				a.ScamList.Replace(next.Crypto.ScamAddresses)
				changes = append(changes, fmt.Sprintf("crypto.scam_addresses → %d addresses", len(next.Crypto.ScamAddresses)))
			}
			if old.Crypto.RedisURL != next.Crypto.RedisURL || old.Crypto.RedisKey != next.Crypto.RedisKey {
				changes = append(changes, "crypto redis settings changed (restart required)")
				next.Crypto.RedisURL = old.Crypto.RedisURL
				next.Crypto.RedisKey = old.Crypto.RedisKey
			}
			return changes
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "breakers",
		Apply: func(_, next *core.Config) []string {
			return a.Breakers.Reconfigure(next.Breakers)
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "monitor",
		Apply: func(old, next *core.Config) []string {
			var changes []string
			if old.Monitor.Interval != next.Monitor.Interval {
				a.Monitor.SetInterval(next.Monitor.Interval)
				changes = append(changes, "monitor.interval → "+next.Monitor.Interval.String())
			}
			if old.Monitor.Window != next.Monitor.Window {
				a.Monitor.SetWindow(next.Monitor.Window)
				changes = append(changes, "monitor.window → "+next.Monitor.Window.String())
			}
			if old.Monitor.Enabled != next.Monitor.Enabled || old.Monitor.ActivityBuffer != next.Monitor.ActivityBuffer {
				changes = append(changes, "monitor enable/buffer changed (restart required)")
				next.Monitor.Enabled = old.Monitor.Enabled
				next.Monitor.ActivityBuffer = old.Monitor.ActivityBuffer
			}
			return changes
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "notifications",
		Apply: func(old, next *core.Config) []string {
			if reflect.DeepEqual(old.Notifications, next.Notifications) {
				return nil
			}
			a.Shoutrrr.SetURLs(next.Notifications)
			return []string{fmt.Sprintf("notifications → %d security team, %d regulator URLs",
				len(next.Notifications.SecurityTeam), len(next.Notifications.Regulators))}
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "quarantine",
		Apply: func(old, next *core.Config) []string {
			var changes []string
			if old.Quarantine.Retention != next.Quarantine.Retention {
				a.Quarantine.SetRetention(next.Quarantine.Retention)
				changes = append(changes, "quarantine.retention → "+next.Quarantine.Retention.String())
			}
			if old.Quarantine.SweepInterval != next.Quarantine.SweepInterval {
				a.Quarantine.SetSweepInterval(next.Quarantine.SweepInterval)
				changes = append(changes, "quarantine.sweep_interval → "+next.Quarantine.SweepInterval.String())
			}
			if old.Quarantine.Backend != next.Quarantine.Backend || old.Quarantine.SQLitePath != next.Quarantine.SQLitePath ||
				old.Quarantine.WriteBuffer != next.Quarantine.WriteBuffer {
				changes = append(changes, "quarantine storage changed (restart required)")
				next.Quarantine.Backend = old.Quarantine.Backend
				next.Quarantine.SQLitePath = old.Quarantine.SQLitePath
				next.Quarantine.WriteBuffer = old.Quarantine.WriteBuffer
			}
			return changes
		},
	})

	e.OnReload(core.ReloadHook{
		Name: "emergency",
		Apply: func(old, next *core.Config) []string {
			var changes []string
			if !reflect.DeepEqual(old.Emergency, next.Emergency) {
				a.Emergency.SetReportableReasons(next.Emergency.ReportableReasons)
				changes = append(changes, "emergency.reportable_reasons reloaded")
			}
			if !reflect.DeepEqual(old.MFA, next.MFA) {
				changes = append(changes, "mfa settings reloaded")
			}
			return changes
		},
	})
}
