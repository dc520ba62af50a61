// Package monitor runs the periodic security sweep: it re-analyzes a window
// of recent activity and raises one critical alert when anything in the
// window is CRITICAL.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/fraud"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/rs/zerolog"
)

const (
	ModuleName = "security_monitor"
	// AlertType is the fraud alert type raised by a sweep.
	AlertType = "security_sweep_critical"
)

// RecommendedActions accompany every sweep alert.
var RecommendedActions = []string{
	"Review every flagged request in the sweep window",
	"Block the originating IP addresses at the edge",
	"Force credential rotation for the affected users",
	"Open an incident with the security team",
}

// AlertDispatcher raises fraud alerts.
type AlertDispatcher interface {
	TriggerAlert(ctx context.Context, data fraud.AlertData) *fraud.AlertRecord
}

// CriticalHit is one CRITICAL verdict found in a sweep.
type CriticalHit struct {
	ActivityID string              `json:"activity_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Context    core.RequestContext `json:"context"`
	Score      float64             `json:"threat_score"`
	Categories []string            `json:"categories"`
	Patterns   []string            `json:"patterns"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Since     time.Time     `json:"since"`
	Scanned   int           `json:"scanned"`
	Critical  []CriticalHit `json:"critical"`
	AlertID   string        `json:"alert_id,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Options wires a Monitor. Source and Analyzer are required.
type Options struct {
	Source   ActivitySource
	Analyzer *threat.Analyzer
	Alerts   AlertDispatcher
	Metrics  *core.Metrics
	Logger   zerolog.Logger
	Config   core.MonitorConfig
}

// Monitor is the background sweep module.
type Monitor struct {
	source   ActivitySource
	analyzer *threat.Analyzer
	alerts   AlertDispatcher
	metrics  *core.Metrics
	logger   zerolog.Logger

	interval atomic.Int64
	window   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(opts Options) *Monitor {
	m := &Monitor{
		source:   opts.Source,
		analyzer: opts.Analyzer,
		alerts:   opts.Alerts,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", ModuleName).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	m.SetInterval(opts.Config.Interval)
	m.SetWindow(opts.Config.Window)
	return m
}

// SetInterval changes the sweep interval; the loop picks it up after its
// next tick.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Minute
	}
	m.interval.Store(int64(d))
}

// SetWindow changes how far back each sweep looks.
func (m *Monitor) SetWindow(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Minute
	}
	m.window.Store(int64(d))
}

func (m *Monitor) Interval() time.Duration { return time.Duration(m.interval.Load()) }
func (m *Monitor) Window() time.Duration   { return time.Duration(m.window.Load()) }

// Sweep pulls the window snapshot, re-analyzes every item and raises a
// single critical alert bundling all CRITICAL hits.
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	start := m.now()
	report := &SweepReport{
		StartedAt: start,
		Since:     start.Add(-m.Window()),
		Critical:  make([]CriticalHit, 0),
	}

	items, err := m.source.RecentActivity(ctx, report.Since)
	if err != nil {
		m.logger.Error().Err(err).Msg("activity source unavailable, sweep skipped")
		return nil, core.NewError(core.KindDependencyUnavailable, "monitor.sweep", "reading recent activity", err)
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rc := it.Context
		res := m.analyzer.Analyze(it.Payload, &rc)
		report.Scanned++
		if res.Level != threat.LevelCritical {
			continue
		}
		hit := CriticalHit{
			ActivityID: it.ID,
			Timestamp:  it.Timestamp,
			Context:    it.Context,
			Score:      res.Score,
			Categories: res.Categories(),
		}
		for _, f := range res.Findings {
			hit.Patterns = append(hit.Patterns, f.Pattern)
		}
		report.Critical = append(report.Critical, hit)
	}
	report.Duration = time.Since(start)

	if m.metrics != nil {
		m.metrics.MonitorSweeps.Inc()
		m.metrics.MonitorCriticalHits.Add(float64(len(report.Critical)))
	}

	ev := m.logger.Debug()
	if len(report.Critical) > 0 {
		ev = m.logger.Warn()
	}
	ev.Int("scanned", report.Scanned).Int("critical", len(report.Critical)).Dur("duration", report.Duration).Msg("security sweep complete")

	if len(report.Critical) > 0 && m.alerts != nil {
		rec := m.alerts.TriggerAlert(ctx, fraud.AlertData{
			Type:     AlertType,
			Severity: fraud.SeverityCritical,
			Description: fmt.Sprintf("Security sweep found %d CRITICAL request(s) in the last %s",
				len(report.Critical), m.Window()),
			Details: map[string]interface{}{
				"window_start":   report.Since,
				"scanned":        report.Scanned,
				"critical_count": len(report.Critical),
				"critical":       report.Critical,
			},
			Recommendations: RecommendedActions,
		})
		report.AlertID = rec.ID
	}
	return report, nil
}

// ─── Module ──────────────────────────────────────────────────────────────────

func (m *Monitor) Name() string { return ModuleName }

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info().Dur("interval", m.Interval()).Dur("window", m.Window()).Msg("security monitor started")
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep.
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.Sweep(ctx)
			if next := m.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
