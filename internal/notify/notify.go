// Package notify delivers security alerts and regulatory reports to
// operators. All sinks are fire-and-forget: delivery failures are logged,
// never returned to the caller that raised the alert.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/containrrr/shoutrrr"
	"github.com/rs/zerolog"
)

// SecurityNotifier receives alerts for the security team.
type SecurityNotifier interface {
	NotifySecurityTeam(ctx context.Context, alert *core.Alert)
}

// RegulatorNotifier receives regulatory reports.
type RegulatorNotifier interface {
	NotifyRegulators(ctx context.Context, report *Report)
}

// Sink delivers to both audiences.
type Sink interface {
	SecurityNotifier
	RegulatorNotifier
}

// Report is a regulatory notification, such as emergency purge results.
type Report struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Title     string                 `json:"title"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ─── Fanout ──────────────────────────────────────────────────────────────────

type fanout []Sink

// Fanout delivers to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) NotifySecurityTeam(ctx context.Context, alert *core.Alert) {
	for _, s := range f {
		s.NotifySecurityTeam(ctx, alert)
	}
}

func (f fanout) NotifyRegulators(ctx context.Context, report *Report) {
	for _, s := range f {
		s.NotifyRegulators(ctx, report)
	}
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

func (s *LogSink) NotifySecurityTeam(_ context.Context, alert *core.Alert) {
	s.logger.Warn().
		Str("alert_id", alert.ID).
		Str("module", alert.Module).
		Str("type", alert.Type).
		Str("severity", alert.Severity.String()).
		Str("title", alert.Title).
		Msg("security team notified")
}

func (s *LogSink) NotifyRegulators(_ context.Context, report *Report) {
	s.logger.Warn().
		Str("report_id", report.ID).
		Str("title", report.Title).
		Msg("regulators notified")
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

// BusSink publishes alerts and reports to the event bus.
type BusSink struct {
	bus    *core.EventBus
	logger zerolog.Logger
}

func NewBusSink(bus *core.EventBus, logger zerolog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger.With().Str("component", "notify_bus").Logger()}
}

func (s *BusSink) NotifySecurityTeam(_ context.Context, alert *core.Alert) {
	if err := s.bus.PublishAlert(alert); err != nil {
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish alert")
	}
}

func (s *BusSink) NotifyRegulators(_ context.Context, report *Report) {
	event := core.NewSecurityEvent("emergency", "regulatory_report", core.SeverityCritical, report.Title)
	event.Details["report_id"] = report.ID
	event.Details["summary"] = report.Summary
	for k, v := range report.Details {
		event.Details[k] = v
	}
	if err := s.bus.PublishEvent(event); err != nil {
		s.logger.Error().Err(err).Str("report_id", report.ID).Msg("failed to publish regulatory report")
	}
}

// ─── Shoutrrr ────────────────────────────────────────────────────────────────

// SendFunc delivers one message to one shoutrrr URL.
type SendFunc func(url, message string) error

type audienceURLs struct {
	security   []string
	regulators []string
}

// ShoutrrrSink sends notifications through shoutrrr service URLs (Slack,
// Teams, email, PagerDuty, generic webhooks...). URLs are hot-swappable.
type ShoutrrrSink struct {
	urls   atomic.Pointer[audienceURLs]
	send   SendFunc
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewShoutrrrSink creates a sink delivering through shoutrrr.Send.
func NewShoutrrrSink(cfg core.NotificationConfig, logger zerolog.Logger) *ShoutrrrSink {
	return NewShoutrrrSinkWithSender(cfg, logger, func(url, message string) error {
		return shoutrrr.Send(url, message)
	})
}

// NewShoutrrrSinkWithSender creates a sink with a custom sender.
func NewShoutrrrSinkWithSender(cfg core.NotificationConfig, logger zerolog.Logger, send SendFunc) *ShoutrrrSink {
	s := &ShoutrrrSink{
		send:   send,
		logger: logger.With().Str("component", "notify_shoutrrr").Logger(),
	}
	s.SetURLs(cfg)
	return s
}

// SetURLs replaces both audiences' URLs.
func (s *ShoutrrrSink) SetURLs(cfg core.NotificationConfig) {
	s.urls.Store(&audienceURLs{
		security:   append([]string(nil), cfg.SecurityTeam...),
		regulators: append([]string(nil), cfg.Regulators...),
	})
}

func (s *ShoutrrrSink) NotifySecurityTeam(_ context.Context, alert *core.Alert) {
	s.dispatch(s.urls.Load().security, FormatAlert(alert), "alert_id", alert.ID)
}

func (s *ShoutrrrSink) NotifyRegulators(_ context.Context, report *Report) {
	s.dispatch(s.urls.Load().regulators, FormatReport(report), "report_id", report.ID)
}

// Wait blocks until in-flight deliveries finish.
func (s *ShoutrrrSink) Wait() {
	s.wg.Wait()
}

func (s *ShoutrrrSink) dispatch(urls []string, message, idKey, id string) {
	for _, url := range urls {
		s.wg.Add(1)
		go func(url string) {
			defer s.wg.Done()
			if err := s.send(url, message); err != nil {
				s.logger.Error().Err(err).Str(idKey, id).Str("service", serviceOf(url)).Msg("notification delivery failed")
			}
		}(url)
	}
}

// serviceOf returns the URL scheme so credentials embedded in shoutrrr URLs
// never reach the logs.
func serviceOf(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}

// FormatAlert renders an alert as a chat-friendly message.
func FormatAlert(alert *core.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n\n%s", alert.Severity.String(), alert.Title, alert.Description)
	if len(alert.Mitigations) > 0 {
		b.WriteString("\n\nRecommended actions:")
		for _, m := range alert.Mitigations {
			b.WriteString("\n- " + m)
		}
	}
	fmt.Fprintf(&b, "\n\nmodule=%s type=%s id=%s", alert.Module, alert.Type, alert.ID)
	return b.String()
}

// FormatReport renders a regulatory report.
func FormatReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[REGULATORY] %s\n\n%s", report.Title, report.Summary)
	keys := make([]string, 0, len(report.Details))
	for k := range report.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, report.Details[k])
	}
	fmt.Fprintf(&b, "\n\nreport=%s at %s", report.ID, report.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
