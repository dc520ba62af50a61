package core

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert is the engine-level notification fanned out to console, bus and
// notification handlers.
type Alert struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Module      string                 `json:"module"`
	Type        string                 `json:"type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	EventIDs    []string               `json:"event_ids,omitempty"`
	Mitigations []string               `json:"mitigations,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert creates an alert derived from a security event.
func NewAlert(event *SecurityEvent, title, description string) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Module:      event.Module,
		Type:        event.Type,
		Severity:    event.Severity,
		Title:       title,
		Description: description,
		EventIDs:    []string{event.ID},
		Metadata:    make(map[string]interface{}),
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertHandler receives every processed alert.
type AlertHandler func(alert *Alert)

// AlertPipeline keeps a bounded history of alerts and fans each one out to
// registered handlers. Handlers run synchronously and must not block.
type AlertPipeline struct {
	logger   zerolog.Logger
	mu       sync.RWMutex
	alerts   []*Alert
	maxStore int
	handlers []AlertHandler
}

// NewAlertPipeline creates a pipeline retaining up to maxStore alerts.
func NewAlertPipeline(logger zerolog.Logger, maxStore int) *AlertPipeline {
	if maxStore <= 0 {
		maxStore = 1000
	}
	return &AlertPipeline{
		logger:   logger.With().Str("component", "alert_pipeline").Logger(),
		alerts:   make([]*Alert, 0, 64),
		maxStore: maxStore,
	}
}

// AddHandler registers a handler.
func (p *AlertPipeline) AddHandler(h AlertHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Process stores the alert and runs every handler. A panicking handler is
// recovered so one bad sink cannot break the others.
func (p *AlertPipeline) Process(alert *Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, alert)
	if len(p.alerts) > p.maxStore {
		p.alerts = p.alerts[len(p.alerts)-p.maxStore:]
	}
	handlers := make([]AlertHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		p.safeHandle(h, alert)
	}
}

func (p *AlertPipeline) safeHandle(h AlertHandler, alert *Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Str("alert_id", alert.ID).Interface("panic", rec).Msg("alert handler panic recovered")
		}
	}()
	h(alert)
}

// Recent returns up to n of the newest alerts, newest first.
func (p *AlertPipeline) Recent(n int) []*Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n <= 0 || n > len(p.alerts) {
		n = len(p.alerts)
	}
	out := make([]*Alert, 0, n)
	for i := len(p.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, p.alerts[i])
	}
	return out
}

// Count returns the number of retained alerts.
func (p *AlertPipeline) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}
