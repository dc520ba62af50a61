// Package fraud decides and executes remediation for fraud alerts. It is the
// only place severity is turned into actions; callers supply context only.
package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const ModuleName = "fraud_alerts"

// AlertData is what a caller knows when it raises a fraud alert.
type AlertData struct {
	Type          string                 `json:"type"`
	Severity      Severity               `json:"severity"`
	UserID        string                 `json:"user_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Description   string                 `json:"description"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Context       *core.RequestContext   `json:"context,omitempty"`
	// Recommendations are carried on the alert as mitigations.
	Recommendations []string `json:"recommendations,omitempty"`
}

// AlertRecord is a dispatched alert and what was done about it.
type AlertRecord struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type"`
	Severity      Severity               `json:"severity"`
	UserID        string                 `json:"user_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Description   string                 `json:"description"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Actions       []ActionType           `json:"actions"`
	Results       []ActionResult         `json:"results"`
	AlertID       string                 `json:"alert_id"`
}

// Options wires a Dispatcher. Every field is optional.
type Options struct {
	Notifier   notify.SecurityNotifier
	Regulators notify.RegulatorNotifier
	Pipeline   *core.AlertPipeline
	Bus        *core.EventBus
	Audit      *core.AuditLog
	Metrics    *core.Metrics
	Logger     zerolog.Logger
	MaxRecords int
}

// Dispatcher maps severity to actions, executes them and fans the alert out.
type Dispatcher struct {
	notifier notify.SecurityNotifier
	pipeline *core.AlertPipeline
	bus      *core.EventBus
	audit    *core.AuditLog
	metrics  *core.Metrics
	logger   zerolog.Logger

	mu         sync.RWMutex
	executors  map[ActionType]ActionExecutor
	records    []*AlertRecord
	maxRecords int
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Audit == nil {
		opts.Audit = core.NopAuditLog()
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 1000
	}
	d := &Dispatcher{
		notifier:   opts.Notifier,
		pipeline:   opts.Pipeline,
		bus:        opts.Bus,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", ModuleName).Logger(),
		executors:  make(map[ActionType]ActionExecutor),
		records:    make([]*AlertRecord, 0, 64),
		maxRecords: opts.MaxRecords,
	}
	for _, set := range actionSets {
		for _, a := range set {
			d.executors[a] = LogOnlyExecutor{Action: a}
		}
	}
	if opts.Regulators != nil {
		d.executors[ActionRegulatoryReport] = RegulatoryReportExecutor{Notifier: opts.Regulators}
	}
	return d
}

// RegisterExecutor replaces the executor for an action.
func (d *Dispatcher) RegisterExecutor(action ActionType, exec ActionExecutor) {
	d.mu.Lock()
	d.executors[action] = exec
	d.mu.Unlock()
}

// TriggerAlert assigns an id, executes the severity's action set, notifies
// the security team and writes an audit entry.
func (d *Dispatcher) TriggerAlert(ctx context.Context, data AlertData) *AlertRecord {
	sev, ok := ParseSeverity(string(data.Severity))
	if !ok {
		d.logger.Warn().Str("severity", string(data.Severity)).Msg("unknown fraud severity, treating as low")
	}
	if data.Type == "" {
		data.Type = "fraud"
	}

	rec := &AlertRecord{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Type:          data.Type,
		Severity:      sev,
		UserID:        data.UserID,
		TransactionID: data.TransactionID,
		Description:   data.Description,
		Details:       data.Details,
		Actions:       ActionsFor(sev),
	}

	for _, action := range rec.Actions {
		rec.Results = append(rec.Results, d.execute(ctx, rec, action))
	}

	alert := d.buildAlert(rec, data)
	rec.AlertID = alert.ID

	if d.pipeline != nil {
		d.pipeline.Process(alert)
	}
	if d.bus != nil {
		if err := d.bus.PublishAlert(alert); err != nil {
			d.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to publish fraud alert")
		}
	}
	if d.notifier != nil {
		d.notifier.NotifySecurityTeam(ctx, alert)
	}
	if d.metrics != nil {
		d.metrics.FraudAlerts.WithLabelValues(string(sev)).Inc()
	}

	d.audit.Record("fraud_alert").
		Str("record_id", rec.ID).
		Str("alert_id", alert.ID).
		Str("type", rec.Type).
		Str("severity", string(sev)).
		Str("user_id", rec.UserID).
		Str("transaction_id", rec.TransactionID).
		Interface("actions", rec.Actions).
		Interface("results", rec.Results).
		Msg("fraud alert dispatched")

	d.store(rec)
	return rec
}

func (d *Dispatcher) execute(ctx context.Context, rec *AlertRecord, action ActionType) (res ActionResult) {
	res.Action = action
	d.mu.RLock()
	exec, ok := d.executors[action]
	d.mu.RUnlock()
	if !ok {
		res.Status = ActionStatusSkipped
		res.Details = "no executor registered"
		return res
	}

	start := time.Now()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			res.Status = ActionStatusFailed
			res.Error = fmt.Sprintf("executor panic: %v", r)
			d.logger.Error().Str("action", string(action)).Interface("panic", r).Msg("action executor panic recovered")
		}
	}()

	target, details, err := exec.Execute(ctx, rec, d.logger)
	res.Target = target
	res.Details = details
	if err != nil {
		res.Status = ActionStatusFailed
		res.Error = err.Error()
		d.logger.Error().Err(err).Str("alert_id", rec.ID).Str("action", string(action)).Msg("fraud response action failed")
		return res
	}
	res.Status = ActionStatusSuccess
	return res
}

func (d *Dispatcher) buildAlert(rec *AlertRecord, data AlertData) *core.Alert {
	event := core.NewSecurityEvent(ModuleName, rec.Type, rec.Severity.Core(), rec.Description)
	event.Request = data.Context
	for k, v := range data.Details {
		event.Details[k] = v
	}

	title := fmt.Sprintf("Fraud alert: %s", rec.Type)
	alert := core.NewAlert(event, title, rec.Description)
	alert.Metadata["fraud_record_id"] = rec.ID
	alert.Metadata["fraud_severity"] = string(rec.Severity)
	if rec.UserID != "" {
		alert.Metadata["user_id"] = rec.UserID
	}
	if rec.TransactionID != "" {
		alert.Metadata["transaction_id"] = rec.TransactionID
	}
	actions := make([]string, len(rec.Actions))
	for i, a := range rec.Actions {
		actions[i] = string(a)
	}
	alert.Metadata["actions"] = actions
	alert.Mitigations = append(actions, data.Recommendations...)
	return alert
}

func (d *Dispatcher) store(rec *AlertRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
	if len(d.records) > d.maxRecords {
		d.records = d.records[len(d.records)-d.maxRecords:]
	}
}

// Recent returns up to n of the newest alert records, newest first.
func (d *Dispatcher) Recent(n int) []*AlertRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n <= 0 || n > len(d.records) {
		n = len(d.records)
	}
	out := make([]*AlertRecord, 0, n)
	for i := len(d.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.records[i])
	}
	return out
}
