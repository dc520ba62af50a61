package fraud

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type captureSink struct {
	mu      sync.Mutex
	alerts  []*core.Alert
	reports []*notify.Report
}

func (c *captureSink) NotifySecurityTeam(_ context.Context, a *core.Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSink) NotifyRegulators(_ context.Context, r *notify.Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

func newDispatcher(sink *captureSink, audit *bytes.Buffer) (*Dispatcher, *core.Metrics, *core.AlertPipeline) {
	m := core.NewMetrics()
	p := core.NewAlertPipeline(zerolog.Nop(), 10)
	opts := Options{
		Notifier:   sink,
		Regulators: sink,
		Pipeline:   p,
		Metrics:    m,
		Logger:     zerolog.Nop(),
	}
	if audit != nil {
		opts.Audit = core.NewAuditLogTo(audit)
	}
	return NewDispatcher(opts), m, p
}

// ─── Severity mapping ────────────────────────────────────────────────────────

func TestActionsFor(t *testing.T) {
	tests := []struct {
		sev  Severity
		want []ActionType
	}{
		{SeverityLow, []ActionType{ActionFlagTransaction, ActionEnhancedMonitoring}},
		{SeverityMedium, []ActionType{ActionRequireMFA, ActionHoldTransaction, ActionVerifyIdentity}},
		{SeverityHigh, []ActionType{ActionBlockTransaction, ActionFreezeAccount, ActionOpenInvestigation}},
		{SeverityCritical, []ActionType{ActionFullAccountLock, ActionRegulatoryReport, ActionLawEnforcementNotify}},
	}
	for _, tt := range tests {
		got := ActionsFor(tt.sev)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v", tt.sev, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s[%d]: got %s, want %s", tt.sev, i, got[i], tt.want[i])
			}
		}
	}

	a := ActionsFor(SeverityLow)
	a[0] = "mutated"
	if ActionsFor(SeverityLow)[0] != ActionFlagTransaction {
		t.Error("ActionsFor must return a copy")
	}
}

func TestSeverityForRisk(t *testing.T) {
	tests := []struct {
		risk float64
		want Severity
	}{
		{0, SeverityLow},
		{0.39, SeverityLow},
		{0.4, SeverityMedium},
		{0.79, SeverityMedium},
		{0.8, SeverityHigh},
		{1.5, SeverityHigh},
	}
	for _, tt := range tests {
		if got := SeverityForRisk(tt.risk); got != tt.want {
			t.Errorf("SeverityForRisk(%v) = %s, want %s", tt.risk, got, tt.want)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity(" HIGH "); !ok || s != SeverityHigh {
		t.Errorf("got %s %v", s, ok)
	}
	if s, ok := ParseSeverity("catastrophic"); ok || s != SeverityLow {
		t.Errorf("got %s %v", s, ok)
	}
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

func TestTriggerAlert_High(t *testing.T) {
	sink := &captureSink{}
	var audit bytes.Buffer
	d, m, p := newDispatcher(sink, &audit)

	rec := d.TriggerAlert(context.Background(), AlertData{
		Type:          "transaction_risk",
		Severity:      SeverityHigh,
		UserID:        "u-42",
		TransactionID: "tx-9",
		Description:   "transaction failed validation",
	})

	if rec.ID == "" || rec.AlertID == "" {
		t.Fatal("expected ids")
	}
	if len(rec.Results) != 3 {
		t.Fatalf("expected three action results, got %+v", rec.Results)
	}
	for _, r := range rec.Results {
		if r.Status != ActionStatusSuccess {
			t.Errorf("%s: status %s", r.Action, r.Status)
		}
	}
	if rec.Results[0].Target != "tx-9" || rec.Results[1].Target != "u-42" {
		t.Errorf("unexpected targets %+v", rec.Results)
	}

	if len(sink.alerts) != 1 {
		t.Fatalf("expected one security notification, got %d", len(sink.alerts))
	}
	alert := sink.alerts[0]
	if alert.Severity != core.SeverityHigh || alert.Module != ModuleName {
		t.Errorf("unexpected alert %+v", alert)
	}
	if len(sink.reports) != 0 {
		t.Error("high alerts do not report to regulators")
	}
	if p.Count() != 1 {
		t.Errorf("expected alert in pipeline, got %d", p.Count())
	}
	if got := testutil.ToFloat64(m.FraudAlerts.WithLabelValues("high")); got != 1 {
		t.Errorf("expected metric 1, got %v", got)
	}
	if !strings.Contains(audit.String(), `"audit_action":"fraud_alert"`) || !strings.Contains(audit.String(), rec.ID) {
		t.Errorf("expected audit entry, got %s", audit.String())
	}
	if got := d.Recent(10); len(got) != 1 || got[0] != rec {
		t.Errorf("expected record in history")
	}
}

func TestTriggerAlert_CriticalReportsToRegulators(t *testing.T) {
	sink := &captureSink{}
	d, _, _ := newDispatcher(sink, nil)

	rec := d.TriggerAlert(context.Background(), AlertData{
		Severity:    SeverityCritical,
		UserID:      "u-1",
		Description: "account takeover",
	})
	if rec.Type != "fraud" {
		t.Errorf("default type: got %q", rec.Type)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected one regulator report, got %d", len(sink.reports))
	}
	if sink.reports[0].Details["alert_id"] != rec.ID {
		t.Errorf("report should reference the alert record")
	}
}

func TestTriggerAlert_ExecutorFailureAndPanic(t *testing.T) {
	d, _, _ := newDispatcher(&captureSink{}, nil)
	d.RegisterExecutor(ActionRequireMFA, ExecutorFunc(func(context.Context, *AlertRecord, zerolog.Logger) (string, string, error) {
		return "", "", errors.New("mfa service down")
	}))
	d.RegisterExecutor(ActionHoldTransaction, ExecutorFunc(func(context.Context, *AlertRecord, zerolog.Logger) (string, string, error) {
		panic("boom")
	}))

	rec := d.TriggerAlert(context.Background(), AlertData{Severity: SeverityMedium, UserID: "u"})
	if len(rec.Results) != 3 {
		t.Fatalf("all actions must be attempted, got %+v", rec.Results)
	}
	if rec.Results[0].Status != ActionStatusFailed || rec.Results[0].Error != "mfa service down" {
		t.Errorf("unexpected first result %+v", rec.Results[0])
	}
	if rec.Results[1].Status != ActionStatusFailed || !strings.Contains(rec.Results[1].Error, "panic") {
		t.Errorf("unexpected second result %+v", rec.Results[1])
	}
	if rec.Results[2].Status != ActionStatusSuccess {
		t.Errorf("unexpected third result %+v", rec.Results[2])
	}
}

func TestTriggerAlert_UnknownSeverityIsLow(t *testing.T) {
	d, _, _ := newDispatcher(&captureSink{}, nil)
	rec := d.TriggerAlert(context.Background(), AlertData{Severity: "weird"})
	if rec.Severity != SeverityLow || len(rec.Actions) != 2 {
		t.Fatalf("unexpected %+v", rec)
	}
}

func TestTriggerAlert_MitigationsCarryRecommendations(t *testing.T) {
	sink := &captureSink{}
	d, _, _ := newDispatcher(sink, nil)
	d.TriggerAlert(context.Background(), AlertData{
		Severity:        SeverityLow,
		Recommendations: []string{"review the account"},
	})
	m := sink.alerts[0].Mitigations
	if len(m) != 3 || m[2] != "review the account" {
		t.Fatalf("unexpected mitigations %v", m)
	}
}

func TestRegulatoryReportExecutor_NoSink(t *testing.T) {
	_, _, err := RegulatoryReportExecutor{}.Execute(context.Background(), &AlertRecord{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error without a regulator sink")
	}
}

func TestRecent_Bounded(t *testing.T) {
	d := NewDispatcher(Options{Logger: zerolog.Nop(), MaxRecords: 2})
	for i := 0; i < 5; i++ {
		d.TriggerAlert(context.Background(), AlertData{Severity: SeverityLow, UserID: string(rune('a' + i))})
	}
	got := d.Recent(0)
	if len(got) != 2 || got[0].UserID != "e" || got[1].UserID != "d" {
		t.Fatalf("unexpected history %+v", got)
	}
}
