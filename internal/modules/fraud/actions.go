package fraud

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity is the fraud alert severity supplied by callers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity accepts any case. Unknown values are reported as not ok.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	default:
		return SeverityLow, false
	}
}

// Core maps the fraud severity onto the engine severity scale.
func (s Severity) Core() core.Severity {
	switch s {
	case SeverityCritical:
		return core.SeverityCritical
	case SeverityHigh:
		return core.SeverityHigh
	case SeverityMedium:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

// SeverityForRisk derives a severity from a 0..1+ risk score.
func SeverityForRisk(risk float64) Severity {
	switch {
	case risk >= 0.8:
		return SeverityHigh
	case risk >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ActionType enumerates the remediation actions.
type ActionType string

const (
	ActionFlagTransaction      ActionType = "flag_transaction"
	ActionEnhancedMonitoring   ActionType = "enhanced_monitoring"
	ActionRequireMFA           ActionType = "require_mfa"
	ActionHoldTransaction      ActionType = "hold_transaction"
	ActionVerifyIdentity       ActionType = "verify_identity"
	ActionBlockTransaction     ActionType = "block_transaction"
	ActionFreezeAccount        ActionType = "freeze_account"
	ActionOpenInvestigation    ActionType = "open_investigation"
	ActionFullAccountLock      ActionType = "full_account_lock"
	ActionRegulatoryReport     ActionType = "regulatory_report"
	ActionLawEnforcementNotify ActionType = "law_enforcement_notify"
)

var actionSets = map[Severity][]ActionType{
	SeverityLow:      {ActionFlagTransaction, ActionEnhancedMonitoring},
	SeverityMedium:   {ActionRequireMFA, ActionHoldTransaction, ActionVerifyIdentity},
	SeverityHigh:     {ActionBlockTransaction, ActionFreezeAccount, ActionOpenInvestigation},
	SeverityCritical: {ActionFullAccountLock, ActionRegulatoryReport, ActionLawEnforcementNotify},
}

// ActionsFor returns the fixed action set for a severity.
func ActionsFor(s Severity) []ActionType {
	set := actionSets[s]
	out := make([]ActionType, len(set))
	copy(out, set)
	return out
}

// ActionStatus tracks the outcome of one executed action.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "SUCCESS"
	ActionStatusFailed  ActionStatus = "FAILED"
	ActionStatusSkipped ActionStatus = "SKIPPED"
)

// ActionResult records one executed action.
type ActionResult struct {
	Action     ActionType   `json:"action"`
	Status     ActionStatus `json:"status"`
	Target     string       `json:"target,omitempty"`
	Details    string       `json:"details,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
}

// ActionExecutor carries out one remediation action for an alert.
type ActionExecutor interface {
	Execute(ctx context.Context, rec *AlertRecord, logger zerolog.Logger) (target string, details string, err error)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, rec *AlertRecord, logger zerolog.Logger) (string, string, error)

func (f ExecutorFunc) Execute(ctx context.Context, rec *AlertRecord, logger zerolog.Logger) (string, string, error) {
	return f(ctx, rec, logger)
}

// ─── Built-in executors ──────────────────────────────────────────────────────

// LogOnlyExecutor records the decision. The ledger and account stores are
// external, so holds, freezes and locks are carried out by whoever consumes
// the published alert.
type LogOnlyExecutor struct {
	Action ActionType
}

func (e LogOnlyExecutor) Execute(_ context.Context, rec *AlertRecord, logger zerolog.Logger) (string, string, error) {
	target := targetOf(rec, e.Action)
	logger.Info().
		Str("alert_id", rec.ID).
		Str("action", string(e.Action)).
		Str("target", target).
		Msg("fraud response action recorded")
	return target, "recorded for downstream enforcement", nil
}

func targetOf(rec *AlertRecord, action ActionType) string {
	switch action {
	case ActionFlagTransaction, ActionHoldTransaction, ActionBlockTransaction:
		if rec.TransactionID != "" {
			return rec.TransactionID
		}
	}
	return rec.UserID
}

// RegulatoryReportExecutor sends the alert to the regulator sink.
type RegulatoryReportExecutor struct {
	Notifier notify.RegulatorNotifier
}

func (e RegulatoryReportExecutor) Execute(ctx context.Context, rec *AlertRecord, _ zerolog.Logger) (string, string, error) {
	if e.Notifier == nil {
		return "", "", fmt.Errorf("no regulator sink configured")
	}
	details := map[string]interface{}{
		"alert_id": rec.ID,
		"type":     rec.Type,
		"severity": string(rec.Severity),
		"user_id":  rec.UserID,
	}
	if rec.TransactionID != "" {
		details["transaction_id"] = rec.TransactionID
	}
	e.Notifier.NotifyRegulators(ctx, &notify.Report{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Title:     "Critical fraud alert",
		Summary:   rec.Description,
		Details:   details,
	})
	return "regulators", "regulatory report sent", nil
}
