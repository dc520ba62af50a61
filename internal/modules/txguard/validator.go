package txguard

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const ModuleName = "transaction_guard"

// Violation types.
const (
	ViolationInvalidAmount      = "invalid_amount"
	ViolationAmountExceeded     = "amount_exceeded"
	ViolationCurrency           = "currency_not_allowed"
	ViolationSuspiciousAccount  = "suspicious_account"
	ViolationVelocity           = "velocity_exceeded"
	ViolationHistoryUnavailable = "history_unavailable"
	ViolationMalformed          = "malformed_transaction"
)

// Transaction is a fiat transfer request.
type Transaction struct {
	ID       string  `json:"id,omitempty"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency" validate:"required"`
	Account  string  `json:"account" validate:"required"`
	Type     string  `json:"type,omitempty"`
}

// Violation is one failed check.
type Violation struct {
	Type     string        `json:"type"`
	Field    string        `json:"field"`
	Message  string        `json:"message"`
	Severity core.Severity `json:"severity"`
}

// ValidationResult is the outcome of ValidateTransaction. IsValid is false
// when any violation is MEDIUM or above.
type ValidationResult struct {
	IsValid    bool        `json:"is_valid"`
	Violations []Violation `json:"violations"`
	RiskScore  float64     `json:"risk_score"`
}

// HasViolation reports whether a violation of the given type was raised.
func (r *ValidationResult) HasViolation(kind string) bool {
	for _, v := range r.Violations {
		if v.Type == kind {
			return true
		}
	}
	return false
}

var severityWeight = map[core.Severity]float64{
	core.SeverityCritical: 0.4,
	core.SeverityHigh:     0.4,
	core.SeverityMedium:   0.2,
	core.SeverityLow:      0.1,
}

type fiatLimits struct {
	cfg      core.TransactionConfig
	allowed  map[string]struct{}
	patterns []*regexp.Regexp
}

var shapeValidator = validator.New()

// Validator checks fiat transactions against configured limits and the
// user's recent transaction velocity.
type Validator struct {
	limits  atomic.Pointer[fiatLimits]
	history HistoryProvider
	logger  zerolog.Logger
}

// NewValidator compiles cfg. history may be nil, in which case velocity is
// not checked.
func NewValidator(cfg core.TransactionConfig, history HistoryProvider, logger zerolog.Logger) (*Validator, error) {
	v := &Validator{
		history: history,
		logger:  logger.With().Str("component", ModuleName).Logger(),
	}
	if err := v.SetLimits(cfg); err != nil {
		return nil, err
	}
	return v, nil
}

// SetLimits atomically replaces the active limits. On error the previous
// limits stay in force.
func (v *Validator) SetLimits(cfg core.TransactionConfig) error {
	l := &fiatLimits{cfg: cfg, allowed: make(map[string]struct{}, len(cfg.AllowedCurrencies))}
	for _, c := range cfg.AllowedCurrencies {
		l.allowed[strings.ToUpper(c)] = struct{}{}
	}
	for _, p := range cfg.BlockedAccountPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return core.NewError(core.KindConfig, "txguard.limits",
				fmt.Sprintf("invalid blocked account pattern %q", p), err)
		}
		l.patterns = append(l.patterns, re)
	}
	v.limits.Store(l)
	return nil
}

// Limits returns the active transaction limits.
func (v *Validator) Limits() core.TransactionConfig {
	return v.limits.Load().cfg
}

// ValidateTransaction runs every check and returns a structured result. It
// never returns an error: a failing history lookup is reported as a LOW
// advisory violation.
func (v *Validator) ValidateTransaction(ctx context.Context, tx Transaction, userID string) *ValidationResult {
	l := v.limits.Load()
	res := &ValidationResult{Violations: make([]Violation, 0)}
	add := func(kind, field, msg string, sev core.Severity) {
		res.Violations = append(res.Violations, Violation{Type: kind, Field: field, Message: msg, Severity: sev})
	}

	if err := shapeValidator.Struct(tx); err != nil {
		add(ViolationMalformed, "transaction", "transaction is missing required fields", core.SeverityMedium)
	}

	switch {
	case math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) || tx.Amount <= 0:
		add(ViolationInvalidAmount, "amount", "amount must be a finite positive number", core.SeverityHigh)
	case tx.Amount > l.cfg.MaxAmount:
		add(ViolationAmountExceeded, "amount",
			fmt.Sprintf("amount exceeds maximum of %.2f", l.cfg.MaxAmount), core.SeverityHigh)
	}

	if tx.Currency != "" {
		if _, ok := l.allowed[strings.ToUpper(tx.Currency)]; !ok {
			add(ViolationCurrency, "currency", "currency is not supported", core.SeverityMedium)
		}
	}

	for _, re := range l.patterns {
		if tx.Account != "" && re.MatchString(tx.Account) {
			add(ViolationSuspiciousAccount, "account", "account identifier matches a blocked pattern", core.SeverityHigh)
			break
		}
	}

	if v.history != nil && userID != "" {
		recent, err := v.history.RecentTransactions(ctx, userID, l.cfg.VelocityWindow)
		switch {
		case err != nil:
			v.logger.Warn().Err(err).Str("user_id", userID).Msg("transaction history unavailable, velocity not checked")
			add(ViolationHistoryUnavailable, "user", "velocity could not be checked", core.SeverityLow)
		case len(recent)+1 > l.cfg.VelocityLimit:
			add(ViolationVelocity, "user",
				fmt.Sprintf("more than %d transactions in %s", l.cfg.VelocityLimit, l.cfg.VelocityWindow), core.SeverityHigh)
		}
	}

	res.IsValid = true
	for _, viol := range res.Violations {
		res.RiskScore += severityWeight[viol.Severity]
		if viol.Severity >= core.SeverityMedium {
			res.IsValid = false
		}
	}
	res.RiskScore = math.Round(res.RiskScore*100) / 100
	return res
}
