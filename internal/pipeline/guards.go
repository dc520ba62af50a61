package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/account"
	"github.com/1sec-project/bastion/internal/modules/fraud"
	"github.com/1sec-project/bastion/internal/modules/txguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertDispatcher raises fraud alerts.
type AlertDispatcher interface {
	TriggerAlert(ctx context.Context, data fraud.AlertData) *fraud.AlertRecord
}

// Rejection kinds counted by the transaction guards.
const (
	RejectFiat   = "fiat"
	RejectCrypto = "crypto"
	RejectLogin  = "login"
)

// GuardOptions carries the collaborators shared by the guards.
type GuardOptions struct {
	Alerts  AlertDispatcher
	Metrics *core.Metrics
	Logger  zerolog.Logger
}

func (o GuardOptions) rejected(kind string) {
	if o.Metrics != nil {
		o.Metrics.TransactionsRejected.WithLabelValues(kind).Inc()
	}
}

func (o GuardOptions) alert(ctx context.Context, d fraud.AlertData) {
	if o.Alerts != nil {
		o.Alerts.TriggerAlert(ctx, d)
	}
}

func requestContext(r *http.Request) *core.RequestContext {
	if rc, ok := RequestContextFrom(r.Context()); ok {
		return rc
	}
	return NewRequestContext(r)
}

// ─── Fiat transactions ───────────────────────────────────────────────────────

// TransactionGuard validates fiat transfer bodies. Invalid transfers are
// rejected with 400 and raise a fraud alert whose severity follows the risk
// score; accepted transfers are recorded for velocity checks.
func TransactionGuard(v *txguard.Validator, history txguard.HistoryRecorder, opts GuardOptions) func(http.Handler) http.Handler {
	logger := opts.Logger.With().Str("component", "transaction_guard").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			var tx txguard.Transaction
			if err := readJSON(r, &tx); err != nil {
				opts.rejected(RejectFiat)
				WriteError(w, err)
				return
			}
			if tx.ID == "" {
				tx.ID = uuid.NewString()
			}

			res := v.ValidateTransaction(r.Context(), tx, rc.UserID)
			if !res.IsValid {
				opts.rejected(RejectFiat)
				logger.Warn().
					Str("request_id", rc.RequestID).
					Str("user_id", rc.UserID).
					Str("transaction_id", tx.ID).
					Float64("risk_score", res.RiskScore).
					Int("violations", len(res.Violations)).
					Msg("transaction rejected")
				opts.alert(r.Context(), fraud.AlertData{
					Type:          "transaction_validation",
					Severity:      fraud.SeverityForRisk(res.RiskScore),
					UserID:        rc.UserID,
					TransactionID: tx.ID,
					Description:   fmt.Sprintf("Transaction failed %d validation check(s)", len(res.Violations)),
					Details: map[string]interface{}{
						"risk_score": res.RiskScore,
						"violations": violationTypes(res.Violations),
						"amount":     tx.Amount,
						"currency":   tx.Currency,
					},
					Context: rc,
				})
				WriteError(w, core.NewError(core.KindValidation, "pipeline.transaction", "transaction rejected", nil))
				return
			}

			if history != nil {
				err := history.Record(r.Context(), txguard.HistoryEntry{
					ID:        tx.ID,
					UserID:    rc.UserID,
					Amount:    tx.Amount,
					Currency:  strings.ToUpper(tx.Currency),
					Timestamp: time.Now().UTC(),
				})
				if err != nil {
					logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to record transaction history")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func violationTypes(vs []txguard.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Type)
	}
	return out
}

// ─── Crypto payouts ──────────────────────────────────────────────────────────

// CryptoPayoutGuard validates crypto payout bodies. A blocking result is a
// hard stop with a critical fraud alert; non-blocking risks pass with a
// fraud alert at the highest risk severity.
func CryptoPayoutGuard(v *txguard.CryptoValidator, opts GuardOptions) func(http.Handler) http.Handler {
	logger := opts.Logger.With().Str("component", "crypto_guard").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			var tx txguard.CryptoTransaction
			if err := readJSON(r, &tx); err != nil {
				opts.rejected(RejectCrypto)
				WriteError(w, err)
				return
			}

			res := v.ValidateCryptoTransaction(r.Context(), tx)
			if len(res.Risks) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			sev := fraud.SeverityLow
			types := make([]string, 0, len(res.Risks))
			for _, risk := range res.Risks {
				types = append(types, risk.Type)
				if s := fraudSeverity(risk.Severity); severityRank(s) > severityRank(sev) {
					sev = s
				}
			}
			opts.alert(r.Context(), fraud.AlertData{
				Type:        "crypto_payout",
				Severity:    sev,
				UserID:      rc.UserID,
				Description: fmt.Sprintf("Crypto payout raised %d risk(s)", len(res.Risks)),
				Details: map[string]interface{}{
					"currency":     strings.ToUpper(tx.Currency),
					"amount":       tx.Amount,
					"risks":        types,
					"should_block": res.ShouldBlock,
				},
				Context: rc,
			})

			if res.ShouldBlock {
				opts.rejected(RejectCrypto)
				logger.Warn().
					Str("request_id", rc.RequestID).
					Str("user_id", rc.UserID).
					Strs("risks", types).
					Msg("crypto payout blocked")
				WriteError(w, core.NewError(core.KindSecurityViolation, "pipeline.crypto", "crypto payout blocked", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fraudSeverity(s core.Severity) fraud.Severity {
	switch s {
	case core.SeverityCritical:
		return fraud.SeverityCritical
	case core.SeverityHigh:
		return fraud.SeverityHigh
	case core.SeverityMedium:
		return fraud.SeverityMedium
	default:
		return fraud.SeverityLow
	}
}

func severityRank(s fraud.Severity) int {
	switch s {
	case fraud.SeverityCritical:
		return 3
	case fraud.SeverityHigh:
		return 2
	case fraud.SeverityMedium:
		return 1
	}
	return 0
}

// ─── Logins ──────────────────────────────────────────────────────────────────

// UserHistoryProvider looks up a user's login history. A user with no
// history returns an empty UserHistory and no error.
type UserHistoryProvider interface {
	UserHistory(ctx context.Context, userID string) (account.UserHistory, error)
}

// HeaderMFAChallenge carries the required MFA methods on a 401.
const HeaderMFAChallenge = "X-MFA-Required"

// LoginGuard scores login bodies against the user's history. Blocked logins
// get 401 and a fraud alert; logins that need MFA get 401 with the challenge
// methods in HeaderMFAChallenge. A history lookup failure is scored as an
// empty history, so the attempt fails closed. mfa is read per request so
// reloaded settings apply immediately.
func LoginGuard(histories UserHistoryProvider, mfa func() core.MFAConfig, opts GuardOptions) func(http.Handler) http.Handler {
	logger := opts.Logger.With().Str("component", "login_guard").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContext(r)
			var attempt account.LoginAttempt
			if err := readJSON(r, &attempt); err != nil {
				WriteError(w, err)
				return
			}
			if attempt.UserID == "" {
				attempt.UserID = rc.UserID
			}
			attempt.IP = rc.IP
			attempt.UserAgent = rc.UserAgent
			if attempt.Timestamp.IsZero() {
				attempt.Timestamp = time.Now().UTC()
			}

			var hist account.UserHistory
			if histories != nil {
				h, err := histories.UserHistory(r.Context(), attempt.UserID)
				if err != nil {
					logger.Error().Err(err).Str("user_id", attempt.UserID).Msg("login history unavailable")
				} else {
					hist = h
				}
			}

			res := account.DetectLoginAnomalies(attempt, hist)
			req := account.EnforceMFA(account.MFAContextFromLogin(res), mfa())

			switch {
			case res.Action == account.ActionBlock:
				opts.rejected(RejectLogin)
				logger.Warn().
					Str("user_id", attempt.UserID).
					Str("ip", attempt.IP).
					Float64("risk", res.OverallRisk).
					Msg("login blocked")
				opts.alert(r.Context(), fraud.AlertData{
					Type:        "login_anomaly",
					Severity:    fraud.SeverityForRisk(res.OverallRisk),
					UserID:      attempt.UserID,
					Description: fmt.Sprintf("Login blocked with risk %.2f", res.OverallRisk),
					Details: map[string]interface{}{
						"overall_risk": res.OverallRisk,
						"anomalies":    anomalyTypes(res.Anomalies),
						"ip":           attempt.IP,
					},
					Context: rc,
				})
				WriteError(w, core.NewError(core.KindUnauthorized, "pipeline.login", "login blocked", nil))
			case res.Action == account.ActionRequireMFA || req.RequiresMFA:
				w.Header().Set(HeaderMFAChallenge, fmt.Sprintf("methods=%s; timeout=%d",
					strings.Join(req.Methods, ","), int(req.Timeout.Seconds())))
				WriteError(w, core.NewError(core.KindUnauthorized, "pipeline.login", "mfa required", nil))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func anomalyTypes(as []account.Anomaly) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.Type)
	}
	return out
}

// MemoryUserHistory is a fixed map of user histories.
type MemoryUserHistory map[string]account.UserHistory

func (m MemoryUserHistory) UserHistory(_ context.Context, userID string) (account.UserHistory, error) {
	return m[userID], nil
}
