// Package emergency implements the operator-invoked emergency purge.
package emergency

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
)

const ModuleName = "emergency_response"

// Secure delete phases.
const (
	PhaseOverwrite   = "overwrite"
	PhaseCryptoErase = "crypto_erase"
	PhaseDelete      = "delete"
)

// Criteria selects what an emergency purge covers.
type Criteria struct {
	Since       time.Time `json:"since" validate:"required"`
	Until       time.Time `json:"until,omitempty"`
	Reason      string    `json:"reason" validate:"required"`
	DataBreach  bool      `json:"data_breach"`
	InitiatedBy string    `json:"initiated_by" validate:"required"`
}

// PhaseResult is one completed secure-delete step.
type PhaseResult struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// RecordResult is the outcome for one quarantine record.
type RecordResult struct {
	RecordID string        `json:"record_id"`
	Skipped  bool          `json:"skipped,omitempty"`
	Phases   []PhaseResult `json:"phases,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StepResult is the outcome of a collaborator step.
type StepResult struct {
	Attempted bool   `json:"attempted"`
	Count     int    `json:"count"`
	Error     string `json:"error,omitempty"`
}

// Results is the full emergency purge report.
type Results struct {
	ID                 string         `json:"id"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        time.Time      `json:"completed_at"`
	Criteria           Criteria       `json:"criteria"`
	Records            []RecordResult `json:"records"`
	Purged             int            `json:"purged"`
	Skipped            int            `json:"skipped"`
	Failed             int            `json:"failed"`
	Transactions       StepResult     `json:"transactions"`
	Accounts           StepResult     `json:"accounts"`
	RegulatoryReported bool           `json:"regulatory_reported"`
}

// TransactionPurger removes suspicious transactions from the ledger.
type TransactionPurger interface {
	PurgeSuspiciousTransactions(ctx context.Context, c Criteria) (int, error)
}

// AccountDisabler disables compromised accounts.
type AccountDisabler interface {
	DisableCompromisedAccounts(ctx context.Context, c Criteria) (int, error)
}

// Options wires a Responder. Store is required.
type Options struct {
	Store             quarantine.Store
	Regulators        notify.RegulatorNotifier
	Transactions      TransactionPurger
	Accounts          AccountDisabler
	Audit             *core.AuditLog
	Bus               *core.EventBus
	Metrics           *core.Metrics
	Logger            zerolog.Logger
	ReportableReasons []string
}

// Responder runs emergency purges. Purges are serialized.
type Responder struct {
	store        quarantine.Store
	regulators   notify.RegulatorNotifier
	transactions TransactionPurger
	accounts     AccountDisabler
	audit        *core.AuditLog
	bus          *core.EventBus
	metrics      *core.Metrics
	logger       zerolog.Logger

	reportable atomic.Pointer[[]string]
	mu         sync.Mutex
}

var criteriaValidator = validator.New(validator.WithRequiredStructEnabled())

func NewResponder(opts Options) *Responder {
	if opts.Audit == nil {
		opts.Audit = core.NopAuditLog()
	}
	r := &Responder{
		store:        opts.Store,
		regulators:   opts.Regulators,
		transactions: opts.Transactions,
		accounts:     opts.Accounts,
		audit:        opts.Audit,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", ModuleName).Logger(),
	}
	r.SetReportableReasons(opts.ReportableReasons)
	return r
}

// SetReportableReasons replaces the reasons that require regulatory reporting.
func (r *Responder) SetReportableReasons(reasons []string) {
	cp := make([]string, len(reasons))
	copy(cp, reasons)
	r.reportable.Store(&cp)
}

// RequiresRegulatoryReporting applies the configured reasons to c.
func (r *Responder) RequiresRegulatoryReporting(c Criteria) bool {
	return RequiresRegulatoryReporting(c, *r.reportable.Load())
}

// RequiresRegulatoryReporting is true for a data breach or a reportable reason.
func RequiresRegulatoryReporting(c Criteria, reportable []string) bool {
	if c.DataBreach {
		return true
	}
	reason := strings.ToLower(strings.TrimSpace(c.Reason))
	for _, rr := range reportable {
		if strings.ToLower(rr) == reason {
			return true
		}
	}
	return false
}

// EmergencyPurge securely deletes every CRITICAL quarantine record in the
// criteria window, runs the transaction and account placeholders, and
// notifies regulators before reporting completion when required. Records
// already purged are skipped.
func (r *Responder) EmergencyPurge(ctx context.Context, c Criteria) (*Results, error) {
	if err := criteriaValidator.Struct(c); err != nil {
		return nil, core.NewError(core.KindValidation, "emergency.purge", "invalid purge criteria", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Results{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Criteria:  c,
		Records:   make([]RecordResult, 0),
	}
	r.audit.Record("emergency_purge_start").
		Str("purge_id", res.ID).
		Str("reason", c.Reason).
		Bool("data_breach", c.DataBreach).
		Str("initiated_by", c.InitiatedBy).
		Time("since", c.Since).
		Msg("emergency purge started")
	r.logger.Warn().Str("purge_id", res.ID).Str("reason", c.Reason).Str("initiated_by", c.InitiatedBy).Msg("emergency purge started")

	recs, err := r.store.Find(ctx, quarantine.Criteria{MinLevel: threat.LevelCritical, Since: c.Since, Until: c.Until})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rr := RecordResult{RecordID: rec.ID}
		if rec.Status == quarantine.StatusPurged {
			rr.Skipped = true
			res.Skipped++
			res.Records = append(res.Records, rr)
			continue
		}
		if err := r.secureDelete(ctx, res.ID, rec, &rr); err != nil {
			rr.Error = err.Error()
			res.Failed++
			r.logger.Error().Err(err).Str("record_id", rec.ID).Msg("secure delete failed")
		} else {
			res.Purged++
		}
		res.Records = append(res.Records, rr)
	}

	if r.transactions != nil {
		n, err := r.transactions.PurgeSuspiciousTransactions(ctx, c)
		res.Transactions = stepResult(n, err)
	}
	if r.accounts != nil {
		n, err := r.accounts.DisableCompromisedAccounts(ctx, c)
		res.Accounts = stepResult(n, err)
	}

	if r.RequiresRegulatoryReporting(c) && r.regulators != nil {
		r.regulators.NotifyRegulators(ctx, report(res))
		res.RegulatoryReported = true
		r.audit.Record("regulatory_report").Str("purge_id", res.ID).Msg("regulators notified of emergency purge")
	}

	res.CompletedAt = time.Now().UTC()
	if r.metrics != nil {
		r.metrics.EmergencyPurges.Inc()
		r.metrics.QuarantinePurged.Add(float64(res.Purged))
	}
	r.audit.Record("emergency_purge_complete").
		Str("purge_id", res.ID).
		Int("purged", res.Purged).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Bool("regulatory_reported", res.RegulatoryReported).
		Msg("emergency purge complete")
	r.publish(res)
	return res, nil
}

func stepResult(n int, err error) StepResult {
	s := StepResult{Attempted: true, Count: n}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// secureDelete runs overwrite, cryptographic erase and delete, auditing
// each step. The record is marked PURGED in the first phase so a partial
// failure is not re-processed.
func (r *Responder) secureDelete(ctx context.Context, purgeID string, rec *quarantine.Record, rr *RecordResult) error {
	phase := func(name string, fn func() error) error {
		pr := PhaseResult{Phase: name}
		err := fn()
		pr.At = time.Now().UTC()
		if err != nil {
			pr.Error = err.Error()
		}
		rr.Phases = append(rr.Phases, pr)
		r.audit.Record("secure_delete_"+name).
			Str("purge_id", purgeID).
			Str("record_id", rec.ID).
			Bool("ok", err == nil).
			Msg("secure delete phase")
		return err
	}

	if err := phase(PhaseOverwrite, func() error {
		noise, err := overwriteNoise(rec.Payload)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.Payload = noise
		rec.Analysis = &threat.Result{Level: rec.Level(), AnalyzedAt: rec.Analysis.AnalyzedAt}
		rec.Status = quarantine.StatusPurged
		rec.PurgedAt = &now
		return r.store.Update(ctx, rec)
	}); err != nil {
		return err
	}

	if err := phase(PhaseCryptoErase, func() error {
		sealed, err := cryptoErase(rec.ID, rec.Payload)
		if err != nil {
			return err
		}
		rec.Payload = sealed
		return r.store.Update(ctx, rec)
	}); err != nil {
		return err
	}

	return phase(PhaseDelete, func() error {
		return r.store.Delete(ctx, rec.ID)
	})
}

// overwriteNoise returns random hex at least as long as the encoded payload.
func overwriteNoise(p interface{}) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("sizing payload: %w", err)
	}
	buf := make([]byte, (len(data)+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating overwrite noise: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// cryptoErase seals the value under a fresh random key and discards the key.
func cryptoErase(recordID string, p interface{}) (string, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating erase key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(recordID))
	for i := range key {
		key[i] = 0
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func report(res *Results) *notify.Report {
	return &notify.Report{
		ID:        res.ID,
		Timestamp: time.Now().UTC(),
		Title:     "Emergency purge executed",
		Summary: fmt.Sprintf("Emergency purge (%s) removed %d CRITICAL quarantine record(s); %d skipped, %d failed.",
			res.Criteria.Reason, res.Purged, res.Skipped, res.Failed),
		Details: map[string]interface{}{
			"purge_id":     res.ID,
			"reason":       res.Criteria.Reason,
			"data_breach":  res.Criteria.DataBreach,
			"initiated_by": res.Criteria.InitiatedBy,
			"since":        res.Criteria.Since.Format(time.RFC3339),
			"purged":       res.Purged,
			"skipped":      res.Skipped,
			"failed":       res.Failed,
			"transactions": res.Transactions.Count,
			"accounts":     res.Accounts.Count,
			"started_at":   res.StartedAt.Format(time.RFC3339),
		},
	}
}

func (r *Responder) publish(res *Results) {
	if r.bus == nil {
		return
	}
	event := core.NewSecurityEvent(ModuleName, "emergency_purge", core.SeverityCritical,
		fmt.Sprintf("emergency purge %s: %d purged", res.ID, res.Purged))
	event.Details["purge_id"] = res.ID
	event.Details["reason"] = res.Criteria.Reason
	event.Details["purged"] = res.Purged
	event.Details["skipped"] = res.Skipped
	event.Details["failed"] = res.Failed
	event.Details["regulatory_reported"] = res.RegulatoryReported
	if err := r.bus.PublishEvent(event); err != nil {
		r.logger.Error().Err(err).Str("purge_id", res.ID).Msg("failed to publish emergency purge event")
	}
}
