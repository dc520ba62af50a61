package emergency

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/notify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type captureRegulators struct {
	mu      sync.Mutex
	reports []*notify.Report
}

func (c *captureRegulators) NotifyRegulators(_ context.Context, r *notify.Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

type fakePurger struct {
	n   int
	err error
}

func (f fakePurger) PurgeSuspiciousTransactions(context.Context, Criteria) (int, error) {
	return f.n, f.err
}

type fakeDisabler struct{ n int }

func (f fakeDisabler) DisableCompromisedAccounts(context.Context, Criteria) (int, error) {
	return f.n, nil
}

// recordingStore captures every Update so tests can observe phase writes.
type recordingStore struct {
	*quarantine.MemoryStore
	mu      sync.Mutex
	updates []string
	failDel bool
}

func (s *recordingStore) Update(ctx context.Context, rec *quarantine.Record) error {
	s.mu.Lock()
	if str, ok := rec.Payload.(string); ok {
		s.updates = append(s.updates, str)
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, rec)
}

func (s *recordingStore) Delete(ctx context.Context, id string) error {
	if s.failDel {
		return errors.New("disk detached")
	}
	return s.MemoryStore.Delete(ctx, id)
}

const secret = "1 UNION SELECT username, password FROM users"

func seed(t *testing.T, s quarantine.Store, id string, level threat.Level, ts time.Time, status quarantine.Status) {
	t.Helper()
	rec := &quarantine.Record{
		ID:        id,
		Timestamp: ts,
		Payload:   map[string]interface{}{"q": secret},
		Analysis:  &threat.Result{Level: level, Score: 0.95},
		Status:    status,
	}
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func criteria(since time.Time) Criteria {
	return Criteria{Since: since, Reason: "incident", InitiatedBy: "ops@example.com"}
}

// ─── Purge ───────────────────────────────────────────────────────────────────

func TestEmergencyPurge_CriticalOnly(t *testing.T) {
	store := &recordingStore{MemoryStore: quarantine.NewMemoryStore()}
	now := time.Now().UTC()
	seed(t, store, "crit-1", threat.LevelCritical, now.Add(-time.Minute), quarantine.StatusQuarantined)
	seed(t, store, "crit-2", threat.LevelCritical, now.Add(-2*time.Minute), quarantine.StatusQuarantined)
	seed(t, store, "high-1", threat.LevelHigh, now.Add(-time.Minute), quarantine.StatusQuarantined)
	seed(t, store, "old-1", threat.LevelCritical, now.Add(-48*time.Hour), quarantine.StatusQuarantined)

	var audit bytes.Buffer
	m := core.NewMetrics()
	r := NewResponder(Options{Store: store, Audit: core.NewAuditLogTo(&audit), Metrics: m, Logger: zerolog.Nop()})

	res, err := r.EmergencyPurge(context.Background(), criteria(now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("EmergencyPurge: %v", err)
	}
	if res.Purged != 2 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("unexpected counts %+v", res)
	}

	ctx := context.Background()
	for _, id := range []string{"crit-1", "crit-2"} {
		if _, err := store.Get(ctx, id); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("%s should be deleted, got %v", id, err)
		}
	}
	for _, id := range []string{"high-1", "old-1"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Errorf("%s must survive: %v", id, err)
		}
	}

	for _, rr := range res.Records {
		if len(rr.Phases) != 3 {
			t.Fatalf("%s: expected 3 phases, got %+v", rr.RecordID, rr.Phases)
		}
		for i, want := range []string{PhaseOverwrite, PhaseCryptoErase, PhaseDelete} {
			if rr.Phases[i].Phase != want || rr.Phases[i].Error != "" {
				t.Errorf("%s phase %d: %+v", rr.RecordID, i, rr.Phases[i])
			}
		}
	}

	for _, u := range store.updates {
		if strings.Contains(u, "UNION") {
			t.Errorf("intermediate write leaked payload: %q", u)
		}
	}
	if len(store.updates) != 4 {
		t.Errorf("expected overwrite and erase writes per record, got %d", len(store.updates))
	}

	log := audit.String()
	for _, action := range []string{"emergency_purge_start", "secure_delete_overwrite", "secure_delete_crypto_erase", "secure_delete_delete", "emergency_purge_complete"} {
		if !strings.Contains(log, `"audit_action":"`+action+`"`) {
			t.Errorf("missing audit action %s", action)
		}
	}
	if strings.Contains(log, "UNION") {
		t.Error("audit trail must not contain payload content")
	}
	if got := testutil.ToFloat64(m.EmergencyPurges); got != 1 {
		t.Errorf("emergency purge metric = %v", got)
	}
}

func TestEmergencyPurge_SkipsAlreadyPurged(t *testing.T) {
	store := quarantine.NewMemoryStore()
	now := time.Now().UTC()
	seed(t, store, "done", threat.LevelCritical, now, quarantine.StatusPurged)
	seed(t, store, "live", threat.LevelCritical, now, quarantine.StatusQuarantined)

	r := NewResponder(Options{Store: store, Logger: zerolog.Nop()})
	res, err := r.EmergencyPurge(context.Background(), criteria(now.Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Purged != 1 || res.Skipped != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if _, err := store.Get(context.Background(), "done"); err != nil {
		t.Error("skipped record must not be touched")
	}
}

func TestEmergencyPurge_DeleteFailureNotReprocessed(t *testing.T) {
	store := &recordingStore{MemoryStore: quarantine.NewMemoryStore(), failDel: true}
	now := time.Now().UTC()
	seed(t, store, "stuck", threat.LevelCritical, now, quarantine.StatusQuarantined)
	r := NewResponder(Options{Store: store, Logger: zerolog.Nop()})

	res, err := r.EmergencyPurge(context.Background(), criteria(now.Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Records[0].Error == "" {
		t.Fatalf("expected a failed record, got %+v", res)
	}
	rec, err := store.Get(context.Background(), "stuck")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != quarantine.StatusPurged || rec.PurgedAt == nil {
		t.Errorf("record should be marked purged, got %+v", rec)
	}
	if s, ok := rec.Payload.(string); !ok || strings.Contains(s, "UNION") {
		t.Errorf("payload must be destroyed, got %v", rec.Payload)
	}

	again, err := r.EmergencyPurge(context.Background(), criteria(now.Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if again.Skipped != 1 || again.Failed != 0 {
		t.Errorf("second run should skip the record, got %+v", again)
	}
}

func TestEmergencyPurge_InvalidCriteria(t *testing.T) {
	r := NewResponder(Options{Store: quarantine.NewMemoryStore(), Logger: zerolog.Nop()})
	_, err := r.EmergencyPurge(context.Background(), Criteria{Reason: "x", InitiatedBy: "y"})
	if core.KindOf(err) != core.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEmergencyPurge_Collaborators(t *testing.T) {
	r := NewResponder(Options{
		Store:        quarantine.NewMemoryStore(),
		Transactions: fakePurger{n: 3, err: errors.New("ledger partial")},
		Accounts:     fakeDisabler{n: 2},
		Logger:       zerolog.Nop(),
	})
	res, err := r.EmergencyPurge(context.Background(), criteria(time.Now().Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Transactions.Attempted || res.Transactions.Count != 3 || res.Transactions.Error != "ledger partial" {
		t.Errorf("transactions step %+v", res.Transactions)
	}
	if !res.Accounts.Attempted || res.Accounts.Count != 2 {
		t.Errorf("accounts step %+v", res.Accounts)
	}
}

// ─── Regulatory reporting ────────────────────────────────────────────────────

func TestRequiresRegulatoryReporting(t *testing.T) {
	reasons := []string{"data_breach", "regulatory_request"}
	tests := []struct {
		name string
		c    Criteria
		want bool
	}{
		{"breach flag", Criteria{Reason: "cleanup", DataBreach: true}, true},
		{"reportable reason", Criteria{Reason: "Regulatory_Request"}, true},
		{"ordinary", Criteria{Reason: "cleanup"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RequiresRegulatoryReporting(tt.c, reasons); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmergencyPurge_NotifiesRegulators(t *testing.T) {
	regs := &captureRegulators{}
	store := quarantine.NewMemoryStore()
	now := time.Now().UTC()
	seed(t, store, "c", threat.LevelCritical, now, quarantine.StatusQuarantined)
	r := NewResponder(Options{Store: store, Regulators: regs, Logger: zerolog.Nop()})

	c := criteria(now.Add(-time.Hour))
	c.DataBreach = true
	res, err := r.EmergencyPurge(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RegulatoryReported || len(regs.reports) != 1 {
		t.Fatalf("expected a regulator report, got %d", len(regs.reports))
	}
	if regs.reports[0].Details["purged"] != 1 || regs.reports[0].ID != res.ID {
		t.Errorf("unexpected report %+v", regs.reports[0])
	}
}

func TestEmergencyPurge_NoReportForOrdinaryReason(t *testing.T) {
	regs := &captureRegulators{}
	r := NewResponder(Options{
		Store:             quarantine.NewMemoryStore(),
		Regulators:        regs,
		ReportableReasons: []string{"fraud_ring"},
		Logger:            zerolog.Nop(),
	})
	res, err := r.EmergencyPurge(context.Background(), criteria(time.Now().Add(-time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if res.RegulatoryReported || len(regs.reports) != 0 {
		t.Fatal("ordinary purge must not report")
	}

	r.SetReportableReasons([]string{"incident"})
	if !r.RequiresRegulatoryReporting(criteria(time.Now())) {
		t.Error("updated reasons should apply")
	}
}

// ─── Crypto erase ────────────────────────────────────────────────────────────

func TestCryptoErase_RandomPerCall(t *testing.T) {
	a, err := cryptoErase("id", "same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := cryptoErase("id", "same")
	if err != nil {
		t.Fatal(err)
	}
	if a == b || a == "" {
		t.Fatalf("ciphertexts must differ: %q %q", a, b)
	}
}
