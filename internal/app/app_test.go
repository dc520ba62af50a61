package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/emergency"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/txguard"
	"github.com/1sec-project/bastion/internal/pipeline"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

const (
	criticalQuery = "1 UNION SELECT username, password FROM users"
	validBTC      = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
)

const customRules = `version: custom-1
categories:
  - name: sql_injection
    severity: 0.95
    patterns:
      - name: union_select
        regex: '(?i)union\s+select'
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func build(t *testing.T, cfg *core.Config, opts Options) *App {
	t.Helper()
	a, err := Build(cfg, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func emergencyCriteria(reason string) emergency.Criteria {
	return emergency.Criteria{Since: time.Now().Add(-time.Hour), Reason: reason, InitiatedBy: "ops"}
}

func quarantineCritical(t *testing.T, a *App) {
	t.Helper()
	_, err := a.Pipeline.Inspect(context.Background(), pipeline.Bundle{
		Query: map[string]interface{}{"q": criticalQuery},
	}, &core.RequestContext{RequestID: "req-1"})
	if core.KindOf(err) != core.KindSecurityViolation {
		t.Fatalf("expected rejection, got %v", err)
	}
	a.Quarantine.Wait()
}

// ─── Build ───────────────────────────────────────────────────────────────────

func TestBuild_Defaults(t *testing.T) {
	a := build(t, core.DefaultConfig(), Options{})

	if a.Engine.Registry.Count() != 2 {
		t.Errorf("expected quarantine sweeper and monitor, got %d modules", a.Engine.Registry.Count())
	}
	if a.Engine.Bus != nil {
		t.Error("bus is disabled by default")
	}
	quarantineCritical(t, a)

	recs, err := a.Store.Find(context.Background(), quarantine.Criteria{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(recs), err)
	}
	if a.Activity.Len() != 1 {
		t.Errorf("activity log = %d entries", a.Activity.Len())
	}
}

func TestBuild_WatcherRegistered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	writeFile(t, path, "")
	cfg := core.DefaultConfig()
	cfg.Monitor.Enabled = false
	a := build(t, cfg, Options{ConfigPath: path, Watch: true})

	if _, ok := a.Engine.Registry.Get("config_watcher"); !ok {
		t.Fatal("watcher not registered")
	}
	if a.Engine.Registry.Count() != 2 {
		t.Errorf("modules = %d", a.Engine.Registry.Count())
	}
}

func TestBuild_SQLiteBackendPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarantine.db")
	cfg := core.DefaultConfig()
	cfg.Quarantine.Backend = "sqlite"
	cfg.Quarantine.SQLitePath = path

	a, err := Build(cfg, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	quarantineCritical(t, a)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := quarantine.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.Find(context.Background(), quarantine.Criteria{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one persisted record, got %d (%v)", len(recs), err)
	}
}

func TestBuild_RedisScamListBlocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := core.DefaultConfig()
	cfg.Crypto.RedisURL = "redis://" + mr.Addr() + "/0"
	if _, err := mr.SAdd(cfg.Crypto.RedisKey, validBTC); err != nil {
		t.Fatal(err)
	}
	a := build(t, cfg, Options{})

	res := a.Crypto.ValidateCryptoTransaction(context.Background(), txguard.CryptoTransaction{
		Currency: "BTC", Address: validBTC, Amount: 0.5,
	})
	if !res.ShouldBlock {
		t.Fatalf("address in redis must block, got %+v", res)
	}
}

func TestBuild_InvalidRulesFile(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, rules, "version: broken\ncategories: []\n")
	cfg := core.DefaultConfig()
	cfg.Threat.RulesFile = rules

	if _, err := Build(cfg, zerolog.Nop(), Options{}); core.KindOf(err) != core.KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestReload_AppliesToComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bastion.yaml")
	writeFile(t, path, "")
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a := build(t, cfg, Options{ConfigPath: path})

	writeFile(t, path, `
threat:
  thresholds:
    low: 0.1
    medium: 0.5
    high: 0.7
    critical: 0.85
sanitizer:
  max_string_length: 500
  max_object_depth: 4
quarantine:
  retention: 48h
monitor:
  interval: 1m
crypto:
  scam_addresses: ["`+validBTC+`"]
emergency:
  reportable_reasons: [insider_threat]
`)
	changes, err := core.Reload(a.Engine, path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(changes) < 6 {
		t.Errorf("changes = %v", changes)
	}
	if a.Analyzer.Thresholds().Critical != 0.85 {
		t.Errorf("thresholds not applied: %+v", a.Analyzer.Thresholds())
	}
	if l := a.Sanitizer.Limits(); l.MaxStringLength != 500 || l.MaxObjectDepth != 4 {
		t.Errorf("sanitizer limits = %+v", l)
	}
	if a.Quarantine.Retention() != 48*time.Hour {
		t.Errorf("retention = %v", a.Quarantine.Retention())
	}
	if a.Monitor.Interval() != time.Minute {
		t.Errorf("monitor interval = %v", a.Monitor.Interval())
	}
	if ok, _ := a.ScamList.IsKnownScamAddress(context.Background(), validBTC); !ok {
		t.Error("scam list not replaced")
	}
	if !a.Emergency.RequiresRegulatoryReporting(emergencyCriteria("insider_threat")) {
		t.Error("reportable reasons not applied")
	}
}

func TestReload_HistoryRetentionFollowsVelocityWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	writeFile(t, path, "")
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a := build(t, cfg, Options{ConfigPath: path})
	if a.History.MaxAge() != 24*time.Hour {
		t.Fatalf("default retention = %v", a.History.MaxAge())
	}

	writeFile(t, path, "transactions:\n  velocity_window: 72h\n")
	changes, err := core.Reload(a.Engine, path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if a.History.MaxAge() != 72*time.Hour {
		t.Errorf("retention = %v, want 72h", a.History.MaxAge())
	}
	if !strings.Contains(strings.Join(changes, ";"), "history retention") {
		t.Errorf("changes = %v", changes)
	}
}

func TestReload_RulesFileSwapAndRejection(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	writeFile(t, rules, customRules)
	path := filepath.Join(dir, "bastion.yaml")
	writeFile(t, path, "")
	cfg, _ := core.LoadConfig(path)
	a := build(t, cfg, Options{ConfigPath: path})
	embedded := a.Analyzer.Ruleset().Version

	writeFile(t, path, "threat:\n  rules_file: "+rules+"\n")
	changes, err := core.Reload(a.Engine, path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if a.Analyzer.Ruleset().Version != "custom-1" || !strings.Contains(strings.Join(changes, ";"), "custom-1") {
		t.Fatalf("rules not swapped, changes=%v", changes)
	}

	writeFile(t, rules, "version: v2\ncategories:\n  - name: sql_injection\n    severity: 0.9\n    patterns:\n      - name: bad\n        regex: '(unclosed'\n")
	if _, err := core.Reload(a.Engine, path); core.KindOf(err) != core.KindConfig {
		t.Fatalf("expected config error for a bad regex, got %v", err)
	}
	if a.Analyzer.Ruleset().Version != "custom-1" {
		t.Error("a rejected rules file must keep the running ruleset")
	}

	writeFile(t, path, "")
	if _, err := core.Reload(a.Engine, path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if a.Analyzer.Ruleset().Version != embedded {
		t.Errorf("removing rules_file restores the embedded ruleset, got %s", a.Analyzer.Ruleset().Version)
	}
}

// ─── Guards ──────────────────────────────────────────────────────────────────

func TestGuards_RejectionRaisesFraudAlert(t *testing.T) {
	a := build(t, core.DefaultConfig(), Options{})
	fiat, _, _ := a.Guards()
	h := fiat(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(`{"amount":5000000,"currency":"USD","account":"ACC-1"}`))
	req.Header.Set(pipeline.HeaderUserID, "u-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	recent := a.Fraud.Recent(1)
	if len(recent) != 1 || recent[0].UserID != "u-1" {
		t.Fatalf("expected a fraud alert for u-1, got %+v", recent)
	}
	if a.Engine.Pipeline.Count() != 1 {
		t.Errorf("alert pipeline count = %d", a.Engine.Pipeline.Count())
	}
}
