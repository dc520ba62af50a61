package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/bastion/internal/app"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const criticalQuery = "1 UNION SELECT username, password FROM users"

// ─── Helpers ─────────────────────────────────────────────────────────────────

// testServer builds a full app around cfg. mutate may adjust the defaults.
func testServer(t *testing.T, mutate func(cfg *core.Config), opts app.Options) (*Server, *app.App) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Monitor.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.Build(cfg, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("app.Build: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return NewServer(a), a
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

func jsonBody(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// ─── Health / Metrics ────────────────────────────────────────────────────────

func TestHandleHealth_GET(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	w := do(t, s, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHandleHealth_MethodNotAllowed(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	if w := do(t, s, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bastion_requests_scanned_total") {
		t.Error("metrics output missing bastion_requests_scanned_total")
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	s, _ := testServer(t, func(cfg *core.Config) { cfg.Server.APIKeys = []string{"secret-key"} }, app.Options{})

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"health bypasses auth", "/health", nil, http.StatusOK},
		{"missing key", "/api/v1/status", nil, http.StatusUnauthorized},
		{"invalid bearer", "/api/v1/status", map[string]string{"Authorization": "Bearer wrong"}, http.StatusForbidden},
		{"valid bearer", "/api/v1/status", map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
		{"valid X-API-Key", "/api/v1/status", map[string]string{"X-API-Key": "secret-key"}, http.StatusOK},
		{"invalid X-API-Key", "/api/v1/status", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"metrics need a key", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, s, http.MethodGet, tt.path, "", tt.headers); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuth_OpenModeWithoutKeys(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	if w := do(t, s, http.MethodGet, "/api/v1/status", "", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// ─── CORS / Rate limit ───────────────────────────────────────────────────────

func TestCORS(t *testing.T) {
	s, _ := testServer(t, func(cfg *core.Config) {
		cfg.Server.CORSOrigins = []string{"https://ops.example.com"}
	}, app.Options{})

	w := do(t, s, http.MethodGet, "/health", "", map[string]string{"Origin": "https://ops.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("allowed origin header = %q", got)
	}

	w = do(t, s, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("blocked origin must not be echoed, got %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	s, _ := testServer(t, func(cfg *core.Config) { cfg.Server.CORSOrigins = []string{"*"} }, app.Options{})
	w := do(t, s, http.MethodOptions, "/api/v1/scan", "", map[string]string{
		"Origin":                        "https://any.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("preflight missing Access-Control-Allow-Origin")
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := testServer(t, func(cfg *core.Config) { cfg.Server.RateLimit = 2 }, app.Options{})
	var last int
	for i := 0; i < 3; i++ {
		last = do(t, s, http.MethodGet, "/health", "", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want %d", last, http.StatusTooManyRequests)
	}
}

// ─── Scan ────────────────────────────────────────────────────────────────────

func TestHandleScan_DoesNotQuarantine(t *testing.T) {
	s, a := testServer(t, nil, app.Options{})
	body := jsonBody(t, map[string]interface{}{
		"payload": map[string]interface{}{"search": criticalQuery},
	})
	w := do(t, s, http.MethodPost, "/api/v1/scan", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res struct {
		Level    string                   `json:"threat_level"`
		Findings []map[string]interface{} `json:"findings"`
	}
	decode(t, w, &res)
	if res.Level != "CRITICAL" || len(res.Findings) == 0 {
		t.Errorf("unexpected scan result %+v", res)
	}

	a.Quarantine.Wait()
	recs, _ := a.Quarantine.Find(t.Context(), quarantine.Criteria{})
	if len(recs) != 0 {
		t.Errorf("scan must not quarantine, got %d records", len(recs))
	}
}

func TestHandleScan_Rejects(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{not json"},
		{"missing payload", `{"context":{"request_id":"r-1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/api/v1/scan", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", w.Code)
			}
			var body core.ErrorBody
			decode(t, w, &body)
			if body.Error != "validation_error" {
				t.Errorf("error = %q", body.Error)
			}
		})
	}
}

// ─── Inspect / Quarantine ────────────────────────────────────────────────────

func inspectCritical(t *testing.T, s *Server, a *app.App) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/inspect", jsonBody(t, map[string]string{"q": criticalQuery}), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("critical payload status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if strings.Contains(w.Body.String(), "UNION") {
		t.Error("rejection body must not echo the payload")
	}
	a.Quarantine.Wait()
}

func TestInspect_CleanPayloadAccepted(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	w := do(t, s, http.MethodPost, "/api/v1/inspect", `{"name":"alice","note":"hello"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body struct {
		Status string                 `json:"status"`
		Body   map[string]interface{} `json:"body"`
		Scan   map[string]interface{} `json:"scan"`
	}
	decode(t, w, &body)
	if body.Status != "accepted" || body.Body["name"] != "alice" {
		t.Errorf("unexpected body %+v", body)
	}
	if body.Scan["threat_level"] != "NONE" {
		t.Errorf("scan = %+v", body.Scan)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id header not set")
	}
}

func TestQuarantine_ListGetPurge(t *testing.T) {
	s, a := testServer(t, nil, app.Options{})
	inspectCritical(t, s, a)

	w := do(t, s, http.MethodGet, "/api/v1/quarantine?min_level=critical", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Records []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"records"`
		Total int `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 || list.Records[0].Status != "QUARANTINED" {
		t.Fatalf("unexpected list %+v", list)
	}

	if w := do(t, s, http.MethodGet, "/api/v1/quarantine/"+list.Records[0].ID, "", nil); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/quarantine/does-not-exist", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", w.Code)
	}

	w = do(t, s, http.MethodPost, "/api/v1/quarantine/purge", `{"status":"QUARANTINED"}`, nil)
	var purged map[string]int
	decode(t, w, &purged)
	if w.Code != http.StatusOK || purged["purged"] != 1 {
		t.Fatalf("purge status = %d, body = %v", w.Code, purged)
	}

	w = do(t, s, http.MethodGet, "/api/v1/quarantine?status=purged", "", nil)
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("purged records = %d, want 1", list.Total)
	}
}

func TestQuarantine_BadCriteria(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	for _, q := range []string{"min_level=extreme", "since=yesterday"} {
		if w := do(t, s, http.MethodGet, "/api/v1/quarantine?"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

// ─── Emergency ───────────────────────────────────────────────────────────────

func TestEmergencyPurge(t *testing.T) {
	s, a := testServer(t, nil, app.Options{})
	inspectCritical(t, s, a)

	body := jsonBody(t, map[string]interface{}{
		"since":        time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		"reason":       "data_breach",
		"data_breach":  true,
		"initiated_by": "ops-oncall",
	})
	w := do(t, s, http.MethodPost, "/api/v1/emergency/purge", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res struct {
		Purged             int  `json:"purged"`
		Failed             int  `json:"failed"`
		RegulatoryReported bool `json:"regulatory_reported"`
	}
	decode(t, w, &res)
	if res.Purged != 1 || res.Failed != 0 || !res.RegulatoryReported {
		t.Errorf("unexpected results %+v", res)
	}
}

func TestEmergencyPurge_InvalidCriteria(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	if w := do(t, s, http.MethodPost, "/api/v1/emergency/purge", `{"reason":"data_breach"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ─── Guards / Alerts ─────────────────────────────────────────────────────────

func TestGuardTransfers_RaisesFraudAlert(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	w := do(t, s, http.MethodPost, "/api/v1/guard/transfers",
		`{"amount":5000000,"currency":"USD","account":"ACC-1"}`,
		map[string]string{"X-User-ID": "u-9"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/api/v1/fraud/alerts?limit=5", "", nil)
	var fraudAlerts struct {
		Alerts []struct {
			UserID string `json:"user_id"`
		} `json:"alerts"`
	}
	decode(t, w, &fraudAlerts)
	if len(fraudAlerts.Alerts) != 1 || fraudAlerts.Alerts[0].UserID != "u-9" {
		t.Fatalf("fraud alerts = %+v", fraudAlerts)
	}

	w = do(t, s, http.MethodGet, "/api/v1/alerts", "", nil)
	var alerts struct {
		Total int `json:"total"`
	}
	decode(t, w, &alerts)
	if alerts.Total != 1 {
		t.Errorf("pipeline alerts = %d, want 1", alerts.Total)
	}
}

func TestHandleBreakers(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	w := do(t, s, http.MethodGet, "/api/v1/breakers", "", nil)
	var body struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	decode(t, w, &body)
	found := false
	for _, b := range body.Breakers {
		if b.Name == app.BreakerHistory {
			found = true
		}
	}
	if !found {
		t.Errorf("breakers = %+v, want %s listed", body.Breakers, app.BreakerHistory)
	}
}

// ─── Logs / Reload ───────────────────────────────────────────────────────────

func TestHandleLogs(t *testing.T) {
	logs := core.NewLogBuffer(10)
	s, _ := testServer(t, nil, app.Options{Logs: logs})
	logger := zerolog.New(logs)
	logger.Info().Str("component", "test").Msg("line one")
	logger.Info().Str("component", "test").Msg("line two")

	w := do(t, s, http.MethodGet, "/api/v1/logs?limit=1", "", nil)
	var body struct {
		Logs []core.LogEntry `json:"logs"`
	}
	decode(t, w, &body)
	if len(body.Logs) != 1 || body.Logs[0].Message != "line two" {
		t.Errorf("logs = %+v", body.Logs)
	}
}

func TestHandleReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastion.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := app.Build(cfg, zerolog.Nop(), app.Options{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	s := NewServer(a)

	if err := os.WriteFile(path, []byte("sanitizer:\n  max_string_length: 64\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w := do(t, s, http.MethodPost, "/api/v1/config/reload", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if a.Sanitizer.Limits().MaxStringLength != 64 {
		t.Errorf("sanitizer limit = %d", a.Sanitizer.Limits().MaxStringLength)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/config/reload", "", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid reload status = %d, want 422", w.Code)
	}
}

func TestHandleReload_NoConfigPath(t *testing.T) {
	s, _ := testServer(t, nil, app.Options{})
	if w := do(t, s, http.MethodPost, "/api/v1/config/reload", "", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}
