package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/account"
	"github.com/1sec-project/bastion/internal/modules/fraud"
	"github.com/1sec-project/bastion/internal/modules/txguard"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const validBTC = "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"

type captureAlerts struct {
	mu    sync.Mutex
	calls []fraud.AlertData
}

func (c *captureAlerts) TriggerAlert(_ context.Context, d fraud.AlertData) *fraud.AlertRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, d)
	return &fraud.AlertRecord{ID: "a"}
}

func (c *captureAlerts) last() fraud.AlertData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

func (c *captureAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func post(h http.Handler, body string, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ─── TransactionGuard ────────────────────────────────────────────────────────

func newTxGuard(t *testing.T) (http.Handler, *captureAlerts, *core.Metrics) {
	t.Helper()
	history := txguard.NewMemoryHistory(0)
	v, err := txguard.NewValidator(core.DefaultConfig().Transactions, history, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	alerts := &captureAlerts{}
	m := core.NewMetrics()
	mw := TransactionGuard(v, history, GuardOptions{Alerts: alerts, Metrics: m, Logger: zerolog.Nop()})
	return mw(okHandler()), alerts, m
}

func TestTransactionGuard_VelocityTripsOnFourth(t *testing.T) {
	h, alerts, m := newTxGuard(t)
	body := `{"amount":100,"currency":"usd","account":"ACC-55512345"}`

	for i := 1; i <= 3; i++ {
		if rec := post(h, body, "u-1"); rec.Code != http.StatusOK {
			t.Fatalf("transaction %d: status %d body=%s", i, rec.Code, rec.Body.String())
		}
	}
	rec := post(h, body, "u-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("4th transaction: status %d, want 400", rec.Code)
	}
	if alerts.count() != 1 {
		t.Fatalf("expected one fraud alert, got %d", alerts.count())
	}
	a := alerts.last()
	if a.UserID != "u-1" || a.Severity != fraud.SeverityMedium {
		t.Errorf("unexpected alert %+v", a)
	}
	if got := testutil.ToFloat64(m.TransactionsRejected.WithLabelValues(RejectFiat)); got != 1 {
		t.Errorf("rejected metric = %v", got)
	}

	if rec := post(h, body, "u-2"); rec.Code != http.StatusOK {
		t.Errorf("velocity is per user, got %d", rec.Code)
	}
}

func TestTransactionGuard_OverLimit(t *testing.T) {
	h, alerts, _ := newTxGuard(t)
	rec := post(h, `{"amount":5000000,"currency":"EUR","account":"ACC-1"}`, "u")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if alerts.count() != 1 || alerts.last().TransactionID == "" {
		t.Error("expected an alert carrying a transaction id")
	}
}

func TestTransactionGuard_MalformedBody(t *testing.T) {
	h, alerts, _ := newTxGuard(t)
	rec := post(h, `not json`, "u")
	if rec.Code != http.StatusBadRequest || alerts.count() != 0 {
		t.Fatalf("status = %d alerts=%d", rec.Code, alerts.count())
	}
}

// ─── CryptoPayoutGuard ───────────────────────────────────────────────────────

func newCryptoGuard() (http.Handler, *captureAlerts) {
	cv := txguard.NewCryptoValidator(core.DefaultConfig().Crypto, txguard.NewStaticScamList(nil), zerolog.Nop())
	alerts := &captureAlerts{}
	return CryptoPayoutGuard(cv, GuardOptions{Alerts: alerts, Logger: zerolog.Nop()})(okHandler()), alerts
}

func TestCryptoPayoutGuard_Valid(t *testing.T) {
	h, alerts := newCryptoGuard()
	rec := post(h, `{"currency":"BTC","address":"`+validBTC+`","amount":0.5}`, "u")
	if rec.Code != http.StatusOK || alerts.count() != 0 {
		t.Fatalf("status = %d alerts=%d", rec.Code, alerts.count())
	}
}

func TestCryptoPayoutGuard_BadAddressBlocks(t *testing.T) {
	h, alerts := newCryptoGuard()
	rec := post(h, `{"currency":"BTC","address":"not-a-bitcoin-address","amount":0.5}`, "u")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeError(t, rec).Error != "security_violation" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if alerts.count() != 1 || alerts.last().Severity != fraud.SeverityCritical {
		t.Fatalf("expected a critical alert, got %+v", alerts.calls)
	}
}

func TestCryptoPayoutGuard_SoftRiskPasses(t *testing.T) {
	h, alerts := newCryptoGuard()
	rec := post(h, `{"currency":"BTC","address":"`+validBTC+`","amount":50}`, "u")
	if rec.Code != http.StatusOK {
		t.Fatalf("non-blocking risk must pass, got %d", rec.Code)
	}
	if alerts.count() != 1 || alerts.last().Severity != fraud.SeverityHigh {
		t.Errorf("expected a high alert, got %+v", alerts.calls)
	}
}

// ─── LoginGuard ──────────────────────────────────────────────────────────────

func newLoginGuard() (http.Handler, *captureAlerts) {
	histories := MemoryUserHistory{
		"u-1": account.UserHistory{
			TrustedIPs:   []string{"192.0.2.0/24"},
			KnownDevices: []string{"dev-1"},
		},
	}
	alerts := &captureAlerts{}
	mfa := core.DefaultConfig().MFA
	mw := LoginGuard(histories, func() core.MFAConfig { return mfa }, GuardOptions{Alerts: alerts, Logger: zerolog.Nop()})
	return mw(okHandler()), alerts
}

func login(h http.Handler, body, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoginGuard(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		remote    string
		status    int
		challenge bool
		alerts    int
	}{
		{
			name:   "trusted ip and device",
			body:   `{"user_id":"u-1","device_fingerprint":"dev-1"}`,
			remote: "192.0.2.10:4000",
			status: http.StatusOK,
		},
		{
			name:      "untrusted ip requires mfa",
			body:      `{"user_id":"u-1","device_fingerprint":"dev-1"}`,
			remote:    "203.0.113.5:4000",
			status:    http.StatusUnauthorized,
			challenge: true,
		},
		{
			name:   "untrusted ip and new device blocks",
			body:   `{"user_id":"u-1","device_fingerprint":"dev-9"}`,
			remote: "203.0.113.5:4000",
			status: http.StatusUnauthorized,
			alerts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, alerts := newLoginGuard()
			rec := login(h, tt.body, tt.remote)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get(HeaderMFAChallenge) != ""; got != tt.challenge {
				t.Errorf("challenge header present = %v, want %v", got, tt.challenge)
			}
			if alerts.count() != tt.alerts {
				t.Errorf("alerts = %d, want %d", alerts.count(), tt.alerts)
			}
		})
	}
}

func TestLoginGuard_ChallengeListsMethods(t *testing.T) {
	h, _ := newLoginGuard()
	rec := login(h, `{"user_id":"u-1","device_fingerprint":"dev-1"}`, "203.0.113.5:4000")
	got := rec.Header().Get(HeaderMFAChallenge)
	if !strings.Contains(got, "totp") || !strings.Contains(got, "timeout=300") {
		t.Errorf("unexpected challenge %q", got)
	}
	if decodeError(t, rec).Error != "unauthorized" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
