package core

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestAlert(severity Severity) *Alert {
	event := NewSecurityEvent("fraud_alerts", "transaction_validation", severity, "summary")
	return NewAlert(event, "Title", "Desc")
}

// ─── Alert ──────────────────────────────────────────────────────────────────

func TestNewAlert_FromEvent(t *testing.T) {
	event := NewSecurityEvent("fraud_alerts", "login_anomaly", SeverityHigh, "summary")
	a := NewAlert(event, "Login blocked", "risk 0.85")
	if a.ID == "" || a.ID == event.ID {
		t.Errorf("alert needs its own id, got %q", a.ID)
	}
	if a.Module != event.Module || a.Severity != SeverityHigh || a.Type != "login_anomaly" {
		t.Errorf("unexpected alert %+v", a)
	}
	if len(a.EventIDs) != 1 || a.EventIDs[0] != event.ID {
		t.Errorf("EventIDs = %v", a.EventIDs)
	}
}

// ─── AlertPipeline ──────────────────────────────────────────────────────────

func TestAlertPipeline_DefaultMaxStore(t *testing.T) {
	if p := NewAlertPipeline(zerolog.Nop(), 0); p.maxStore != 1000 {
		t.Errorf("maxStore = %d, want 1000", p.maxStore)
	}
}

func TestAlertPipeline_HandlersCalled(t *testing.T) {
	p := NewAlertPipeline(zerolog.Nop(), 10)
	var called int
	p.AddHandler(func(*Alert) { called++ })
	p.AddHandler(func(*Alert) { called++ })
	p.Process(newTestAlert(SeverityLow))

	if called != 2 || p.Count() != 1 {
		t.Errorf("called=%d count=%d", called, p.Count())
	}
}

func TestAlertPipeline_HandlerPanicRecovered(t *testing.T) {
	p := NewAlertPipeline(zerolog.Nop(), 10)
	var after bool
	p.AddHandler(func(*Alert) { panic("bad sink") })
	p.AddHandler(func(*Alert) { after = true })
	p.Process(newTestAlert(SeverityHigh))

	if !after {
		t.Error("handler after a panicking one must still run")
	}
}

func TestAlertPipeline_RecentNewestFirstAndEvicts(t *testing.T) {
	p := NewAlertPipeline(zerolog.Nop(), 3)
	var ids []string
	for i := 0; i < 5; i++ {
		a := newTestAlert(SeverityMedium)
		ids = append(ids, a.ID)
		p.Process(a)
	}
	if p.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", p.Count())
	}
	got := p.Recent(2)
	if len(got) != 2 || got[0].ID != ids[4] || got[1].ID != ids[3] {
		t.Errorf("Recent(2) wrong order")
	}
	if len(p.Recent(0)) != 3 {
		t.Error("Recent(0) returns every retained alert")
	}
}

func TestAlertPipeline_ConcurrentAccess(t *testing.T) {
	p := NewAlertPipeline(zerolog.Nop(), 50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Process(newTestAlert(SeverityLow))
		}()
		go func() {
			defer wg.Done()
			p.Recent(5)
		}()
	}
	wg.Wait()
	if p.Count() != 20 {
		t.Errorf("Count() = %d, want 20", p.Count())
	}
}
