package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_StartRunsModulesAndUptime(t *testing.T) {
	e := NewEngine(DefaultConfig(), "", zerolog.Nop())
	log := &callLog{}
	e.Registry.Register(newMockModule("monitor", log))

	if e.Uptime() != 0 {
		t.Error("uptime must be zero before start")
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if e.Uptime() <= 0 {
		t.Error("uptime must be positive after start")
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"start:monitor", "stop:monitor"}
	if got := log.get(); !equalCalls(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	select {
	case <-e.Context().Done():
	default:
		t.Error("engine context must be cancelled on shutdown")
	}
}

func TestEngine_RunReturnsOnContextCancel(t *testing.T) {
	e := NewEngine(DefaultConfig(), "", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_ConnectBusDisabledIsNoop(t *testing.T) {
	e := NewEngine(DefaultConfig(), "", zerolog.Nop())
	if err := e.ConnectBus(); err != nil {
		t.Fatalf("ConnectBus: %v", err)
	}
	if e.Bus != nil {
		t.Error("bus must stay nil when disabled")
	}
}

func TestEngine_ConnectBusEmbedded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.DataDir = filepath.Join(t.TempDir(), "nats")

	e := NewEngine(cfg, "", zerolog.Nop())
	if err := e.ConnectBus(); err != nil {
		t.Fatalf("ConnectBus: %v", err)
	}
	defer e.Shutdown()
	if e.Bus == nil || !e.Bus.IsConnected() {
		t.Fatal("expected a connected bus")
	}
	if err := e.Bus.PublishEvent(NewSecurityEvent("quarantine", "record_quarantined", SeverityHigh, "test")); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if got := testutil.ToFloat64(e.Metrics.BusMessages.WithLabelValues("event", "published")); got != 1 {
		t.Errorf("published events = %v", got)
	}
}
