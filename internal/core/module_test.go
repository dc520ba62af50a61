package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// mockModule records lifecycle calls into a shared log.
type mockModule struct {
	name     string
	startErr error
	stopErr  error
	log      *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (m *mockModule) Name() string { return m.name }

func (m *mockModule) Start(_ context.Context) error {
	if m.log != nil {
		m.log.add("start:" + m.name)
	}
	return m.startErr
}

func (m *mockModule) Stop() error {
	if m.log != nil {
		m.log.add("stop:" + m.name)
	}
	return m.stopErr
}

func newMockModule(name string, log *callLog) *mockModule {
	return &mockModule{name: name, log: log}
}

func newRegistry() *ModuleRegistry {
	return NewModuleRegistry(zerolog.Nop())
}

func equalCalls(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── Register ────────────────────────────────────────────────────────────────

func TestModuleRegistry_Register(t *testing.T) {
	r := newRegistry()
	if err := r.Register(newMockModule("monitor", nil)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestModuleRegistry_Register_Duplicate(t *testing.T) {
	r := newRegistry()
	mod := newMockModule("dup", nil)
	r.Register(mod)
	if err := r.Register(mod); err == nil {
		t.Error("expected error when registering duplicate module name")
	}
}

// ─── Get / All ───────────────────────────────────────────────────────────────

func TestModuleRegistry_Get(t *testing.T) {
	r := newRegistry()
	r.Register(newMockModule("found", nil))

	got, ok := r.Get("found")
	if !ok || got.Name() != "found" {
		t.Fatalf("Get(found) = %v, %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) ok=true, want false")
	}
}

func TestModuleRegistry_All_OrderPreserved(t *testing.T) {
	r := newRegistry()
	names := []string{"z", "a", "m", "b"}
	for _, n := range names {
		r.Register(newMockModule(n, nil))
	}
	all := r.All()
	if len(all) != len(names) {
		t.Fatalf("All() returned %d modules, want %d", len(all), len(names))
	}
	for i, mod := range all {
		if mod.Name() != names[i] {
			t.Errorf("all[%d].Name() = %q, want %q", i, mod.Name(), names[i])
		}
	}
}

// ─── StartAll / StopAll ──────────────────────────────────────────────────────

func TestModuleRegistry_StartStopOrder(t *testing.T) {
	log := &callLog{}
	r := newRegistry()
	for _, n := range []string{"first", "second", "third"} {
		r.Register(newMockModule(n, log))
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error: %v", err)
	}
	r.StopAll()

	want := []string{
		"start:first", "start:second", "start:third",
		"stop:third", "stop:second", "stop:first",
	}
	if got := log.get(); !equalCalls(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestModuleRegistry_StartAll_FailureStopsStarted(t *testing.T) {
	log := &callLog{}
	r := newRegistry()
	r.Register(newMockModule("ok", log))
	r.Register(&mockModule{name: "boom", startErr: errors.New("startup failure"), log: log})
	r.Register(newMockModule("never", log))

	if err := r.StartAll(context.Background()); err == nil {
		t.Fatal("expected StartAll() to propagate module start error")
	}
	want := []string{"start:ok", "start:boom", "stop:ok"}
	if got := log.get(); !equalCalls(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	r.StopAll()
	if got := log.get(); len(got) != len(want) {
		t.Errorf("StopAll after a failed start must not stop again: %v", got)
	}
}

func TestModuleRegistry_StopAll_ErrorContinues(t *testing.T) {
	log := &callLog{}
	r := newRegistry()
	r.Register(&mockModule{name: "err1", stopErr: errors.New("stop fail"), log: log})
	r.Register(&mockModule{name: "err2", stopErr: errors.New("stop fail 2"), log: log})
	r.StartAll(context.Background())
	r.StopAll()

	if got := log.get(); len(got) != 4 {
		t.Errorf("every module must be stopped, calls = %v", got)
	}
}

func TestModuleRegistry_ConcurrentRead(t *testing.T) {
	r := newRegistry()
	for i := 0; i < 5; i++ {
		r.Register(newMockModule(string(rune('a'+i)), nil))
	}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.All()
			r.Count()
		}()
	}
	wg.Wait()
}
