package txguard

import (
	"context"
	"sync"
	"time"
)

// HistoryEntry is one past transaction as seen by the velocity check.
type HistoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryProvider returns the user's transactions inside the trailing window.
type HistoryProvider interface {
	RecentTransactions(ctx context.Context, userID string, window time.Duration) ([]HistoryEntry, error)
}

// HistoryRecorder is implemented by providers that accept new transactions.
type HistoryRecorder interface {
	Record(ctx context.Context, e HistoryEntry) error
}

// MemoryHistory is an in-process HistoryProvider. Entries older than
// maxAge are dropped lazily on Record.
type MemoryHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
	maxAge  time.Duration
	now     func() time.Time
}

// NewMemoryHistory keeps entries for maxAge (one hour when zero).
func NewMemoryHistory(maxAge time.Duration) *MemoryHistory {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &MemoryHistory{
		entries: make(map[string][]HistoryEntry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetMaxAge changes how long entries are kept. A shorter age takes effect
// on each user's next Record.
func (h *MemoryHistory) SetMaxAge(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.maxAge = d
	h.mu.Unlock()
}

// MaxAge returns the current retention.
func (h *MemoryHistory) MaxAge() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxAge
}

func (h *MemoryHistory) Record(_ context.Context, e HistoryEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.maxAge)
	kept := h.entries[e.UserID][:0]
	for _, old := range h.entries[e.UserID] {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	h.entries[e.UserID] = append(kept, e)
	return nil
}

func (h *MemoryHistory) RecentTransactions(_ context.Context, userID string, window time.Duration) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-window)
	var out []HistoryEntry
	for _, e := range h.entries[userID] {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
