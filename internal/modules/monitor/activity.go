package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/google/uuid"
)

// Activity is one inspected request as kept for the periodic sweep. Payload
// is the sanitized form.
type Activity struct {
	ID        string              `json:"id"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   interface{}         `json:"payload"`
	Context   core.RequestContext `json:"context"`
}

// ActivitySource returns activity at or after since, oldest first. The
// returned slice must not share state with the source.
type ActivitySource interface {
	RecentActivity(ctx context.Context, since time.Time) ([]Activity, error)
}

// ActivityLog is a fixed-size ring buffer of recent activity.
type ActivityLog struct {
	mu      sync.RWMutex
	entries []Activity
	maxSize int
	pos     int
	full    bool
}

// NewActivityLog creates a buffer that holds up to maxSize entries.
func NewActivityLog(maxSize int) *ActivityLog {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &ActivityLog{
		entries: make([]Activity, maxSize),
		maxSize: maxSize,
	}
}

// Record appends an entry, evicting the oldest when full.
func (b *ActivityLog) Record(a Activity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.entries[b.pos] = a
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Len returns the number of stored entries.
func (b *ActivityLog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.maxSize
	}
	return b.pos
}

// Recent returns the entries at or after since in chronological order.
func (b *ActivityLog) Recent(since time.Time) []Activity {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	start := 0
	if b.full {
		total = b.maxSize
		start = b.pos
	}

	out := make([]Activity, 0)
	for i := 0; i < total; i++ {
		a := b.entries[(start+i)%b.maxSize]
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out
}

func (b *ActivityLog) RecentActivity(_ context.Context, since time.Time) ([]Activity, error) {
	return b.Recent(since), nil
}
