package core

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// LogEntry is one captured log line. Level, component and message are
// filled when the line is zerolog JSON.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

// LogBuffer keeps the newest log lines for the operator API. It is an
// io.Writer so it can sit behind a zerolog logger.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	pos     int
	full    bool
}

// NewLogBuffer holds up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	entry := parseLogLine(p)

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % len(b.entries)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

func parseLogLine(p []byte) LogEntry {
	line := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now().UTC(), Message: line}

	var fields struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
	}
	if err := json.Unmarshal(p, &fields); err != nil {
		entry.Raw = line
		return entry
	}
	if !fields.Time.IsZero() {
		entry.Timestamp = fields.Time.UTC()
	}
	entry.Level = fields.Level
	entry.Component = fields.Component
	entry.Message = fields.Message
	return entry
}

// Entries returns up to n of the newest entries, oldest first.
func (b *LogBuffer) Entries(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = len(b.entries)
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		return []LogEntry{}
	}

	out := make([]LogEntry, n)
	start := b.pos - n
	if start < 0 {
		start += len(b.entries)
	}
	for i := range out {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Tee writes to w and the buffer.
func (b *LogBuffer) Tee(w io.Writer) io.Writer {
	return io.MultiWriter(w, b)
}
