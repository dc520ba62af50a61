// Package sanitizer normalizes and bounds arbitrary JSON-like input before
// it reaches threat analysis. It is a shallow first line of defense, not an
// HTML sanitizer.
package sanitizer

import (
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/payload"
)

const ModuleName = "sanitizer"

// DepthExceeded replaces any value nested deeper than the configured
// maximum object depth.
const DepthExceeded = "[MAX_DEPTH_EXCEEDED]"

// MaxKeyLength caps sanitized map keys regardless of the string limit.
const MaxKeyLength = 100

// Sanitizer holds the current limits. Limits are swapped atomically on
// config reload, so Sanitize is safe for concurrent use.
type Sanitizer struct {
	limits atomic.Pointer[core.SanitizerConfig]
}

// New creates a Sanitizer with the given limits.
func New(cfg core.SanitizerConfig) *Sanitizer {
	s := &Sanitizer{}
	s.SetLimits(cfg)
	return s
}

// SetLimits replaces the active limits.
func (s *Sanitizer) SetLimits(cfg core.SanitizerConfig) {
	c := cfg
	s.limits.Store(&c)
}

// Limits returns the active limits.
func (s *Sanitizer) Limits() core.SanitizerConfig {
	return *s.limits.Load()
}

// Sanitize returns a cleaned copy of v with the same shape. The caller's
// value is never modified. Sanitize is idempotent.
func (s *Sanitizer) Sanitize(v interface{}) interface{} {
	l := s.Limits()
	keyMax := MaxKeyLength
	if l.MaxStringLength < keyMax {
		keyMax = l.MaxStringLength
	}

	rw := payload.Rewriter{
		MaxDepth:      l.MaxObjectDepth,
		DepthExceeded: DepthExceeded,
		String: func(_ payload.Path, str string) string {
			return CleanString(str, l.MaxStringLength)
		},
		Key: func(k string) string {
			return CleanString(k, keyMax)
		},
	}
	return rw.Rewrite(v)
}

// CleanString strips null bytes and angle brackets, collapses whitespace
// runs to a single space, trims, and truncates to maxLen runes. A
// non-positive maxLen disables truncation.
func CleanString(s string, maxLen int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	if strings.ContainsAny(s, "\x00<>") {
		s = stripper.Replace(s)
	}
	s = strings.Join(strings.Fields(s), " ")

	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		s = strings.TrimSpace(string([]rune(s)[:maxLen]))
	}
	return s
}

var stripper = strings.NewReplacer("\x00", "", "<", "", ">", "")
