// Package threat scans sanitized input for categorized malicious patterns,
// scores the result, and produces cleansed copies of flagged payloads.
package threat

import (
	"math"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/payload"
	"github.com/rs/zerolog"
)

const ModuleName = "threat_analyzer"

// Finding is a single pattern match on a single field.
type Finding struct {
	Category  string       `json:"category"`
	Pattern   string       `json:"pattern"`
	Field     string       `json:"field"`
	Path      payload.Path `json:"path"`
	Match     string       `json:"match"`
	Encoded   bool         `json:"encoded,omitempty"`
	Severity  float64      `json:"severity"`
	Timestamp time.Time    `json:"timestamp"`

	re *regexp.Regexp
}

// Result is the outcome of analyzing one request payload.
type Result struct {
	Findings        []Finding            `json:"findings"`
	Score           float64              `json:"threat_score"`
	Level           Level                `json:"threat_level"`
	Confidence      float64              `json:"confidence"`
	Recommendations []string             `json:"recommendations"`
	RulesetVersion  string               `json:"ruleset_version"`
	AnalyzedAt      time.Time            `json:"analyzed_at"`
	Context         *core.RequestContext `json:"context,omitempty"`
}

// Categories returns the distinct categories present, in first-seen order.
func (r *Result) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range r.Findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, f.Category)
		}
	}
	return out
}

// HasCategory reports whether any finding belongs to cat.
func (r *Result) HasCategory(cat string) bool {
	for _, f := range r.Findings {
		if f.Category == cat {
			return true
		}
	}
	return false
}

// Analyzer holds the active ruleset and thresholds. Both are swapped
// atomically on reload; Analyze has no other shared state.
type Analyzer struct {
	logger     zerolog.Logger
	rules      atomic.Pointer[Ruleset]
	thresholds atomic.Pointer[core.ThresholdConfig]
}

// NewAnalyzer creates an Analyzer. A nil ruleset selects the embedded default.
func NewAnalyzer(rs *Ruleset, th core.ThresholdConfig, logger zerolog.Logger) *Analyzer {
	a := &Analyzer{logger: logger.With().Str("component", ModuleName).Logger()}
	if rs == nil {
		rs = DefaultRuleset()
	}
	a.rules.Store(rs)
	a.SetThresholds(th)
	return a
}

// SetRuleset swaps the active ruleset. In-flight analyses finish on the old one.
func (a *Analyzer) SetRuleset(rs *Ruleset) {
	if rs == nil {
		return
	}
	old := a.rules.Swap(rs)
	a.logger.Info().
		Str("old_version", old.Version).
		Str("new_version", rs.Version).
		Int("patterns", rs.PatternCount()).
		Msg("threat ruleset swapped")
}

// SetThresholds swaps the active level thresholds.
func (a *Analyzer) SetThresholds(th core.ThresholdConfig) {
	t := th
	a.thresholds.Store(&t)
}

// Ruleset returns the active ruleset.
func (a *Analyzer) Ruleset() *Ruleset { return a.rules.Load() }

// Thresholds returns the active thresholds.
func (a *Analyzer) Thresholds() core.ThresholdConfig { return *a.thresholds.Load() }

// Analyze visits every string field of v and tests it against every pattern
// of every category. A non-container root yields an empty result.
func (a *Analyzer) Analyze(v interface{}, rc *core.RequestContext) *Result {
	rs := a.rules.Load()
	th := *a.thresholds.Load()
	now := time.Now().UTC()

	res := &Result{
		Findings:       []Finding{},
		RulesetVersion: rs.Version,
		AnalyzedAt:     now,
		Context:        rc,
	}

	if payload.IsContainer(v) {
		payload.Walk(v, func(path payload.Path, s string) {
			if s == "" {
				return
			}
			res.Findings = append(res.Findings, scanField(rs, path, s, now)...)
		})
	}

	for _, f := range res.Findings {
		res.Score += f.Severity
	}
	res.Level = Classify(res.Score, th)
	res.Confidence = Confidence(len(res.Findings))
	res.Recommendations = recommendations(rs, res)

	if len(res.Findings) > 0 {
		a.logger.Debug().
			Int("findings", len(res.Findings)).
			Float64("score", res.Score).
			Str("level", res.Level.String()).
			Msg("threat analysis flagged payload")
	}
	return res
}

// scanField runs every pattern against the literal value first and, when
// that misses, against the normalized value.
func scanField(rs *Ruleset, path payload.Path, s string, now time.Time) []Finding {
	normalized := normalizeInput(s)
	var out []Finding
	for _, c := range rs.compiled {
		for _, p := range c.patterns {
			match, encoded := "", false
			if loc := p.Regex.FindStringIndex(s); loc != nil && loc[1] > loc[0] {
				match = s[loc[0]:loc[1]]
			} else if normalized != s {
				if loc := p.Regex.FindStringIndex(normalized); loc != nil && loc[1] > loc[0] {
					match, encoded = normalized[loc[0]:loc[1]], true
				}
			}
			if match == "" {
				continue
			}
			out = append(out, Finding{
				Category:  p.Category,
				Pattern:   p.Name,
				Field:     path.String(),
				Path:      path,
				Match:     match,
				Encoded:   encoded,
				Severity:  p.Severity,
				Timestamp: now,
				re:        p.Regex,
			})
		}
	}
	return out
}

// Confidence grows with finding count: 0.6 for one finding, approaching 1.
func Confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - math.Pow(0.4, float64(n))
}

func recommendations(rs *Ruleset, res *Result) []string {
	var out []string
	switch res.Level {
	case LevelCritical:
		out = append(out, "Reject the request and quarantine the payload", "Escalate to the security team")
	case LevelHigh:
		out = append(out, "Require additional verification before processing")
	case LevelMedium:
		out = append(out, "Monitor the session for repeated attempts")
	}
	for _, cat := range res.Categories() {
		if rec := rs.Recommendation(cat); rec != "" {
			out = append(out, rec)
		}
	}
	return out
}
