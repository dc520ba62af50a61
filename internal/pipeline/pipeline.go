// Package pipeline is the request inspection entry point: every body, query
// and route-parameter bundle is sanitized and analyzed, CRITICAL verdicts are
// quarantined and rejected, and everything else continues cleansed.
package pipeline

import (
	"context"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/monitor"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/sanitizer"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/payload"
	"github.com/rs/zerolog"
)

// Bundle parts as named in analysis field paths.
const (
	PartBody   = "body"
	PartQuery  = "query"
	PartParams = "params"
)

// Bundle is the inspectable part of a request. Nil parts are skipped.
type Bundle struct {
	Body   interface{}            `json:"body,omitempty"`
	Query  map[string]interface{} `json:"query,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// sanitized sanitizes each part on its own, so depth limits apply per part,
// and joins them under their part names.
func (b Bundle) sanitized(s *sanitizer.Sanitizer) map[string]interface{} {
	v := make(map[string]interface{}, 3)
	if b.Body != nil {
		v[PartBody] = s.Sanitize(b.Body)
	}
	if len(b.Query) > 0 {
		v[PartQuery] = s.Sanitize(b.Query)
	}
	if len(b.Params) > 0 {
		v[PartParams] = s.Sanitize(b.Params)
	}
	return v
}

func bundleOf(v interface{}) Bundle {
	m, _ := v.(map[string]interface{})
	var b Bundle
	b.Body = m[PartBody]
	b.Query, _ = m[PartQuery].(map[string]interface{})
	b.Params, _ = m[PartParams].(map[string]interface{})
	return b
}

// ScanResult is attached to every request that passed inspection, and to
// rejections for server-side logging. It never carries matched text.
type ScanResult struct {
	RequestID      string             `json:"request_id"`
	Level          threat.Level       `json:"threat_level"`
	Score          float64            `json:"threat_score"`
	Confidence     float64            `json:"confidence"`
	FindingsCount  int                `json:"findings_count"`
	Categories     []string           `json:"categories"`
	Cleansed       bool               `json:"cleansed"`
	Audit          *threat.AuditTrail `json:"audit,omitempty"`
	QuarantineID   string             `json:"quarantine_id,omitempty"`
	RulesetVersion string             `json:"ruleset_version"`
	ScannedAt      time.Time          `json:"scanned_at"`
}

// Outcome is the result of Inspect. Bundle is the sanitized, cleansed
// replacement; it is empty for rejections.
type Outcome struct {
	Bundle Bundle
	Scan   *ScanResult
}

// Quarantiner isolates CRITICAL payloads. It must not block.
type Quarantiner interface {
	Quarantine(ctx context.Context, p interface{}, rc *core.RequestContext, analysis *threat.Result) (*quarantine.Record, error)
}

// ActivityRecorder receives every inspected request for the periodic sweep.
type ActivityRecorder interface {
	Record(a monitor.Activity)
}

// Options wires a Pipeline. Sanitizer and Analyzer are required.
type Options struct {
	Sanitizer    *sanitizer.Sanitizer
	Analyzer     *threat.Analyzer
	Quarantine   Quarantiner
	Activity     ActivityRecorder
	Audit        *core.AuditLog
	Metrics      *core.Metrics
	Logger       zerolog.Logger
	MaxBodyBytes int64
}

type Pipeline struct {
	sanitizer    *sanitizer.Sanitizer
	analyzer     *threat.Analyzer
	quarantine   Quarantiner
	activity     ActivityRecorder
	audit        *core.AuditLog
	metrics      *core.Metrics
	logger       zerolog.Logger
	maxBodyBytes int64
}

func New(opts Options) *Pipeline {
	if opts.Audit == nil {
		opts.Audit = core.NopAuditLog()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Pipeline{
		sanitizer:    opts.Sanitizer,
		analyzer:     opts.Analyzer,
		quarantine:   opts.Quarantine,
		activity:     opts.Activity,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "pipeline").Logger(),
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Inspect runs sanitize and analyze over the bundle. A CRITICAL verdict
// queues the sanitized bundle for quarantine and returns a
// KindSecurityViolation error; the rejection stands even when quarantine
// fails. Any other verdict returns the cleansed bundle.
func (p *Pipeline) Inspect(ctx context.Context, b Bundle, rc *core.RequestContext) (*Outcome, error) {
	if rc == nil {
		rc = &core.RequestContext{}
	}
	clean := b.sanitized(p.sanitizer)
	res := p.analyzer.Analyze(clean, rc)

	scan := &ScanResult{
		RequestID:      rc.RequestID,
		Level:          res.Level,
		Score:          res.Score,
		Confidence:     res.Confidence,
		FindingsCount:  len(res.Findings),
		Categories:     res.Categories(),
		RulesetVersion: res.RulesetVersion,
		ScannedAt:      res.AnalyzedAt,
	}
	p.observe(res)
	if p.activity != nil {
		p.activity.Record(monitor.Activity{Payload: payload.Redact(clean), Context: *rc})
	}

	if res.Level == threat.LevelCritical {
		return &Outcome{Scan: scan}, p.reject(ctx, clean, rc, res, scan)
	}

	if len(res.Findings) == 0 {
		return &Outcome{Bundle: bundleOf(clean), Scan: scan}, nil
	}

	cleansed, trail := threat.Cleanse(clean, res.Findings, res.Level)
	scan.Cleansed = true
	scan.Audit = &trail
	p.audit.Record(threat.ActionCleansed).
		Str("analysis_id", trail.AnalysisID).
		Str("request_id", rc.RequestID).
		Str("user_id", rc.UserID).
		Str("route", rc.Route).
		Str("threat_level", res.Level.String()).
		Int("findings_count", trail.FindingsCount).
		Strs("categories", scan.Categories).
		Msg("request payload cleansed")
	return &Outcome{Bundle: bundleOf(cleansed), Scan: scan}, nil
}

func (p *Pipeline) reject(ctx context.Context, clean map[string]interface{}, rc *core.RequestContext, res *threat.Result, scan *ScanResult) error {
	if p.quarantine != nil {
		rec, err := p.quarantine.Quarantine(ctx, clean, rc, res)
		if rec != nil {
			scan.QuarantineID = rec.ID
		}
		if err != nil {
			p.logger.Error().Err(err).Str("request_id", rc.RequestID).Msg("quarantine failed, request still rejected")
		}
	}

	patterns := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		patterns = append(patterns, f.Pattern)
	}
	p.audit.Record("request_rejected").
		Str("request_id", rc.RequestID).
		Str("user_id", rc.UserID).
		Str("ip", rc.IP).
		Str("route", rc.Route).
		Float64("threat_score", res.Score).
		Strs("categories", scan.Categories).
		Strs("patterns", patterns).
		Str("quarantine_id", scan.QuarantineID).
		Msg("critical threat rejected")
	p.logger.Warn().
		Str("request_id", rc.RequestID).
		Str("ip", rc.IP).
		Float64("threat_score", res.Score).
		Strs("categories", scan.Categories).
		Msg("critical threat rejected")

	return core.NewError(core.KindSecurityViolation, "pipeline.inspect", "critical threat detected", nil)
}

func (p *Pipeline) observe(res *threat.Result) {
	if p.metrics == nil {
		return
	}
	p.metrics.RequestsScanned.Inc()
	p.metrics.Verdicts.WithLabelValues(res.Level.String()).Inc()
	for _, f := range res.Findings {
		p.metrics.Findings.WithLabelValues(f.Category).Inc()
	}
}
