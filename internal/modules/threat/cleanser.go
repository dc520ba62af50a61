package threat

import (
	"regexp"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/payload"
	"github.com/google/uuid"
)

// ActionCleansed tags audit trails written by Cleanse.
const ActionCleansed = "data_cleansed"

// AuditTrail records one cleansing pass.
type AuditTrail struct {
	Timestamp     time.Time `json:"timestamp"`
	Action        string    `json:"action"`
	AnalysisID    string    `json:"analysis_id"`
	FindingsCount int       `json:"findings_count"`
	Level         Level     `json:"threat_level"`
}

// Cleanse returns a deep copy of v with every matched fragment removed from
// the field it was found in. Findings whose path no longer resolves are
// skipped. The input is never modified.
func Cleanse(v interface{}, findings []Finding, level Level) (interface{}, AuditTrail) {
	out := payload.Clone(v)

	var order []string
	groups := make(map[string][]Finding)
	for _, f := range findings {
		key := f.Path.String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	for _, key := range order {
		group := groups[key]
		payload.UpdateString(out, group[0].Path, func(s string) string {
			return cleanseField(s, group)
		})
	}

	return out, AuditTrail{
		Timestamp:     time.Now().UTC(),
		Action:        ActionCleansed,
		AnalysisID:    uuid.NewString(),
		FindingsCount: len(findings),
		Level:         level,
	}
}

// cleanseField removes every match until none remain. The literal matches go
// first; then each finding's pattern is re-run on the result, so fragments
// that reassemble into a new hit (different case or spacing) go as well.
func cleanseField(s string, group []Finding) string {
	decoded := false
	matches := make([]string, 0, len(group)*2)
	var patterns []*regexp.Regexp
	for _, f := range group {
		if f.re != nil {
			patterns = append(patterns, f.re)
		}
		if f.Match == "" {
			continue
		}
		matches = append(matches, f.Match)
		if f.Encoded {
			decoded = true
		}
	}
	if decoded {
		// Decoding also changes literal matches, so both forms are removed.
		s = decodedForm(s)
		literal := len(matches)
		for i := 0; i < literal; i++ {
			if d := decodedForm(matches[i]); d != "" && d != matches[i] {
				matches = append(matches, d)
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, m := range matches {
			if strings.Contains(s, m) {
				s = strings.ReplaceAll(s, m, "")
				changed = true
			}
		}
	}

	// Every step shortens s, so the loop ends.
	for changed := true; changed; {
		changed = false
		for _, re := range patterns {
			if loc := re.FindStringIndex(s); loc != nil && loc[1] > loc[0] {
				s = s[:loc[0]] + s[loc[1]:]
				changed = true
			} else if d := decodedForm(s); d != s && hit(re, normalizeInput(s)) {
				s = d
				changed = true
			}
		}
	}
	return s
}

func hit(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[1] > loc[0]
}
