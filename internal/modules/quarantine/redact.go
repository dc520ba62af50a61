package quarantine

import (
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/payload"
)

// RedactionMarker replaces every sensitive value before storage.
const RedactionMarker = payload.RedactionMarker

// RedactAnalysis returns a copy of res whose findings on sensitive paths no
// longer carry the matched text.
func RedactAnalysis(res *threat.Result) *threat.Result {
	if res == nil {
		return nil
	}
	c := *res
	c.Findings = make([]threat.Finding, len(res.Findings))
	for i, f := range res.Findings {
		if f.Path.Sensitive() {
			f.Match = RedactionMarker
		}
		c.Findings[i] = f
	}
	if res.Context != nil {
		rc := *res.Context
		c.Context = &rc
	}
	return &c
}
