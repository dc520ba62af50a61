package threat

import (
	"strings"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/goccy/go-json"
)

// Level is the ordinal classification of an analysis result.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return LevelNone, true
	case "LOW":
		return LevelLow, true
	case "MEDIUM":
		return LevelMedium, true
	case "HIGH":
		return LevelHigh, true
	case "CRITICAL":
		return LevelCritical, true
	}
	return LevelNone, false
}

// Severity maps a level to the engine severity used for alerts and events.
func (l Level) Severity() core.Severity {
	switch l {
	case LevelCritical:
		return core.SeverityCritical
	case LevelHigh:
		return core.SeverityHigh
	case LevelMedium:
		return core.SeverityMedium
	case LevelLow:
		return core.SeverityLow
	default:
		return core.SeverityInfo
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseLevel(s)
	if !ok {
		return core.NewError(core.KindValidation, "threat.level", "unknown threat level "+s, nil)
	}
	*l = parsed
	return nil
}

// Classify derives a level from a score: highest threshold met wins. A zero
// score is always NONE.
func Classify(score float64, th core.ThresholdConfig) Level {
	switch {
	case score <= 0:
		return LevelNone
	case score >= th.Critical:
		return LevelCritical
	case score >= th.High:
		return LevelHigh
	case score >= th.Medium:
		return LevelMedium
	case score > th.Low:
		return LevelLow
	default:
		return LevelNone
	}
}
