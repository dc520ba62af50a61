package threat

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Category names accepted in rulesets.
const (
	CategorySQLInjection     = "sql_injection"
	CategoryXSS              = "xss"
	CategoryCommandInjection = "command_injection"
	CategoryDataExfiltration = "data_exfiltration"
	CategoryFinancialFraud   = "financial_fraud"
	CategoryCryptoScam       = "crypto_scam"
)

//go:embed rules/default.yaml
var defaultRulesYAML []byte

// Ruleset is a versioned set of detection patterns grouped by category.
// A Ruleset returned by ParseRuleset is compiled and immutable.
type Ruleset struct {
	Version    string          `yaml:"version" validate:"required"`
	Categories []CategoryRules `yaml:"categories" validate:"required,min=1,dive"`

	compiled []category
}

// CategoryRules is one category: a fixed severity weight and its patterns.
type CategoryRules struct {
	Name           string        `yaml:"name" validate:"required,oneof=sql_injection xss command_injection data_exfiltration financial_fraud crypto_scam"`
	Severity       float64       `yaml:"severity" validate:"min=0,max=1"`
	Recommendation string        `yaml:"recommendation"`
	Patterns       []PatternRule `yaml:"patterns" validate:"required,min=1,dive"`
}

// PatternRule is a named regular expression.
type PatternRule struct {
	Name  string `yaml:"name" validate:"required"`
	Regex string `yaml:"regex" validate:"required"`
}

// Pattern represents a compiled detection pattern.
type Pattern struct {
	Name     string
	Category string
	Regex    *regexp.Regexp
	Severity float64
}

type category struct {
	name           string
	severity       float64
	recommendation string
	patterns       []Pattern
}

var rulesetValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseRuleset decodes, validates and compiles a YAML ruleset. Unknown
// categories, duplicate categories and invalid regexes are rejected.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, core.NewError(core.KindConfig, "threat.ruleset", "parsing ruleset", err)
	}
	if err := rulesetValidator.Struct(&rs); err != nil {
		return nil, core.NewError(core.KindConfig, "threat.ruleset", "invalid ruleset", err)
	}

	seen := make(map[string]bool, len(rs.Categories))
	for _, c := range rs.Categories {
		if seen[c.Name] {
			return nil, core.NewError(core.KindConfig, "threat.ruleset",
				fmt.Sprintf("duplicate category %q", c.Name), nil)
		}
		seen[c.Name] = true

		compiled := category{
			name:           c.Name,
			severity:       c.Severity,
			recommendation: c.Recommendation,
			patterns:       make([]Pattern, 0, len(c.Patterns)),
		}
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, core.NewError(core.KindConfig, "threat.ruleset",
					fmt.Sprintf("pattern %s/%s does not compile", c.Name, p.Name), err)
			}
			compiled.patterns = append(compiled.patterns, Pattern{
				Name:     p.Name,
				Category: c.Name,
				Regex:    re,
				Severity: c.Severity,
			})
		}
		rs.compiled = append(rs.compiled, compiled)
	}
	return &rs, nil
}

// LoadRulesetFile reads and parses a ruleset file.
func LoadRulesetFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError(core.KindConfig, "threat.ruleset", "reading ruleset file", err)
	}
	return ParseRuleset(data)
}

var (
	defaultOnce    sync.Once
	defaultRuleset *Ruleset
)

// DefaultRuleset returns the ruleset embedded in the binary.
func DefaultRuleset() *Ruleset {
	defaultOnce.Do(func() {
		rs, err := ParseRuleset(defaultRulesYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded ruleset is invalid: %v", err))
		}
		defaultRuleset = rs
	})
	return defaultRuleset
}

// PatternCount returns the number of compiled patterns.
func (rs *Ruleset) PatternCount() int {
	n := 0
	for _, c := range rs.compiled {
		n += len(c.patterns)
	}
	return n
}

// Recommendation returns the configured recommendation for a category.
func (rs *Ruleset) Recommendation(cat string) string {
	for _, c := range rs.compiled {
		if c.name == cat {
			return c.recommendation
		}
	}
	return ""
}
