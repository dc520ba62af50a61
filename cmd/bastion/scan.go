package main

import (
	"fmt"
	"io"
	"os"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/sanitizer"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var failOn string

	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Analyze a JSON payload offline",
		Long:  "Sanitize and analyze a JSON document from a file, or stdin when no file or - is given. Nothing is quarantined.",
		Example: `  bastion scan request.json
  cat body.json | bastion scan --fail-on medium
  bastion scan body.json --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, ok := threat.ParseLevel(failOn)
			if !ok {
				return fmt.Errorf("unknown --fail-on level %q", failOn)
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			var doc interface{}
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("input is not valid JSON: %w", err)
			}

			cfg, err := core.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			res, err := scanDocument(cfg, doc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput() {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				renderScan(out, res)
			}

			if threshold != threat.LevelNone && res.Level >= threshold {
				return fmt.Errorf("threat level %s is at or above %s", res.Level, threshold)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&failOn, "fail-on", "high", "exit non-zero at or above this level (none disables)")
	return cmd
}

// scanDocument runs the sanitizer and analyzer configured by cfg over doc
// and redacts sensitive matches.
func scanDocument(cfg *core.Config, doc interface{}) (*threat.Result, error) {
	rs := threat.DefaultRuleset()
	if cfg.Threat.RulesFile != "" {
		var err error
		if rs, err = threat.LoadRulesetFile(cfg.Threat.RulesFile); err != nil {
			return nil, core.NewError(core.KindConfig, "cli.scan", "loading "+cfg.Threat.RulesFile, err)
		}
	}
	clean := sanitizer.New(cfg.Sanitizer).Sanitize(doc)
	res := threat.NewAnalyzer(rs, cfg.Threat.Thresholds, zerolog.Nop()).Analyze(clean, nil)
	return quarantine.RedactAnalysis(res), nil
}

func renderScan(w io.Writer, res *threat.Result) {
	fmt.Fprintf(w, "Threat level: %s  score %.2f  confidence %.2f  ruleset %s\n",
		levelColor(res.Level.String()), res.Score, res.Confidence, res.RulesetVersion)
	if len(res.Findings) == 0 {
		fmt.Fprintln(w, green("No findings."))
		return
	}
	t := NewTable(w, "FIELD", "CATEGORY", "PATTERN", "SEVERITY", "MATCH")
	for _, f := range res.Findings {
		match := f.Match
		if f.Encoded {
			match += " (encoded)"
		}
		t.AddRow(f.Path.String(), f.Category, f.Pattern, fmt.Sprintf("%.2f", f.Severity), truncate(match, 40))
	}
	t.Render()
	for _, r := range res.Recommendations {
		fmt.Fprintln(w, dim("  • "+r))
	}
}
