package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/spf13/cobra"
)

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and purge quarantined payloads",
		Long:  "Works on the SQLite quarantine store named by quarantine.sqlite_path.",
	}
	cmd.AddCommand(
		newQuarantineListCmd(),
		newQuarantineShowCmd(),
		newQuarantinePurgeCmd(),
	)
	return cmd
}

// criteriaFlags are the record filters shared by list and purge.
type criteriaFlags struct {
	status   string
	minLevel string
	since    time.Duration
	limit    int
}

func (f *criteriaFlags) register(cmd *cobra.Command, defaultStatus string) {
	cmd.Flags().StringVar(&f.status, "status", defaultStatus, "filter by status (quarantined, purged, or empty for all)")
	cmd.Flags().StringVar(&f.minLevel, "min-level", "", "minimum threat level")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only records newer than this age, e.g. 24h")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "max records (0 for no limit)")
}

func (f *criteriaFlags) criteria() (quarantine.Criteria, error) {
	c := quarantine.Criteria{
		Status: quarantine.Status(strings.ToUpper(f.status)),
		Limit:  f.limit,
	}
	if f.minLevel != "" {
		lvl, ok := threat.ParseLevel(f.minLevel)
		if !ok {
			return c, fmt.Errorf("unknown --min-level %q", f.minLevel)
		}
		c.MinLevel = lvl
	}
	if f.since > 0 {
		c.Since = time.Now().Add(-f.since)
	}
	return c, nil
}

func newQuarantineListCmd() *cobra.Command {
	var flags criteriaFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantine records",
		Example: `  bastion quarantine list
  bastion quarantine list --status purged --since 72h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.criteria()
			if err != nil {
				return err
			}
			a, err := openOffline()
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.Quarantine.Find(cmd.Context(), c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No quarantine records found.")
				return nil
			}
			renderRecords(out, recs)
			return nil
		},
	}
	flags.register(cmd, string(quarantine.StatusQuarantined))
	return cmd
}

func renderRecords(w io.Writer, recs []*quarantine.Record) {
	t := NewTable(w, "ID", "TIME", "LEVEL", "STATUS", "CATEGORIES", "DELETE AT")
	for _, r := range recs {
		var cats string
		if r.Analysis != nil {
			cats = strings.Join(r.Analysis.Categories(), ",")
		}
		t.AddRow(r.ID, r.Timestamp.Format(time.RFC3339), r.Level().String(), string(r.Status), cats,
			r.AutoDeleteAt.Format(time.RFC3339))
	}
	t.Render()
}

func newQuarantineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one quarantine record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openOffline()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.Quarantine.Get(cmd.Context(), args[0])
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("quarantine record %q not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newQuarantinePurgeCmd() *cobra.Command {
	var flags criteriaFlags
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Mark matching records purged and overwrite their payloads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("purge is irreversible, pass --yes to confirm")
			}
			c, err := flags.criteria()
			if err != nil {
				return err
			}
			a, err := openOffline()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Quarantine.Purge(cmd.Context(), c)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]int{"purged": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d record(s).\n", n)
			return nil
		},
	}
	flags.register(cmd, string(quarantine.StatusQuarantined))
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}
