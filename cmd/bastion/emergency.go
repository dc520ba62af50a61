package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/1sec-project/bastion/internal/modules/emergency"
	"github.com/spf13/cobra"
)

func newEmergencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Emergency response operations",
	}
	cmd.AddCommand(newEmergencyPurgeCmd())
	return cmd
}

func newEmergencyPurgeCmd() *cobra.Command {
	var (
		since       time.Duration
		until       time.Duration
		reason      string
		dataBreach  bool
		initiatedBy string
		yes         bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Securely delete critical quarantine records in a time window",
		Long: "Overwrites, crypto-erases and deletes every CRITICAL quarantine record in the window, " +
			"then notifies regulators when the reason is reportable.",
		Example: `  bastion emergency purge --since 24h --reason data_breach --data-breach --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("emergency purge is irreversible, pass --yes to confirm")
			}
			now := time.Now()
			c := emergency.Criteria{
				Since:       now.Add(-since),
				Reason:      reason,
				DataBreach:  dataBreach,
				InitiatedBy: initiatedBy,
			}
			if until > 0 {
				c.Until = now.Add(-until)
			}

			a, err := openOffline()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Emergency.EmergencyPurge(cmd.Context(), c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput() {
				return printJSON(out, res)
			}
			renderPurge(out, res)
			if res.Failed > 0 {
				return fmt.Errorf("%d record(s) failed to purge", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window start as an age")
	cmd.Flags().DurationVar(&until, "until", 0, "window end as an age (0 for now)")
	cmd.Flags().StringVar(&reason, "reason", "", "purge reason, e.g. data_breach")
	cmd.Flags().BoolVar(&dataBreach, "data-breach", false, "mark the purge as a data breach")
	cmd.Flags().StringVar(&initiatedBy, "initiated-by", os.Getenv("USER"), "operator starting the purge")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func renderPurge(w io.Writer, res *emergency.Results) {
	fmt.Fprintf(w, "Emergency purge %s (%s)\n", res.ID, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  purged %s  skipped %d  failed %s\n",
		green(fmt.Sprint(res.Purged)), res.Skipped, red(fmt.Sprint(res.Failed)))
	if res.RegulatoryReported {
		fmt.Fprintln(w, yellow("  regulators notified"))
	}
	if len(res.Records) == 0 {
		return
	}
	t := NewTable(w, "RECORD", "PHASES", "RESULT")
	for _, r := range res.Records {
		result := "purged"
		switch {
		case r.Skipped:
			result = "skipped"
		case r.Error != "":
			result = "failed: " + truncate(r.Error, 40)
		}
		t.AddRow(r.RecordID, fmt.Sprint(len(r.Phases)), result)
	}
	t.Render()
}
