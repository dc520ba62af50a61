package main

import (
	"os"

	"github.com/1sec-project/bastion/internal/app"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	format  string
)

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "bastion",
		Short:         "Threat detection, quarantine and resilience pipeline",
		Long:          "bastion inspects request payloads for injection attacks, quarantines critical ones and guards financial and login flows.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", envOr("BASTION_CONFIG", "bastion.yaml"), "config file path")
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table, json")

	root.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newQuarantineCmd(),
		newEmergencyCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openOffline builds the app for one-shot commands. The event bus and the
// monitor stay off so a running server is not disturbed.
func openOffline() (*app.App, error) {
	cfg, err := core.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.Quarantine.Backend != "sqlite" {
		return nil, core.NewError(core.KindConfig, "cli.open",
			"quarantine backend is memory, use the API of the running server instead", nil)
	}
	cfg.Bus.Enabled = false
	cfg.Monitor.Enabled = false
	return app.Build(cfg, cliLogger(cfg), app.Options{ConfigPath: cfgFile})
}

func cliLogger(cfg *core.Config) zerolog.Logger {
	lc := cfg.Logging
	if lc.Level == "" || lc.Level == "info" {
		lc.Level = "warn"
	}
	return core.NewLogger(lc, os.Stderr)
}
