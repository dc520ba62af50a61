package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, show or create the configuration file",
	}
	cmd.AddCommand(newConfigValidateCmd(), newConfigShowCmd(), newConfigInitCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and its rules file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			rs := threat.DefaultRuleset()
			if cfg.Threat.RulesFile != "" {
				if rs, err = threat.LoadRulesetFile(cfg.Threat.RulesFile); err != nil {
					return fmt.Errorf("rules file %s: %w", cfg.Threat.RulesFile, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid (ruleset %s, %d patterns)\n",
				green("✓"), cfgFile, rs.Version, rs.PatternCount())
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Server.APIKeys = make([]string, len(cfg.Server.APIKeys))
			for i := range masked.Server.APIKeys {
				masked.Server.APIKeys[i] = "********"
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), masked)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the config path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(cfgFile); err == nil && !force {
				return errors.New(cfgFile + " already exists, pass --force to overwrite")
			}
			if err := core.SaveConfig(core.DefaultConfig(), cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", green("✓"), cfgFile)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
