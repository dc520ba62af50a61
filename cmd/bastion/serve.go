package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/1sec-project/bastion/internal/api"
	"github.com/1sec-project/bastion/internal/app"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/spf13/cobra"
)

const logBufferSize = 1000

func newServeCmd() *cobra.Command {
	var host string
	var port int
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline, background modules and operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			logs := core.NewLogBuffer(logBufferSize)
			logger := core.NewLogger(cfg.Logging, logs.Tee(os.Stderr))

			a, err := app.Build(cfg, logger, app.Options{
				ConfigPath: cfgFile,
				Watch:      !noWatch,
				Logs:       logs,
			})
			if err != nil {
				return err
			}
			srv := api.NewServer(a)
			if err := a.Engine.Registry.Register(srv); err != nil {
				a.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "override server.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable config and rules file hot reload")
	return cmd
}
