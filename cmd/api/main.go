package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fee-backend/api"
	"fee-backend/config"
	"fee-backend/logging"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "fee-api",
		Short:        "Run the fee API server from a config file",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(opts.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return api.Run(ctx, opts, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON config file")
	return cmd
}
