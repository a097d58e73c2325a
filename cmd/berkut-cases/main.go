package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"berkut-cases/config"
	"berkut-cases/core/appbootstrap"
	"berkut-cases/core/utils"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "berkut-cases",
		Short:        "Incident case server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := utils.NewLoggerWithWriter(os.Stderr, cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return appbootstrap.RunServer(ctx, cfg, logger)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("BERKUT_CONFIG"), "Path to config yaml")
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
