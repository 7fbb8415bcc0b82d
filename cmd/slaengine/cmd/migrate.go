package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/terminal-bench/slaengine/internal/config"
	"github.com/terminal-bench/slaengine/internal/engine"
	"github.com/terminal-bench/slaengine/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		applied, err := engine.Migrate(ctx, cfg)
		if err != nil {
			return err
		}

		logger.InfoKV(ctx, "migrations applied", "count", applied, "driver", cfg.Database.Driver)
		return nil
	},
}
