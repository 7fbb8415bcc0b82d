package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terminal-bench/slaengine/internal/config"
	"github.com/terminal-bench/slaengine/internal/engine"
	"github.com/terminal-bench/slaengine/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scanner, outbox relay, HTTP API and realtime rooms.",
	Long: `Runs one engine instance. The database and the bus must be reachable at start;
otherwise the command exits with an error. SIGINT and SIGTERM stop scheduling,
wait for the in-flight scan tick and drain the bus before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := engine.Run(ctx, cfg); err != nil {
			logger.ErrorKV(ctx, "engine failed", "error", err)
			return err
		}
		return nil
	},
}
