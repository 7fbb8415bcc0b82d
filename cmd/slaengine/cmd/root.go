package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath to an optional YAML configuration file. Environment
	// variables override its values.
	configPath string

	// rootCmd groups the engine subcommands.
	rootCmd = &cobra.Command{
		Use:   "slaengine",
		Short: "SLA deadline engine for the incident dashboard.",
		Long: `Tracks SLA deadlines on incidents and fires each breached deadline exactly once,
no matter how many engine instances scan the shared store.

A firing appends an sla_breach event to the incident timeline, publishes an
SLA event on the bus and notifies websocket clients in the incident room.`,
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(serveCmd, migrateCmd)
}
