package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/tally/internal/config"
	"github.com/yairfalse/tally/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool
	jsonLogs   bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "tally",
		Short: "Multi-source cloud inventory reconciliation",
		Long: `Tally - multi-source cloud inventory reconciliation

Tally merges resource records found by several discovery methods into one
canonical inventory, stores every run as an immutable snapshot and reports
what changed between snapshots, classified by category and severity.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Tally {{.Version}} - multi-source cloud inventory reconciliation
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Log JSON instead of console output")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	telemetry.SetupGlobal(cfg.Log.Level, debug, !jsonLogs)
	return nil
}
