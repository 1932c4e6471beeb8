package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath      string
	verbose         bool
	jsonOutput      bool
	countryFlag     string
	domainFlag      string
	definitionsFlag string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "papersync",
		Short: "papersync - Paperless-ngx taxonomy reconciliation",
		Long: `papersync keeps the taxonomy of a Paperless-ngx instance in line with a
versioned, declarative taxonomy definition.

It creates the tags, document types, storage paths and custom fields a
definition declares and the instance lacks. Runs are all-or-nothing: when a
creation fails, everything the run created is deleted again.

Features:
  - YAML and CUE definitions, one per country and domain
  - Rego policies gating every run
  - SQLite run history with rollback orphan tracking
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logs with caller information")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&countryFlag, "country", "", "country of the definition to apply")
	rootCmd.PersistentFlags().StringVar(&domainFlag, "domain", "", "domain of the definition to apply")
	rootCmd.PersistentFlags().StringVar(&definitionsFlag, "definitions", "", "definitions directory or file")

	// Add subcommands
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
