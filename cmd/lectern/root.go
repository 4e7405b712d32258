package main

import (
	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Asynchronous course generation pipeline built on durable job records",
	Long: `Lectern generates long-form course books through small resumable steps.

Every unit of work is a durable job record. Workers claim one job, run one
bounded step, and either finish the job or re-queue it with an updated
payload. An external driver advances a book chapter by chapter, section by
section, so no single process ever needs to run for hours.

The pipeline includes:
  - Course outline generation from a topic
  - Chapter orchestration with strictly ordered section jobs
  - Content guard checks and voice normalization passes
  - Per-user admission quotas on new work`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.lectern/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "lectern home directory (default: ~/.lectern)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
