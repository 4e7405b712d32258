package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/driver"
)

var driveChapterOnly bool

var driveCmd = &cobra.Command{
	Use:   "drive <root-chapter-job-id>",
	Short: "Drive a book's chapter job chain to completion",
	Long: `Drive advances a book generation from the outside.

Starting from the root chapter job, it repeatedly kicks one worker step,
polls the job record, drives any pending section job, and follows each
completed chapter's successor until the final chapter reports the book
done. The loop is resumable: if it dies, re-run it with the last queued
chapter job id.

The server URL and agent token come from --server/--token or the
LECTERN_SERVER_URL and LECTERN_AGENT_TOKEN environment variables.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		cfgMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}

		d := driver.New(newAPIClient(), cfgMgr.Get().Driver, logger)

		if driveChapterOnly {
			res, err := d.DriveChapter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return api.Output(res)
		}

		if err := d.DriveBook(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, driver.ErrChapterLimit) {
				logger.Error("book drive hit the chapter ceiling; re-run to continue", "error", err)
			}
			return err
		}
		return nil
	},
}

func init() {
	driveCmd.Flags().BoolVar(&driveChapterOnly, "chapter", false, "Drive a single chapter job instead of the whole book")
	driveCmd.Flags().StringVar(
		&serverURL, "server", envDefault("LECTERN_SERVER_URL", "http://localhost:8080"), "Server URL",
	)
	driveCmd.Flags().StringVar(
		&serverToken, "token", os.Getenv("LECTERN_AGENT_TOKEN"), "Agent bearer token",
	)

	rootCmd.AddCommand(driveCmd)
}
