package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/home"
	"github.com/lectern-ai/lectern/internal/server"
)

var (
	serveHost string
	servePort string
	serveDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Lectern server",
	Long: `Start the Lectern HTTP server.

The server owns the SQLite job store and exposes the job, worker, quota,
and skeleton APIs. Workers do not run on their own: each POST to
/api/worker/run claims and executes exactly one job step, so external
drivers and schedulers control all concurrency.

Examples:
  lectern serve                  # Start on default port 8080
  lectern serve --port 3000      # Start on custom port
  lectern serve --host 0.0.0.0   # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Set up logger
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		// Get home directory
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Load config with hot reload
		cfgMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()

		dbPath := serveDB
		if dbPath == "" {
			dbPath = cfgMgr.Get().Store.Path
		}
		if dbPath == "" {
			dbPath = h.DatabasePath()
		}

		// Create server
		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			DBPath:        dbPath,
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (default: <home>/data/lectern.db)")

	rootCmd.AddCommand(serveCmd)
}
