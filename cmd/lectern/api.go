package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/server/endpoints"
)

var (
	serverURL   string
	serverToken string
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running Lectern server via HTTP.

These commands require a running server (lectern serve).
Use --server to specify a custom server URL and --token for the agent
bearer token when the server has one configured. The LECTERN_SERVER_URL
and LECTERN_AGENT_TOKEN environment variables provide defaults.

Examples:
  lectern api health                  # Check server health
  lectern api jobs list               # List all jobs
  lectern api jobs get <id>           # Get a specific job
  lectern api worker run --type ai_course_generate --org acme`,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker step commands",
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "User quota commands",
}

var skeletonsCmd = &cobra.Command{
	Use:   "skeletons",
	Short: "Book skeleton commands",
}

// newAPIClient builds a client at runtime (after flag parsing).
func newAPIClient() *api.Client {
	var opts []api.ClientOption
	if serverToken != "" {
		opts = append(opts, api.WithToken(serverToken))
	}
	return api.NewClient(serverURL, opts...)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func init() {
	// Persistent so all subcommands inherit them
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", envDefault("LECTERN_SERVER_URL", "http://localhost:8080"), "Server URL",
	)
	apiCmd.PersistentFlags().StringVar(
		&serverToken, "token", os.Getenv("LECTERN_AGENT_TOKEN"), "Agent bearer token",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(newAPIClient))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(newAPIClient))

	// Jobs as subcommand group
	jobsCmd.AddCommand((&endpoints.CreateJobEndpoint{}).Command(newAPIClient))
	jobsCmd.AddCommand((&endpoints.ListJobsEndpoint{}).Command(newAPIClient))
	jobsCmd.AddCommand((&endpoints.GetJobEndpoint{}).Command(newAPIClient))
	jobsCmd.AddCommand((&endpoints.RequeueJobEndpoint{}).Command(newAPIClient))
	jobsCmd.AddCommand((&endpoints.CancelJobEndpoint{}).Command(newAPIClient))
	jobsCmd.AddCommand((&endpoints.DeleteJobEndpoint{}).Command(newAPIClient))

	// Worker as subcommand group
	workerCmd.AddCommand((&endpoints.RunWorkerEndpoint{}).Command(newAPIClient))

	// Quota as subcommand group
	quotaCmd.AddCommand((&endpoints.GetQuotaEndpoint{}).Command(newAPIClient))

	// Skeletons as subcommand group
	skeletonsCmd.AddCommand((&endpoints.PutSkeletonEndpoint{}).Command(newAPIClient))
	skeletonsCmd.AddCommand((&endpoints.GetSkeletonEndpoint{}).Command(newAPIClient))

	apiCmd.AddCommand(jobsCmd)
	apiCmd.AddCommand(workerCmd)
	apiCmd.AddCommand(quotaCmd)
	apiCmd.AddCommand(skeletonsCmd)
	rootCmd.AddCommand(apiCmd)
}
