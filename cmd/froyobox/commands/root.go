package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyobox/pkg/api"
)

const defaultServerURL = "http://127.0.0.1:8080"

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Client flags
	serverURL string
	ownerID   string
	apiKey    string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyobox",
		Short: "froyobox - deployment orchestration for sandboxed boxes",
		Long: `froyobox provisions sandboxed compute instances ("boxes") for users.

A deploy runs as a DAG of steps: create the instance, run the setup chain,
wait for health, install skills, enable public access and finalize. Every
step is recorded in a per-attempt ledger that clients can follow.

Run "froyobox serve" for the API server; the box and cron commands talk to
a running server.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FROYOBOX_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FROYOBOX_SERVER", defaultServerURL), "API server URL")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", envOr("FROYOBOX_OWNER", os.Getenv("USER")), "owner identity sent to the server")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("FROYOBOX_API_KEY"), "API key for the server")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newBoxCommand())
	rootCmd.AddCommand(newCronCommand())
	rootCmd.AddCommand(newCatalogCommand())

	return rootCmd
}

// newClient returns an API client from the global flags.
func newClient() (*api.Client, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("an owner is required: set --owner or FROYOBOX_OWNER")
	}
	return api.NewClient(serverURL, ownerID, apiKey, 30*time.Second), nil
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
