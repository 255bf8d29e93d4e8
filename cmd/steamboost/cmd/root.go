// Package cmd implements the steamboost command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, set with -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	configPath string
	serverURL  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "steamboost",
	Short: "Keep several Steam accounts online and playing",
	Long: `steamboost runs a daemon that keeps a fleet of Steam accounts logged in,
reports them as playing the configured games, and reconnects with backoff
after transient failures.

Run "steamboost serve" to start the daemon and dashboard. The other
commands talk to a running daemon over its HTTP API.

Examples:
  steamboost serve --autostart
  steamboost status
  steamboost guard main ABCDE
  steamboost stop --all`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $STEAMBOOST_HOME/config.yaml or ~/.config/steamboost/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "daemon URL for client commands (env STEAMBOOST_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func defaultServerURL() string {
	if u := os.Getenv("STEAMBOOST_URL"); u != "" {
		return u
	}
	if port := os.Getenv("PORT"); port != "" {
		return "http://localhost:" + port
	}
	return "http://localhost:10000"
}
