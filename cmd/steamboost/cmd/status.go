package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/steamboost/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every account",
	Long: `Fetch the current snapshot from the daemon and print it.

Formats:
  table  human-readable table (default)
  brief  one line, suitable for status bars
  json   the raw snapshot

Examples:
  steamboost status
  steamboost status --format brief
  steamboost status --watch 5s`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusFormat string
	statusWatch  time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "output format: table, brief, json")
	statusCmd.Flags().DurationVarP(&statusWatch, "watch", "w", 0, "refresh at this interval until interrupted")
}

func runStatus(cmd *cobra.Command, args []string) error {
	renderer, err := status.NewRenderer(status.RenderFormat(statusFormat))
	if err != nil {
		return err
	}
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}

	printOnce := func(ctx context.Context) error {
		snap, err := client.Status(ctx)
		if err != nil {
			return err
		}
		out := renderer.Render(snap)
		if len(out) == 0 || out[len(out)-1] != '\n' {
			out += "\n"
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	}

	if statusWatch <= 0 {
		return printOnce(cmd.Context())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ticker := time.NewTicker(statusWatch)
	defer ticker.Stop()
	for {
		if err := printOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
