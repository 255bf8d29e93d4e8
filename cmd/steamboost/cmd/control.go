package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/steamboost/internal/api"
)

var startCmd = &cobra.Command{
	Use:   "start <id> | --all",
	Short: "Log an account in and start playing",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, args, "start", startAll)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <id> | --all",
	Short: "Log an account off and cancel pending retries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, args, "stop", stopAll)
	},
}

var guardCmd = &cobra.Command{
	Use:   "guard <id> <code>",
	Short: "Submit a Steam Guard code for an account waiting on one",
	Args:  cobra.ExactArgs(2),
	RunE:  runGuard,
}

var (
	startAll bool
	stopAll  bool
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(guardCmd)

	startCmd.Flags().BoolVar(&startAll, "all", false, "start every account")
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "stop every account")
}

func runControl(cmd *cobra.Command, args []string, op string, all bool) error {
	if all == (len(args) == 1) {
		return fmt.Errorf("give exactly one of <id> or --all")
	}
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if !all {
		id := strings.TrimSpace(args[0])
		if op == "start" {
			err = client.Start(ctx, id)
		} else {
			err = client.Stop(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		fmt.Fprintf(out, "%s: %s requested\n", id, op)
		return nil
	}

	var res api.BatchResult
	if op == "start" {
		res, err = client.StartAll(ctx)
	} else {
		res, err = client.StopAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s all: %w", op, err)
	}
	return reportBatch(out, op, res)
}

func reportBatch(w io.Writer, op string, res api.BatchResult) error {
	if res.Success {
		fmt.Fprintf(w, "%s requested for all accounts\n", op)
		return nil
	}
	ids := make([]string, 0, len(res.Errors))
	for id := range res.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%s: %s\n", id, res.Errors[id])
	}
	return errors.New(op + " failed for some accounts")
}

func runGuard(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	code := strings.ToUpper(strings.TrimSpace(args[1]))
	if code == "" {
		return errors.New("code is required")
	}
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	if err := client.SubmitCode(cmd.Context(), id, code); err != nil {
		return fmt.Errorf("submit code for %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: code submitted\n", id)
	return nil
}
