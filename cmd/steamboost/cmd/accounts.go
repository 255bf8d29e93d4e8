package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/steamboost/internal/fleet"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account"},
	Short:   "Add, remove and inspect accounts",
	Long: `Manage the accounts of a running daemon.

Examples:
  steamboost accounts add --username alice --games 730,440
  steamboost accounts remove 1a2b3c4d --purge
  steamboost accounts history main --limit 20
  steamboost accounts stats main`,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add --username NAME [--display-name NAME] [--games IDS] [--shared-secret SECRET]",
	Short: "Add an account; the password is prompted for",
	Args:  cobra.NoArgs,
	RunE:  runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Stop and delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var accountsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the recorded activity of an account, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsHistory,
}

var accountsStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show login, error and usage totals for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsStats,
}

var (
	addUsername     string
	addDisplayName  string
	addGames        string
	addSharedSecret string
	removePurge     bool
	historyLimit    int
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsHistoryCmd)
	accountsCmd.AddCommand(accountsStatsCmd)

	accountsAddCmd.Flags().StringVar(&addUsername, "username", "", "Steam login name (required)")
	accountsAddCmd.Flags().StringVar(&addDisplayName, "display-name", "", "name shown on the dashboard (default: username)")
	accountsAddCmd.Flags().StringVar(&addGames, "games", "", "comma-separated app ids to play")
	accountsAddCmd.Flags().StringVar(&addSharedSecret, "shared-secret", "", "base64 shared secret for automatic Steam Guard codes")
	_ = accountsAddCmd.MarkFlagRequired("username")

	accountsRemoveCmd.Flags().BoolVar(&removePurge, "purge", false, "also delete the account's activity history")
	accountsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of events")
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	games, err := parseGameIDs(addGames)
	if err != nil {
		return err
	}
	password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Steam password for "+addUsername+": ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	id, err := client.AddAccount(cmd.Context(), fleet.NewAccount{
		Username:     addUsername,
		Password:     password,
		DisplayName:  addDisplayName,
		GameIDs:      games,
		SharedSecret: addSharedSecret,
	})
	if err != nil {
		return fmt.Errorf("add account: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added account %s (id %s)\n", addUsername, id)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	if err := client.RemoveAccount(cmd.Context(), id, removePurge); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", id)
	return nil
}

func runAccountsHistory(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	events, err := client.History(cmd.Context(), id, historyLimit)
	if err != nil {
		return fmt.Errorf("history for %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "No activity recorded for %s.\n", id)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType, e.Details)
	}
	return w.Flush()
}

func runAccountsStats(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	client, err := newAPIClient(serverURL)
	if err != nil {
		return err
	}
	stats, err := client.Stats(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if stats == nil {
		fmt.Fprintf(out, "No activity recorded for %s.\n", id)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Logins:\t%d\n", stats.TotalLogins)
	fmt.Fprintf(w, "Errors:\t%d\n", stats.TotalErrors)
	fmt.Fprintf(w, "Retries:\t%d\n", stats.TotalRetries)
	fmt.Fprintf(w, "Last login:\t%s\n", formatOptionalTime(stats.LastLogin))
	fmt.Fprintf(w, "Last error:\t%s\n", formatOptionalTime(stats.LastError))
	fmt.Fprintf(w, "Playtime:\t%d min total, %d min accrued\n", stats.UsageMinutes, stats.AccruedMinutes)
	return w.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// parseGameIDs parses a comma-separated list of app ids.
func parseGameIDs(s string) ([]uint32, error) {
	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid game id %q", part)
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

// promptPassword reads a password without echo when in is a terminal and
// a single line otherwise.
func promptPassword(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	reader := bufio.NewReader(in)
	password, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && password != "") {
		return "", err
	}
	return strings.TrimRight(password, "\r\n"), nil
}
