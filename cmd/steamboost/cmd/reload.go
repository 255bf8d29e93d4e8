package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/steamboost/internal/signals"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to re-read its config file",
	Long: `Send SIGHUP to the daemon recorded in the PID file. New accounts in the
config file are added; other settings take effect on the next restart.

Example:
  steamboost reload`,
	Args: cobra.NoArgs,
	RunE: runReload,
}

var reloadPIDFile string

func init() {
	rootCmd.AddCommand(reloadCmd)
	reloadCmd.Flags().StringVar(&reloadPIDFile, "pid-file", "", "PID file (default: $STEAMBOOST_HOME/steamboost.pid)")
}

func runReload(cmd *cobra.Command, args []string) error {
	path := reloadPIDFile
	if path == "" {
		path = signals.DefaultPIDFilePath()
	}
	pid, alive := signals.RunningPID(path)
	if !alive {
		return errors.New("no running daemon found (is \"steamboost serve\" running?)")
	}
	if err := signals.SendHUP(pid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reload requested (pid %d)\n", pid)
	return nil
}
