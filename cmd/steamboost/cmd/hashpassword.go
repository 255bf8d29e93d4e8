package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for dashboard.password_hash",
	Long: `Prompt for a password and print its bcrypt hash. Put the hash in the
config under dashboard.password_hash to require basic auth on the dashboard.

Example:
  steamboost hash-password`,
	Args: cobra.NoArgs,
	RunE: runHashPassword,
}

var hashPasswordCost int

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
	hashPasswordCmd.Flags().IntVar(&hashPasswordCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Dashboard password: ")
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashPasswordCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}
