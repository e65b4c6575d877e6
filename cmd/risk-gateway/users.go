// cmd/risk-gateway/users.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"risk-gateway/internal/common/auth"
	"risk-gateway/internal/common/database"
)

func newHashPasswordCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Long: `Read a password from the first line of stdin and print a bcrypt hash
suitable for auth.users[].password_hash or the users table.

Examples:
  echo -n 's3cret' | risk-gateway hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cost, _ := cmd.Flags().GetInt("cost")
			password, err := readPassword(stdin)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, hash)
			return nil
		},
	}
	cmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	return cmd
}

func newUserCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage credentials in the Postgres users table",
	}

	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create or replace a user, reading the password from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, _ := cmd.Flags().GetBool("admin")
			return runUserAdd(cmd, stdin, stdout, args[0], admin)
		},
	}
	add.Flags().Bool("admin", false, "Grant the admin role")
	cmd.AddCommand(add)
	return cmd
}

func runUserAdd(cmd *cobra.Command, stdin io.Reader, stdout io.Writer, username string, admin bool) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username must not be empty")
	}
	password, err := readPassword(stdin)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password, 0)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	if err := pg.UpsertUser(ctx, username, hash, admin); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "user %s saved (role: %s)\n", username, auth.RoleFromAdminFlag(admin))
	return nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("no password on stdin")
	}
	return password, nil
}
