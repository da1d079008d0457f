package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/splax/sitestack/db/migrations"
	"github.com/splax/sitestack/internal/app/migrate"
	"github.com/splax/sitestack/internal/dispatch"
	"github.com/splax/sitestack/internal/repository/postgres"
	"github.com/splax/sitestack/internal/service/jobs"
	"github.com/splax/sitestack/internal/supervisor"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/crypto"
	jwtpkg "github.com/splax/sitestack/pkg/jwt"
	"github.com/splax/sitestack/pkg/logger"
)

func cliLogger(cmd *cobra.Command) *slog.Logger {
	return logger.NewWithWriter(cmd.ErrOrStderr(), "stackctl", logger.ParseLevel(config.GetString("LOG_LEVEL", "warn")))
}

func openMigrations(ctx context.Context, log *slog.Logger) (migrate.Runner, error) {
	dsn := config.LoadWorkerConfig().DatabaseURL
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return migrate.Runner{}, fmt.Errorf("connect database: %w", err)
	}
	runner, err := migrate.New(pool, dsn, migrations.FS, log)
	if err != nil {
		pool.Close()
		return migrate.Runner{}, err
	}
	return runner, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema (uses DATABASE_URL)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := openMigrations(cmd.Context(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer runner.Close()
			return runner.Ensure(cmd.Context())
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := openMigrations(cmd.Context(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer runner.Close()
			return runner.Status(cmd.Context())
		},
	})

	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back to a target version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := openMigrations(cmd.Context(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer runner.Close()
			return runner.Down(cmd.Context(), target)
		},
	}
	down.Flags().Int64Var(&target, "to", 0, "Target schema version (0 rolls back only the latest migration)")
	cmd.AddCommand(down)
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale pending and running jobs once (uses worker settings)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadWorkerConfig()
			log := cliLogger(cmd)
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			// Swept jobs are terminal, so nothing needs a dispatch notification.
			jobSvc := jobs.New(postgres.New(pool), dispatch.NewMemory(1), log)
			count, err := supervisor.New(jobSvc, log, cfg).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale job(s) older than %s\n", count, cfg.StaleAfter)
			return nil
		},
	}
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens for the job API",
	}

	var subject, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token locally with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadAPIConfig()
			token, err := jwtpkg.GenerateToken(subject, role, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Token subject, such as the collaborator name")
	issue.Flags().StringVar(&role, "role", jwtpkg.RoleCollaborator, "Token role (operator or collaborator)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = issue.MarkFlagRequired("subject")

	var loginSubject, password string
	login := &cobra.Command{
		Use:   "login",
		Short: "Exchange the operator password for a token through the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password, "Operator password: ")
			if err != nil {
				return err
			}
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			token, err := cli.IssueToken(ctx, loginSubject, secret)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), token)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
			return nil
		},
	}
	login.Flags().StringVar(&loginSubject, "subject", "operator", "Token subject")
	login.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")

	cmd.AddCommand(issue, login)
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for OPERATOR_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, password, "Password: ")
			if err != nil {
				return err
			}
			hash, err := crypto.HashPassword(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password (supply to avoid prompt)")
	return cmd
}

// readSecret returns flagValue or prompts for it without echo.
func readSecret(cmd *cobra.Command, flagValue, prompt string) (string, error) {
	if secret := strings.TrimSpace(flagValue); secret != "" {
		return secret, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(secret) == 0 {
		return "", errors.New("empty password")
	}
	return string(secret), nil
}
