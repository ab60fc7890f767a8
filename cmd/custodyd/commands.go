package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/utstyr/custody-service/internal/config"
	"github.com/utstyr/custody-service/internal/database"
	"github.com/utstyr/custody-service/internal/di"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/service"
)

type rootOptions struct {
	envFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "custodyd",
		Short:         "Asset custody service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional KEY=VALUE file loaded before the environment is read")
	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newBootstrapAdminCommand(opts),
		newSweepSessionsCommand(opts),
	)
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.Load()
}

// commandLogger builds the logger for one-shot commands; flush drains any
// OTel log export before the process exits.
func commandLogger(ctx context.Context, cfg *config.Config) (*slog.Logger, func(), error) {
	logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	flush := func() {
		if lp != nil {
			_ = lp.Shutdown(context.WithoutCancel(ctx))
		}
	}
	return logger, flush, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			if migrate {
				if err := runMigrate(ctx, cfg, logger); err != nil {
					return err
				}
			}

			a, cleanup, err := di.InitializeApp(ctx, cfg, logger, lp)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before serving")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, flush, err := commandLogger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer flush()
			return runMigrate(cmd.Context(), cfg, logger)
		},
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m, cleanup, err := di.InitializeMaintenance(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := database.Migrate(ctx, m.DB); err != nil {
		return err
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)
	return nil
}

func newBootstrapAdminCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create or re-activate the admin account from BOOTSTRAP_ADMIN_* settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, flush, err := commandLogger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer flush()
			m, cleanup, err := di.InitializeMaintenance(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			user, created, err := m.Users.EnsureAdmin(cmd.Context(), service.BootstrapAdminInput{
				Username:      cfg.BootstrapAdminUsername,
				Password:      cfg.BootstrapAdminPassword,
				Name:          cfg.BootstrapAdminName,
				ExternalTagID: cfg.BootstrapAdminTagID,
			})
			if err != nil {
				return err
			}
			logger.Info("bootstrap admin ready", "user_id", user.ID, "username", user.Username, "created", created)
			return nil
		},
	}
}

func newSweepSessionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-sessions",
		Short: "Delete expired sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, flush, err := commandLogger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer flush()
			m, cleanup, err := di.InitializeMaintenance(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			n, err := m.Sessions.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("expired sessions swept", "count", n)
			return nil
		},
	}
}
