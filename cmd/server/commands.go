package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"github.com/phrazzld/scry-queue/internal/config"
	"github.com/phrazzld/scry-queue/internal/platform/logger"
	"github.com/phrazzld/scry-queue/internal/platform/postgres"
	"github.com/spf13/cobra"
)

var migrateCommands = []string{
	postgres.MigrateUp,
	postgres.MigrateDown,
	postgres.MigrateStatus,
	postgres.MigrateVersion,
	postgres.MigrateReset,
}

// newRootCommand builds the command tree. Each subcommand loads
// configuration and sets up logging before doing anything else.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "scry-queue",
		Short:         "Task queue and batch job service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a config file (defaults to ./config.yaml when present)")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		log, err := logger.Setup(cfg.Server)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
		}
		return cfg, log, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run workers and the batch scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, log, modeServe)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run queue workers without the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, log, modeWorker)
			},
		},
		&cobra.Command{
			Use:       "migrate [up|down|status|version|reset]",
			Short:     "Apply or inspect database migrations",
			Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
			ValidArgs: migrateCommands,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := load()
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg, args[0], log)
			},
		},
	)
	return root
}

// run assembles the application and blocks until SIGINT or SIGTERM.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, mode runMode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log, mode)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// migrate runs one goose command against the configured database.
func migrate(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	if !slices.Contains(migrateCommands, command) {
		return fmt.Errorf("unknown migration command %q", command)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres database driver, got %q", cfg.Database.Driver)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := postgres.Open(ctx, cfg.Database.URL, poolConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("error closing database connection", "error", err)
		}
	}()

	log.Info("executing migrations", "command", command)
	return postgres.Migrate(ctx, db, command, log)
}

func poolConfig(cfg config.DatabaseConfig) postgres.PoolConfig {
	return postgres.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}
