package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/erpbridge/internal/config"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/tools/migrator"
)

func newMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), rootOpts)
		},
	}
}

func runMigrate(ctx context.Context, rootOpts *RootOptions) error {
	cfg, logger, err := loadConfig(rootOpts, (*config.Config).ValidateDatabase)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	applied, err := database.Migrate(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := migrator.GetCurrentVersion(ctx, database.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.Info("migrations complete", "applied", applied, "schema_version", version)
	return nil
}
