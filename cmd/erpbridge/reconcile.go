package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/erpbridge/internal/config"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
)

// ReconcileOptions holds flags for the reconcile command
type ReconcileOptions struct {
	*RootOptions
	Direction  string
	EntityType string
	Since      string
}

func newReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and print the result",
		Long: `Run one reconciliation pass between the two systems and print the run
summary as JSON. Without --since the pass starts from the stored watermark.

Example:
  erpbridge reconcile --config erpbridge.toml --direction to_accounting
  erpbridge reconcile --direction a_to_b --since 2024-06-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "", "manufacturing_to_accounting or accounting_to_manufacturing (required)")
	cmd.Flags().StringVar(&opts.EntityType, "entity", "product", "entity type to reconcile")
	cmd.Flags().StringVar(&opts.Since, "since", "", "RFC 3339 lower bound overriding the watermark")
	_ = cmd.MarkFlagRequired("direction")

	return cmd
}

func runReconcile(opts *ReconcileOptions) error {
	direction, err := reconcile.ParseDirection(opts.Direction)
	if err != nil {
		return err
	}
	var since *time.Time
	if opts.Since != "" {
		t, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		since = &t
	}

	cfg, logger, err := loadConfig(opts.RootOptions, (*config.Config).Validate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.database.Close()

	mfg, acc, _, err := newClients(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := reconcile.New(cfg.Reconcile, mfg, acc, deps.database, notify.LogSink{Logger: logger}, nil, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	run, runErr := engine.Run(ctx, direction, opts.EntityType, since)
	if run != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	}
	return runErr
}
