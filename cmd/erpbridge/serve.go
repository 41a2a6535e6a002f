package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/erpbridge/internal/api"
	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/client"
	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/config"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/outbox"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
	"github.com/livinlefevreloca/erpbridge/internal/syncer"
	"github.com/livinlefevreloca/erpbridge/internal/worker"
)

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, batch worker, reconciliation scheduler and outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts)
		},
	}
}

type storage struct {
	database *db.DB
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if !cfg.Database.SkipMigrations {
		applied, err := database.Migrate(ctx, logger)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database schema up to date", "applied", len(applied))
	}
	return &storage{database: database}, nil
}

// newClients builds both external clients, each behind its own breaker
func newClients(cfg *config.Config, logger *slog.Logger) (*client.Manufacturing, *client.Accounting, []*breaker.Breaker, error) {
	mfgBreaker, err := breaker.New("manufacturing", cfg.Breakers.Manufacturing, clock.Real{}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	accBreaker, err := breaker.New("accounting", cfg.Breakers.Accounting, clock.Real{}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	mfg, err := client.NewManufacturing(cfg.Manufacturing, mfgBreaker, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	acc, err := client.NewAccounting(cfg.Accounting, accBreaker, clock.Real{}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return mfg, acc, []*breaker.Breaker{mfgBreaker, accBreaker}, nil
}

func runServe(rootOpts *RootOptions) error {
	cfg, logger, err := loadConfig(rootOpts, (*config.Config).Validate)
	if err != nil {
		return err
	}
	logger.Info("starting erpbridge",
		"api_addr", cfg.API.Addr,
		"metrics_addr", cfg.API.MetricsAddr,
		"schedule", cfg.Reconcile.Schedule)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.database.Close()
	database := deps.database
	clk := clock.Real{}

	// Job snapshots are written behind the registry by the syncer
	snapshots, err := syncer.NewSyncer(cfg.Syncer, database, logger)
	if err != nil {
		return err
	}
	snapshots.Start()
	defer func() {
		if err := snapshots.Shutdown(); err != nil {
			logger.Error("syncer shutdown failed", "error", err)
		}
	}()

	jobs := registry.New(cfg.Registry, clk, snapshots, logger)
	recovered, err := jobs.Recover(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to recover batch jobs: %w", err)
	}
	logger.Info("batch jobs recovered", "count", recovered)

	mfg, acc, breakers, err := newClients(cfg, logger)
	if err != nil {
		return err
	}

	// Notifications fan out to SSE subscribers and the webhook. Anything the
	// webhook refuses lands in the outbox, which redelivers to the same sink.
	broadcaster := notify.NewBroadcaster(cfg.Notify.SSEBuffer, logger)
	var redelivery notify.Sink = notify.LogSink{Logger: logger}
	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhookSink(cfg.Notify.Webhook, logger)
		if err != nil {
			return err
		}
		redelivery = webhook
	}
	retries, err := outbox.New(cfg.Outbox, database, redelivery, clk, logger)
	if err != nil {
		return err
	}
	dispatcher, err := notify.NewDispatcher(cfg.Notify, notify.Multi{broadcaster, redelivery}, retries, logger)
	if err != nil {
		return err
	}
	// The dispatcher outlives the producers so their final events still go out
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)

	engine, err := reconcile.New(cfg.Reconcile, mfg, acc, database, dispatcher, clk, logger)
	if err != nil {
		stopDispatch()
		return err
	}

	pushWorker, err := worker.New(cfg.Worker, jobs, database, acc, dispatcher, clk, logger)
	if err != nil {
		stopDispatch()
		return err
	}

	server, err := api.New(cfg.API, jobs, engine, breakers, broadcaster, logger)
	if err != nil {
		stopDispatch()
		return err
	}

	var scheduler *reconcile.Scheduler
	if cfg.Reconcile.Schedule != "" {
		scheduler, err = reconcile.NewScheduler(engine, cfg.Reconcile.Schedule, cfg.Reconcile.Targets, 0, clk, logger)
		if err != nil {
			stopDispatch()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pushWorker.Run(gctx) })
	g.Go(func() error { return retries.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if scheduler != nil {
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("shutting down", "error", err)

	engine.Close()
	stopDispatch()
	dispatcher.Wait()

	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
