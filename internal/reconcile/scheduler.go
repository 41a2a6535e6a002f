package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/cron"
)

// Runner runs one pass; *Engine satisfies it
type Runner interface {
	Run(ctx context.Context, direction Direction, entityType string, since *time.Time) (*Run, error)
}

// Scheduler triggers passes for every configured target when a cron
// expression fires. It checks the schedule on a fixed tick so a slow pass
// delays, but never duplicates, the next activation.
type Scheduler struct {
	runner   Runner
	schedule *cron.Schedule
	targets  []Target
	tick     time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewScheduler parses expr and returns a scheduler over targets.
// tick is how often the schedule is checked (30s when zero).
func NewScheduler(runner Runner, expr string, targets []Target, tick time.Duration, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("reconcile: scheduler needs a runner")
	}
	sched, err := cron.Parse(expr)
	if err != nil {
		return nil, err
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		runner:   runner,
		schedule: sched,
		targets:  targets,
		tick:     tick,
		clock:    clk,
		logger:   logger.With("schedule", sched.String()),
	}, nil
}

// Run blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	next := s.schedule.Next(s.clock.Now())
	s.logger.Info("reconciliation scheduler started", "next", next, "targets", len(s.targets))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return nil
		case <-ticker.C:
			now := s.clock.Now()
			if next.IsZero() || now.Before(next) {
				continue
			}
			s.RunOnce(ctx)
			next = s.schedule.Next(s.clock.Now())
		}
	}
}

// RunOnce runs every target in order. A failing target does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	failed := 0
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return failed
		}
		if _, err := s.runner.Run(ctx, t.Direction, t.EntityType, nil); err != nil {
			failed++
			s.logger.Warn("scheduled reconciliation failed",
				"direction", string(t.Direction), "entity_type", t.EntityType, "error", err)
		}
	}
	return failed
}
