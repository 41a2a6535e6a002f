package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/livinlefevreloca/erpbridge/internal/client"
	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
)

// Standard errors
var (
	ErrUnknownEntityType = errors.New("reconcile: no field whitelist for entity type")
	ErrClosed            = errors.New("reconcile: engine closed")
)

type pairKey struct {
	direction  Direction
	entityType string
}

// Engine runs directional reconciliation passes between the two systems
type Engine struct {
	config        Config
	manufacturing System
	accounting    System
	store         WatermarkStore
	notifier      notify.Sink
	clock         clock.Clock
	logger        *slog.Logger

	mu    sync.Mutex
	locks map[pairKey]*semaphore.Weighted
	last  map[pairKey]*Run

	// background runs started by Trigger
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       conc.WaitGroup
	closed   bool
}

// New creates an engine. notifier may be nil.
func New(config Config, manufacturing, accounting System, store WatermarkStore, notifier notify.Sink, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile config: %w", err)
	}
	if manufacturing == nil || accounting == nil {
		return nil, errors.New("reconcile: both systems are required")
	}
	if store == nil {
		return nil, errors.New("reconcile: watermark store is required")
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if clk == nil {
		clk = clock.Real{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:        config,
		manufacturing: manufacturing,
		accounting:    accounting,
		store:         store,
		notifier:      notifier,
		clock:         clk,
		logger:        logger,
		locks:         make(map[pairKey]*semaphore.Weighted),
		last:          make(map[pairKey]*Run),
		bgCtx:         ctx,
		bgCancel:      cancel,
	}, nil
}

// systems returns (source, target) for a direction
func (e *Engine) systems(d Direction) (System, System) {
	if d == AccountingToManufacturing {
		return e.accounting, e.manufacturing
	}
	return e.manufacturing, e.accounting
}

func (e *Engine) lock(k pairKey) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.locks[k]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.locks[k] = sem
	}
	return sem
}

// LastRun returns the most recent run for the pair, or nil
func (e *Engine) LastRun(direction Direction, entityType string) *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last[pairKey{direction, entityType}]
}

// Run performs one pass. since overrides the stored watermark when non-nil.
// The returned Run is always non-nil once the pass started; err is set when
// the pass aborted on a systemic failure or cancellation.
func (e *Engine) Run(ctx context.Context, direction Direction, entityType string, since *time.Time) (*Run, error) {
	direction, err := ParseDirection(string(direction))
	if err != nil {
		return nil, err
	}
	fields := e.config.fieldsFor(entityType)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}

	key := pairKey{direction, entityType}
	sem := e.lock(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	run := &Run{
		Direction:  direction,
		EntityType: entityType,
		StartedAt:  e.clock.Now(),
		Updated:    []UpdatedEntity{},
		Errors:     []EntityError{},
	}
	logger := e.logger.With("direction", string(direction), "entity_type", entityType)

	runErr := e.execute(ctx, run, fields, since, logger)

	run.FinishedAt = e.clock.Now()
	run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	if runErr != nil {
		run.Error = runErr.Error()
	}

	e.mu.Lock()
	e.last[key] = run
	e.mu.Unlock()

	e.finish(run, logger)
	return run, runErr
}

func (e *Engine) execute(ctx context.Context, run *Run, fields []string, since *time.Time, logger *slog.Logger) error {
	source, target := e.systems(run.Direction)
	entityType := run.EntityType

	from, err := e.resolveSince(ctx, run, since)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	run.Since = from

	candidates, err := source.ListChangedSince(ctx, entityType, from)
	if err != nil {
		return fmt.Errorf("list changed %s from %s: %w", entityType, source.Name(), err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})
	truncated := false
	if e.config.MaxCandidates > 0 && len(candidates) > e.config.MaxCandidates {
		candidates = candidates[:e.config.MaxCandidates]
		truncated = true
	}

	logger.Info("reconciliation started", "since", from, "candidates", len(candidates))

	for i, src := range candidates {
		if err := ctx.Err(); err != nil {
			e.abort(run, candidates[i:], err)
			return err
		}

		out := e.reconcileOne(ctx, target, entityType, src, fields)
		metrics.ReconcileEntities.WithLabelValues(string(run.Direction), entityType, out.kind.String()).Inc()

		switch out.kind {
		case outcomeSkipped:
			run.Skipped++
		case outcomeUpdated, outcomeCreated:
			run.Success++
			run.Updated = append(run.Updated, UpdatedEntity{
				Key:           out.key,
				ChangedFields: out.fields,
				Created:       out.kind == outcomeCreated,
			})
		case outcomeFailed:
			if client.IsSystemic(out.err) || ctx.Err() != nil {
				e.abort(run, candidates[i:], out.err)
				return fmt.Errorf("aborted at %q: %w", out.key, out.err)
			}
			run.Fail++
			run.Errors = append(run.Errors, EntityError{Key: out.key, Message: out.err.Error()})
			logger.Warn("entity reconciliation failed", "key", out.key, "error", out.err)
		}
	}

	mark := run.StartedAt.Add(-e.config.SafetyMargin)
	if truncated && len(candidates) > 0 {
		mark = candidates[len(candidates)-1].UpdatedAt
	}
	stored, err := e.store.AdvanceWatermark(ctx, string(run.Direction), entityType, mark)
	if err != nil {
		// Entities were applied; the next run repeats them harmlessly
		logger.Error("failed to advance watermark", "error", err)
		return nil
	}
	run.Watermark = &stored
	return nil
}

// resolveSince picks the lower bound of the change query
func (e *Engine) resolveSince(ctx context.Context, run *Run, since *time.Time) (time.Time, error) {
	if since != nil {
		return since.UTC(), nil
	}
	mark, err := e.store.GetWatermark(ctx, string(run.Direction), run.EntityType)
	if err == nil {
		return mark, nil
	}
	if !db.IsNotFound(err) {
		return time.Time{}, err
	}
	if e.config.InitialLookback > 0 {
		return run.StartedAt.Add(-e.config.InitialLookback), nil
	}
	return time.Time{}, nil
}

// abort counts every remaining candidate as failed with the cause
func (e *Engine) abort(run *Run, remaining []Entity, cause error) {
	msg := cause.Error()
	for _, c := range remaining {
		run.Fail++
		run.Errors = append(run.Errors, EntityError{Key: c.Key, Message: msg})
		metrics.ReconcileEntities.WithLabelValues(string(run.Direction), run.EntityType, outcomeFailed.String()).Inc()
	}
}

// reconcileOne brings the target's copy of src in line with it
func (e *Engine) reconcileOne(ctx context.Context, target System, entityType string, src Entity, fields []string) entityOutcome {
	if src.Key == "" {
		return entityOutcome{kind: outcomeSkipped}
	}
	out := entityOutcome{key: src.Key}

	current, err := target.GetByKey(ctx, entityType, src.Key)
	if err != nil && !client.IsNotFound(err) {
		out.kind = outcomeFailed
		out.err = fmt.Errorf("lookup in %s: %w", target.Name(), err)
		return out
	}

	if err != nil {
		values := pick(src.Fields, fields)
		if _, err := target.Create(ctx, entityType, Entity{Key: src.Key, Fields: values}); err != nil {
			out.kind = outcomeFailed
			out.err = fmt.Errorf("create in %s: %w", target.Name(), err)
			return out
		}
		out.kind = outcomeCreated
		out.fields = sortedKeys(values)
		return out
	}

	changed := Diff(src.Fields, current.Fields, fields, e.config.Tolerance)
	if len(changed) == 0 {
		out.kind = outcomeSkipped
		return out
	}

	update := make(map[string]any, len(changed))
	for _, f := range changed {
		update[f] = src.Fields[f]
	}
	if err := target.Update(ctx, entityType, src.Key, update); err != nil {
		out.kind = outcomeFailed
		out.err = fmt.Errorf("update in %s: %w", target.Name(), err)
		return out
	}
	out.kind = outcomeUpdated
	out.fields = changed
	return out
}

// finish logs, records metrics and publishes the completion event
func (e *Engine) finish(run *Run, logger *slog.Logger) {
	result := "success"
	if run.Error != "" {
		result = "aborted"
	}
	metrics.ReconcileRuns.WithLabelValues(string(run.Direction), run.EntityType, result).Inc()

	attrs := []any{
		"success", run.Success,
		"fail", run.Fail,
		"skipped", run.Skipped,
		"updated", len(run.Updated),
		"duration_ms", run.DurationMs,
	}
	if run.Error != "" {
		logger.Error("reconciliation aborted", append(attrs, "error", run.Error)...)
	} else {
		logger.Info("reconciliation finished", attrs...)
	}

	ev, err := notify.NewEvent(notify.EventReconciliationCompleted, run)
	if err != nil {
		logger.Warn("failed to encode completion event", "error", err)
		return
	}
	if err := e.notifier.Publish(context.Background(), ev); err != nil {
		logger.Warn("failed to publish completion event", "error", err)
	}
}

// TriggerRequest asks for a pass, optionally in the background
type TriggerRequest struct {
	Direction  Direction
	EntityType string
	Since      *time.Time
	Async      bool
}

// TriggerResult carries the finished run, or Accepted for a background pass
type TriggerResult struct {
	Accepted bool
	Run      *Run
}

// Trigger runs a pass for an operator or API request
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	direction, err := ParseDirection(string(req.Direction))
	if err != nil {
		return TriggerResult{}, err
	}
	if len(e.config.fieldsFor(req.EntityType)) == 0 {
		return TriggerResult{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}

	if !req.Async {
		run, err := e.Run(ctx, direction, req.EntityType, req.Since)
		return TriggerResult{Run: run}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return TriggerResult{}, ErrClosed
	}
	e.bg.Go(func() {
		if _, err := e.Run(e.bgCtx, direction, req.EntityType, req.Since); err != nil {
			e.logger.Warn("background reconciliation failed",
				"direction", string(direction), "entity_type", req.EntityType, "error", err)
		}
	})
	return TriggerResult{Accepted: true}, nil
}

// Close cancels background runs and waits for them
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.bgCancel()
	e.bg.Wait()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
