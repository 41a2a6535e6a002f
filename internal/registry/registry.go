package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/db"
)

// Standard errors
var (
	ErrNotFound           = errors.New("registry: job not found")
	ErrTerminal           = errors.New("registry: job already finished")
	ErrInvariantViolation = errors.New("registry: job invariant violated")
	ErrEmptyJob           = errors.New("registry: job has no items")
)

// RestartError is recorded on jobs that were running when the process stopped
const RestartError = "interrupted by process restart"

// Config controls job defaults and snapshot size
type Config struct {
	DefaultBatchSize int `toml:"default_batch_size"`
	// Detail lists in status snapshots are capped to the most recent entries
	MaxSnapshotErrors   int `toml:"max_snapshot_errors"`
	MaxSnapshotFailures int `toml:"max_snapshot_failures"`
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize:    100,
		MaxSnapshotErrors:   50,
		MaxSnapshotFailures: 100,
	}
}

// Persister receives every job snapshot after a mutation
type Persister interface {
	Save(job *db.BatchJob)
	Delete(ids ...string)
}

// Loader reads persisted jobs on startup
type Loader interface {
	ListBatchJobs(ctx context.Context, statuses ...string) ([]*db.BatchJob, error)
}

// entry pairs a job with its lock and cancellation signal
type entry struct {
	mu     sync.Mutex
	job    BatchJob
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry holds every retained batch job and the FIFO of pending ones.
// All job mutations are serialized per job id.
type Registry struct {
	config    Config
	clock     clock.Clock
	persister Persister
	logger    *slog.Logger

	mu    sync.RWMutex
	jobs  map[string]*entry
	queue []string

	ready chan struct{}
}

// New creates an empty registry. persister may be nil.
func New(config Config, clk clock.Clock, persister Persister, logger *slog.Logger) *Registry {
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = DefaultConfig().DefaultBatchSize
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Registry{
		config:    config,
		clock:     clk,
		persister: persister,
		logger:    logger,
		jobs:      make(map[string]*entry),
		ready:     make(chan struct{}, 1),
	}
}

// newJobID returns batch_<UTC yyyymmddHHMMSS>_<8 hex chars>
func newJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%s_%s", now.UTC().Format("20060102150405"), suffix)
}

// Enqueue registers a Pending job and returns its id
func (r *Registry) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.ItemIDs) == 0 {
		return "", ErrEmptyJob
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = r.config.DefaultBatchSize
	}
	delay := req.DelayBetweenBatches
	if delay < 0 {
		delay = 0
	}

	now := r.clock.Now()
	jobCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: BatchJob{
			ID:                  newJobID(now),
			ItemIDs:             append([]string(nil), req.ItemIDs...),
			BatchSize:           batchSize,
			DelayBetweenBatches: delay,
			CreatedBy:           req.CreatedBy,
			Status:              Pending,
			TotalItems:          len(req.ItemIDs),
			TotalBatches:        TotalBatchesFor(len(req.ItemIDs), batchSize),
			CreatedAt:           now,
		},
		ctx:    jobCtx,
		cancel: cancel,
	}

	r.mu.Lock()
	for r.jobs[e.job.ID] != nil {
		e.job.ID = newJobID(now)
	}
	r.jobs[e.job.ID] = e
	r.queue = append(r.queue, e.job.ID)
	r.mu.Unlock()

	r.persist(&e.job)

	select {
	case r.ready <- struct{}{}:
	default:
	}

	r.logger.Info("batch job enqueued",
		"job_id", e.job.ID,
		"total_items", e.job.TotalItems,
		"batch_size", batchSize,
		"total_batches", e.job.TotalBatches)
	return e.job.ID, nil
}

// Dequeue claims the oldest Pending job and marks it InProgress.
// Jobs cancelled while queued are skipped.
func (r *Registry) Dequeue() (BatchJob, bool) {
	e := r.claimNext()
	if e == nil {
		return BatchJob{}, false
	}
	defer e.mu.Unlock()

	claimed := e.job.clone()
	r.persist(&e.job)
	return claimed, true
}

// claimNext marks the oldest Pending job InProgress and returns its entry
// with the job lock still held
func (r *Registry) claimNext() *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.queue) > 0 {
		id := r.queue[0]
		r.queue = r.queue[1:]

		e, ok := r.jobs[id]
		if !ok {
			continue
		}

		e.mu.Lock()
		if e.job.Status != Pending {
			e.mu.Unlock()
			continue
		}
		now := r.clock.Now()
		e.job.Status = InProgress
		e.job.StartedAt = &now
		return e
	}
	return nil
}

// Ready is signalled when a job is enqueued so idle workers can wake early
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// UpdateStatus applies mutate to the job under its lock. Terminal jobs are
// immutable. A mutation that breaks the counter invariants is rolled back.
func (r *Registry) UpdateStatus(id string, mutate func(*BatchJob)) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.IsTerminal() {
		return ErrTerminal
	}

	before := e.job.clone()
	mutate(&e.job)

	if err := checkTransition(&before, &e.job); err != nil {
		e.job = before
		r.logger.Error("rejected job mutation", "job_id", id, "error", err)
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	if e.job.Status.IsTerminal() {
		if e.job.CompletedAt == nil {
			now := r.clock.Now()
			e.job.CompletedAt = &now
		}
		// Release the signal's resources; nothing observes it after the terminal state
		e.cancel()
	}

	r.persist(&e.job)
	return nil
}

// checkTransition validates a mutation against the job invariants
func checkTransition(before, after *BatchJob) error {
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("job id changed")
	case after.TotalItems != before.TotalItems:
		return fmt.Errorf("total items changed from %d to %d", before.TotalItems, after.TotalItems)
	case after.ProcessedItems != after.SuccessfulItems+after.FailedItems:
		return fmt.Errorf("processed %d != successful %d + failed %d",
			after.ProcessedItems, after.SuccessfulItems, after.FailedItems)
	case after.ProcessedItems < 0 || after.ProcessedItems > after.TotalItems:
		return fmt.Errorf("processed %d outside [0, %d]", after.ProcessedItems, after.TotalItems)
	case after.SuccessfulItems < before.SuccessfulItems ||
		after.FailedItems < before.FailedItems ||
		after.CurrentBatch < before.CurrentBatch:
		return fmt.Errorf("counters moved backwards")
	case after.Status == Pending && before.Status != Pending:
		return fmt.Errorf("status moved back to %s", Pending)
	}
	return nil
}

// GetStatus returns a snapshot of the job
func (r *Registry) GetStatus(id string) (BatchJob, error) {
	e, ok := r.lookup(id)
	if !ok {
		return BatchJob{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.snapshot(r.clock.Now(), r.config.MaxSnapshotErrors, r.config.MaxSnapshotFailures), nil
}

// ListActive returns Pending and InProgress jobs, newest first
func (r *Registry) ListActive() []BatchJob {
	return r.list(func(s Status) bool { return !s.IsTerminal() })
}

// List returns every retained job, newest first
func (r *Registry) List() []BatchJob {
	return r.list(func(Status) bool { return true })
}

func (r *Registry) list(keep func(Status) bool) []BatchJob {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	jobs := make([]BatchJob, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.job.Status) {
			jobs = append(jobs, e.job.snapshot(now, r.config.MaxSnapshotErrors, r.config.MaxSnapshotFailures))
		}
		e.mu.Unlock()
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel requests cancellation. A Pending job becomes Cancelled immediately;
// an InProgress job has its signal fired and is finalized by its worker.
// Returns false for unknown or already-finished jobs.
func (r *Registry) Cancel(id, requestedBy, reason string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	switch e.job.Status {
	case Pending:
		e.job.Status = Cancelled
		e.job.CompletedAt = &now
	case InProgress:
	default:
		return false
	}

	if e.job.CancelRequestedAt == nil {
		e.job.CancelRequestedAt = &now
		e.job.CancelledBy = requestedBy
		e.job.CancelReason = reason
	}
	e.cancel()
	r.persist(&e.job)

	r.logger.Info("batch job cancellation requested",
		"job_id", id,
		"status", e.job.Status,
		"requested_by", requestedBy,
		"reason", reason)
	return true
}

// CancelSignal returns the job's cancellation signal
func (r *Registry) CancelSignal(id string) (context.Context, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.ctx, nil
}

// CleanupOlderThan evicts terminal jobs that completed before now-d and
// returns how many were removed
func (r *Registry) CleanupOlderThan(d time.Duration) int {
	cutoff := r.clock.Now().Add(-d)

	r.mu.Lock()
	var evicted []string
	for id, e := range r.jobs {
		e.mu.Lock()
		expired := e.job.Status.IsTerminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff)
		e.mu.Unlock()

		if expired {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		if r.persister != nil {
			r.persister.Delete(evicted...)
		}
		r.logger.Info("evicted finished batch jobs", "count", len(evicted), "older_than", d)
	}
	return len(evicted)
}

// Recover loads persisted jobs into an empty registry. Jobs that were not
// finished when the process stopped are marked Failed.
func (r *Registry) Recover(ctx context.Context, loader Loader) (int, error) {
	records, err := loader.ListBatchJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted jobs: %w", err)
	}

	now := r.clock.Now()
	interrupted := 0
	var changed []BatchJob

	r.mu.Lock()
	for _, rec := range records {
		if _, exists := r.jobs[rec.ID]; exists {
			continue
		}

		job := fromRecord(rec)
		if !job.Status.IsTerminal() {
			job.Status = Failed
			job.Errors = append(job.Errors, RestartError)
			job.CompletedAt = &now
			job.ProcessedItems = job.SuccessfulItems + job.FailedItems
			interrupted++
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		cancel()
		r.jobs[job.ID] = &entry{job: job, ctx: jobCtx, cancel: cancel}

		if rec.Status != string(job.Status) {
			changed = append(changed, job)
		}
	}
	r.mu.Unlock()

	for i := range changed {
		r.persist(&changed[i])
	}

	r.logger.Info("recovered batch jobs", "loaded", len(records), "interrupted", interrupted)
	return interrupted, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// persist hands a snapshot to the persister. Callers hold the job's lock
// but never r.mu, since Save may block.
func (r *Registry) persist(job *BatchJob) {
	if r.persister == nil {
		return
	}
	rec := toRecord(job)
	rec.UpdatedAt = r.clock.Now()
	r.persister.Save(rec)
}
