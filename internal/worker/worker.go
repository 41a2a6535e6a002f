package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/livinlefevreloca/erpbridge/internal/client"
	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
)

// Job-level and item-level messages
const (
	MsgRecordNotFound = "local record not found"
	MsgNoRecords      = "no records to process"
	MsgNoMessage      = "push rejected without message"
)

// RecordSource loads the local records referenced by a job; *db.DB satisfies it
type RecordSource interface {
	LoadLocalRecords(ctx context.Context, ids []string) (map[string]db.LocalRecord, error)
}

// Pusher sends one sub-batch to the accounting system; *client.Accounting satisfies it
type Pusher interface {
	PushBatch(ctx context.Context, records []db.LocalRecord) (client.PushResult, error)
}

// Jobs is the part of the registry the worker drives
type Jobs interface {
	Dequeue() (registry.BatchJob, bool)
	Ready() <-chan struct{}
	UpdateStatus(id string, mutate func(*registry.BatchJob)) error
	GetStatus(id string) (registry.BatchJob, error)
	CancelSignal(id string) (context.Context, error)
	CleanupOlderThan(d time.Duration) int
}

// Worker executes batch push jobs claimed from the registry
type Worker struct {
	config   Config
	jobs     Jobs
	records  RecordSource
	pusher   Pusher
	notifier notify.Sink
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a worker. notifier may be nil.
func New(config Config, jobs Jobs, records RecordSource, pusher Pusher, notifier notify.Sink, clk clock.Clock, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if jobs == nil || records == nil || pusher == nil {
		return nil, errors.New("worker: jobs, records and pusher are required")
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{
		config:   config,
		jobs:     jobs,
		records:  records,
		pusher:   pusher,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Run starts Config.Workers loops and blocks until ctx is done and every
// loop has returned
func (w *Worker) Run(ctx context.Context) error {
	if !sleep(ctx, w.config.StartupDelay) {
		return nil
	}

	w.logger.Info("batch push workers started", "workers", w.config.Workers)
	var wg conc.WaitGroup
	for i := 0; i < w.config.Workers; i++ {
		id := i
		wg.Go(func() { w.loop(ctx, id) })
	}
	wg.Wait()
	w.logger.Info("batch push workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok := w.jobs.Dequeue()
		if ok {
			if err := w.Process(ctx, job); err != nil {
				logger.Error("batch job processing failed", "job_id", job.ID, "error", err)
				if !sleep(ctx, w.config.ErrorBackoff) {
					return
				}
			}
		}

		w.jobs.CleanupOlderThan(w.config.Retention)

		if ok {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.jobs.Ready():
		case <-time.After(w.config.PollInterval):
		}
	}
}

// batchOutcome is the explicit result of pushing one sub-batch
type batchOutcome struct {
	index    int
	records  []db.LocalRecord
	accepted int
	message  string
	err      error
}

func (o batchOutcome) ok() bool {
	return o.err == nil && o.accepted > 0
}

// failureText is attached to every item of a failed sub-batch
func (o batchOutcome) failureText() string {
	if o.err != nil {
		return o.err.Error()
	}
	if o.message != "" {
		return o.message
	}
	return MsgNoMessage
}

// execution is the state of one job while it runs
type execution struct {
	job      registry.BatchJob
	logger   *slog.Logger
	throttle *throttle

	// stop is cancelled on a cancel request, worker shutdown or systemic abort
	stop       context.Context
	cancelStop context.CancelFunc

	aborted   atomic.Bool
	cancelled atomic.Bool
	abortOnce sync.Once
}

// Process runs a claimed job to a terminal state. It returns an error only
// when the job's state could not be recorded.
func (w *Worker) Process(ctx context.Context, job registry.BatchJob) error {
	logger := w.logger.With("job_id", job.ID)

	signal, err := w.jobs.CancelSignal(job.ID)
	if err != nil {
		return fmt.Errorf("cancel signal: %w", err)
	}
	stop, cancelStop := context.WithCancel(signal)
	defer cancelStop()
	unlink := context.AfterFunc(ctx, cancelStop)
	defer unlink()

	ex := &execution{
		job:        job,
		logger:     logger,
		throttle:   newThrottle(w.config.ProgressEveryItems, w.config.ProgressEveryInterval, w.clock.Now()),
		stop:       stop,
		cancelStop: cancelStop,
	}

	logger.Info("batch job started", "total_items", job.TotalItems, "batch_size", job.BatchSize)
	w.progress(job.ID, "started", notify.EventBatchJobProgress, logger)

	batches, err := w.prepare(ctx, ex)
	if err != nil {
		return err
	}

	if len(batches) > 0 {
		if job.TotalItems < w.config.ParallelThreshold {
			err = w.runSequential(ex, batches)
		} else {
			err = w.runParallel(ex, batches)
		}
		if err != nil {
			return err
		}
	}

	return w.finalize(ex)
}

// prepare loads the job's records, fails the ones that do not exist and
// splits the rest into sub-batches in item order
func (w *Worker) prepare(ctx context.Context, ex *execution) ([][]db.LocalRecord, error) {
	job := ex.job
	found, err := w.records.LoadLocalRecords(ctx, job.ItemIDs)
	if err != nil {
		msg := fmt.Sprintf("failed to load local records: %v", err)
		ex.logger.Error("failed to load local records", "error", err)
		if uerr := w.jobs.UpdateStatus(job.ID, func(j *registry.BatchJob) {
			j.Errors = append(j.Errors, msg)
		}); uerr != nil {
			return nil, uerr
		}
		return nil, nil
	}

	now := w.clock.Now()
	var (
		ordered []db.LocalRecord
		missing []registry.ItemFailure
	)
	for _, id := range job.ItemIDs {
		if rec, ok := found[id]; ok {
			ordered = append(ordered, rec)
			continue
		}
		missing = append(missing, registry.ItemFailure{ItemID: id, Error: MsgRecordNotFound, At: now})
	}

	size := job.BatchSize
	if size <= 0 {
		size = registry.DefaultConfig().DefaultBatchSize
	}
	var batches [][]db.LocalRecord
	for start := 0; start < len(ordered); start += size {
		end := min(start+size, len(ordered))
		batches = append(batches, ordered[start:end])
	}

	err = w.jobs.UpdateStatus(job.ID, func(j *registry.BatchJob) {
		j.TotalBatches = len(batches)
		if len(missing) > 0 {
			j.AddFailures(missing...)
		}
		if len(ordered) == 0 {
			j.Errors = append(j.Errors, MsgNoRecords)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		ex.logger.Warn("local records not found", "count", len(missing))
	}
	return batches, nil
}

// runSequential pushes sub-batches one at a time with the job's delay in between
func (w *Worker) runSequential(ex *execution, batches [][]db.LocalRecord) error {
	for i, batch := range batches {
		if w.stopped(ex) {
			return nil
		}
		if err := w.apply(ex, w.push(ex, i, batch)); err != nil {
			return err
		}
		if i < len(batches)-1 && !sleep(ex.stop, ex.job.DelayBetweenBatches) {
			w.stopped(ex)
			return nil
		}
	}
	return nil
}

// runParallel admits sub-batches in index order through a counting gate
func (w *Worker) runParallel(ex *execution, batches [][]db.LocalRecord) error {
	gate := semaphore.NewWeighted(int64(w.config.MaxParallelism))

	var (
		wg       conc.WaitGroup
		errMu    sync.Mutex
		applyErr error
	)
	for i, batch := range batches {
		if w.stopped(ex) {
			break
		}
		if err := gate.Acquire(ex.stop, 1); err != nil {
			w.stopped(ex)
			break
		}
		if w.stopped(ex) {
			gate.Release(1)
			break
		}

		wg.Go(func() {
			defer gate.Release(1)
			if err := w.apply(ex, w.push(ex, i, batch)); err != nil {
				errMu.Lock()
				applyErr = errors.Join(applyErr, err)
				errMu.Unlock()
			}
		})
	}
	wg.Wait()
	return applyErr
}

// stopped reports whether no further sub-batch may be admitted, and
// remembers whether the reason was a cancellation
func (w *Worker) stopped(ex *execution) bool {
	if ex.stop.Err() == nil {
		return false
	}
	if !ex.aborted.Load() {
		ex.cancelled.Store(true)
	}
	return true
}

// push sends one sub-batch. The call is detached from the job's cancel
// signal so an admitted sub-batch always completes.
func (w *Worker) push(ex *execution, index int, batch []db.LocalRecord) batchOutcome {
	metrics.SubBatchesInFlight.Inc()
	defer metrics.SubBatchesInFlight.Dec()

	started := time.Now()
	res, err := w.pusher.PushBatch(context.WithoutCancel(ex.stop), batch)
	out := batchOutcome{index: index, records: batch, accepted: res.Accepted, message: res.Message, err: err}

	label := "success"
	if !out.ok() {
		label = "failure"
	}
	metrics.SubBatchDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	return out
}

// apply folds a sub-batch outcome into the job's counters
func (w *Worker) apply(ex *execution, out batchOutcome) error {
	systemic := out.err != nil && client.IsSystemic(out.err)
	if systemic {
		ex.abortOnce.Do(func() {
			ex.aborted.Store(true)
			ex.cancelStop()
		})
		ex.logger.Error("systemic push failure, stopping job", "batch", out.index+1, "error", out.err)
	} else if !out.ok() {
		ex.logger.Warn("sub-batch failed", "batch", out.index+1, "items", len(out.records), "error", out.failureText())
	}

	now := w.clock.Now()
	err := w.jobs.UpdateStatus(ex.job.ID, func(j *registry.BatchJob) {
		j.CurrentBatch++
		if out.ok() {
			j.AddSuccesses(len(out.records))
		} else {
			text := out.failureText()
			failures := make([]registry.ItemFailure, len(out.records))
			for i, r := range out.records {
				failures[i] = registry.ItemFailure{ItemID: r.ID, Code: r.Code, Name: r.Name, Error: text, At: now}
			}
			j.AddFailures(failures...)
		}
		if systemic {
			j.Errors = append(j.Errors, fmt.Sprintf("stopped after batch %d: %v", out.index+1, out.err))
		}
	})
	if err != nil {
		return fmt.Errorf("record batch %d: %w", out.index+1, err)
	}

	snap, err := w.jobs.GetStatus(ex.job.ID)
	if err == nil && ex.throttle.due(snap.ProcessedItems, now) {
		msg := fmt.Sprintf("batch %d/%d processed", snap.CurrentBatch, snap.TotalBatches)
		publish(w.notifier, notify.EventBatchJobProgress, progressFrom(snap, msg, now), ex.logger)
	}
	return nil
}

// finalize moves the job to its terminal status and announces it
func (w *Worker) finalize(ex *execution) error {
	// A signal that arrived while the last sub-batch was in flight still counts
	w.stopped(ex)

	var final registry.Status
	err := w.jobs.UpdateStatus(ex.job.ID, func(j *registry.BatchJob) {
		final = classify(j, ex.cancelled.Load())
		j.Status = final
	})
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	metrics.BatchJobsFinished.WithLabelValues(string(final)).Inc()
	snap, err := w.jobs.GetStatus(ex.job.ID)
	if err != nil {
		return nil
	}
	ex.logger.Info("batch job finished",
		"status", string(final),
		"successful", snap.SuccessfulItems,
		"failed", snap.FailedItems,
		"elapsed_seconds", snap.ElapsedSeconds)

	msg := fmt.Sprintf("%s: %d succeeded, %d failed", final, snap.SuccessfulItems, snap.FailedItems)
	publish(w.notifier, notify.EventBatchJobCompleted, progressFrom(snap, msg, w.clock.Now()), ex.logger)
	return nil
}

// classify picks the terminal status from the job's counters
func classify(j *registry.BatchJob, cancelled bool) registry.Status {
	switch {
	case cancelled:
		return registry.Cancelled
	case j.FailedItems == 0 && len(j.Errors) == 0:
		return registry.Completed
	case j.SuccessfulItems == 0:
		return registry.Failed
	default:
		return registry.PartiallyCompleted
	}
}

// progress publishes the job's current snapshot
func (w *Worker) progress(id, message, event string, logger *slog.Logger) {
	snap, err := w.jobs.GetStatus(id)
	if err != nil {
		return
	}
	publish(w.notifier, event, progressFrom(snap, message, w.clock.Now()), logger)
}

// sleep waits for d or until ctx is done; it reports whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
