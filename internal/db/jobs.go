package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// =============================================================================
// Batch Job Operations
// =============================================================================

var batchJobColumns = []string{
	"id", "status", "created_by", "batch_size", "delay_ms", "item_ids",
	"total_items", "processed_items", "successful_items", "failed_items",
	"current_batch", "total_batches", "failures", "errors",
	"cancelled_by", "cancel_reason", "cancel_requested_at",
	"created_at", "started_at", "completed_at", "updated_at",
}

const upsertBatchJobSQL = `
	INSERT INTO batch_jobs (
		id, status, created_by, batch_size, delay_ms, item_ids,
		total_items, processed_items, successful_items, failed_items,
		current_batch, total_batches, failures, errors,
		cancelled_by, cancel_reason, cancel_requested_at,
		created_at, started_at, completed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		processed_items = excluded.processed_items,
		successful_items = excluded.successful_items,
		failed_items = excluded.failed_items,
		current_batch = excluded.current_batch,
		total_batches = excluded.total_batches,
		failures = excluded.failures,
		errors = excluded.errors,
		cancelled_by = excluded.cancelled_by,
		cancel_reason = excluded.cancel_reason,
		cancel_requested_at = excluded.cancel_requested_at,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at
`

// UpsertBatchJob inserts or replaces the snapshot of a job
func (db *DB) UpsertBatchJob(ctx context.Context, job *BatchJob) error {
	args, err := batchJobArgs(job)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, upsertBatchJobSQL, args...)
	return err
}

// UpsertBatchJob inserts or replaces the snapshot of a job within a transaction
func (tx *Tx) UpsertBatchJob(ctx context.Context, job *BatchJob) error {
	args, err := batchJobArgs(job)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, upsertBatchJobSQL, args...)
	return err
}

// UpsertBatchJobs writes a set of snapshots in one transaction
func (db *DB) UpsertBatchJobs(ctx context.Context, jobs []*BatchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		for _, job := range jobs {
			if err := tx.UpsertBatchJob(ctx, job); err != nil {
				return fmt.Errorf("upsert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// GetBatchJob retrieves a job snapshot by ID
func (db *DB) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	query, args, err := sq.Select(batchJobColumns...).
		From("batch_jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	job, err := scanBatchJob(db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListBatchJobs returns job snapshots newest first, optionally filtered by status
func (db *DB) ListBatchJobs(ctx context.Context, statuses ...string) ([]*BatchJob, error) {
	builder := sq.Select(batchJobColumns...).
		From("batch_jobs").
		OrderBy("created_at DESC")
	if len(statuses) > 0 {
		builder = builder.Where(sq.Eq{"status": statuses})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteBatchJobs removes the given job snapshots and returns how many existed
func (db *DB) DeleteBatchJobs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sq.Delete("batch_jobs").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteBatchJobsCompletedBefore removes finished jobs older than cutoff
func (db *DB) DeleteBatchJobsCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := sq.Delete("batch_jobs").
		Where(sq.NotEq{"completed_at": nil}).
		Where(sq.Lt{"completed_at": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func batchJobArgs(job *BatchJob) ([]interface{}, error) {
	itemIDs, err := json.Marshal(nonNilStrings(job.ItemIDs))
	if err != nil {
		return nil, fmt.Errorf("encode item ids: %w", err)
	}
	failures := job.Failures
	if failures == nil {
		failures = []ItemFailure{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return nil, fmt.Errorf("encode failures: %w", err)
	}
	errorsJSON, err := json.Marshal(nonNilStrings(job.Errors))
	if err != nil {
		return nil, fmt.Errorf("encode errors: %w", err)
	}

	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return []interface{}{
		job.ID, job.Status, job.CreatedBy, job.BatchSize, job.Delay.Milliseconds(), string(itemIDs),
		job.TotalItems, job.ProcessedItems, job.SuccessfulItems, job.FailedItems,
		job.CurrentBatch, job.TotalBatches, string(failuresJSON), string(errorsJSON),
		job.CancelledBy, job.CancelReason, utcPtr(job.CancelRequestedAt),
		job.CreatedAt.UTC(), utcPtr(job.StartedAt), utcPtr(job.CompletedAt), updatedAt.UTC(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatchJob(row rowScanner) (*BatchJob, error) {
	var (
		job                                 BatchJob
		delayMS                             int64
		itemIDs, failures, errs             string
		cancelledBy, cancelReason           sql.NullString
		cancelRequested, started, completed sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.Status, &job.CreatedBy, &job.BatchSize, &delayMS, &itemIDs,
		&job.TotalItems, &job.ProcessedItems, &job.SuccessfulItems, &job.FailedItems,
		&job.CurrentBatch, &job.TotalBatches, &failures, &errs,
		&cancelledBy, &cancelReason, &cancelRequested,
		&job.CreatedAt, &started, &completed, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Delay = time.Duration(delayMS) * time.Millisecond
	if err := json.Unmarshal([]byte(itemIDs), &job.ItemIDs); err != nil {
		return nil, fmt.Errorf("decode item ids of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(failures), &job.Failures); err != nil {
		return nil, fmt.Errorf("decode failures of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(errs), &job.Errors); err != nil {
		return nil, fmt.Errorf("decode errors of job %s: %w", job.ID, err)
	}

	job.CancelledBy = nullString(cancelledBy)
	job.CancelReason = nullString(cancelReason)
	job.CancelRequestedAt = nullTime(cancelRequested)
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)

	return &job, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
