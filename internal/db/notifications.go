package db

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// =============================================================================
// Failed Notification (outbox) Operations
// =============================================================================

var notificationColumns = []string{
	"id", "event_name", "payload", "retry_count", "next_retry_at",
	"last_error", "last_retry_at", "dead_lettered", "created_at",
}

// InsertFailedNotification stores a new outbox entry
func (db *DB) InsertFailedNotification(ctx context.Context, n *FailedNotification) error {
	query, args, err := sq.Insert("failed_notifications").
		Columns(notificationColumns...).
		Values(
			n.ID, n.EventName, []byte(n.Payload), n.RetryCount, unixNanoPtr(n.NextRetryAt),
			n.LastError, utcPtr(n.LastRetryAt), n.DeadLettered, n.CreatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// DueFailedNotifications returns up to limit live entries whose next retry is
// not after now, oldest first
func (db *DB) DueFailedNotifications(ctx context.Context, now time.Time, limit int) ([]*FailedNotification, error) {
	query, args, err := sq.Select(notificationColumns...).
		From("failed_notifications").
		Where(sq.Eq{"dead_lettered": false}).
		Where(sq.Or{
			sq.Eq{"next_retry_at": nil},
			sq.LtOrEq{"next_retry_at": now.UnixNano()},
		}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*FailedNotification
	for rows.Next() {
		n, err := scanFailedNotification(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, n)
	}
	return entries, rows.Err()
}

// GetFailedNotification retrieves one outbox entry
func (db *DB) GetFailedNotification(ctx context.Context, id string) (*FailedNotification, error) {
	query, args, err := sq.Select(notificationColumns...).
		From("failed_notifications").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	n, err := scanFailedNotification(db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

// UpdateFailedNotification records the outcome of a failed redelivery
func (db *DB) UpdateFailedNotification(ctx context.Context, n *FailedNotification) error {
	query, args, err := sq.Update("failed_notifications").
		Set("retry_count", n.RetryCount).
		Set("next_retry_at", unixNanoPtr(n.NextRetryAt)).
		Set("last_error", n.LastError).
		Set("last_retry_at", utcPtr(n.LastRetryAt)).
		Set("dead_lettered", n.DeadLettered).
		Where(sq.Eq{"id": n.ID}).
		ToSql()
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFailedNotification removes a delivered entry
func (db *DB) DeleteFailedNotification(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM failed_notifications WHERE id = ?", id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFailedNotifications returns live and dead-lettered entry counts
func (db *DB) CountFailedNotifications(ctx context.Context) (live, dead int, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN dead_lettered = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_lettered = 1 THEN 1 ELSE 0 END), 0)
		FROM failed_notifications
	`).Scan(&live, &dead)
	return live, dead, err
}

func scanFailedNotification(row rowScanner) (*FailedNotification, error) {
	var (
		n         FailedNotification
		payload   []byte
		nextNanos sql.NullInt64
		lastError sql.NullString
		lastRetry sql.NullTime
	)

	err := row.Scan(
		&n.ID, &n.EventName, &payload, &n.RetryCount, &nextNanos,
		&lastError, &lastRetry, &n.DeadLettered, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Payload = payload
	if nextNanos.Valid {
		t := time.Unix(0, nextNanos.Int64).UTC()
		n.NextRetryAt = &t
	}
	n.LastError = nullString(lastError)
	n.LastRetryAt = nullTime(lastRetry)
	return &n, nil
}

func unixNanoPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
