package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Sync Watermark Operations
// =============================================================================

// GetWatermark returns the stored watermark, or ErrNotFound if none was written yet
func (db *DB) GetWatermark(ctx context.Context, direction, entityType string) (time.Time, error) {
	var nanos int64
	err := db.QueryRowContext(ctx, `
		SELECT watermark FROM sync_watermarks
		WHERE direction = ? AND entity_type = ?
	`, direction, entityType).Scan(&nanos)

	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

// AdvanceWatermark stores watermark unless a later one is already recorded.
// It returns the value in effect after the call.
func (db *DB) AdvanceWatermark(ctx context.Context, direction, entityType string, watermark time.Time) (time.Time, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_watermarks (direction, entity_type, watermark, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(direction, entity_type) DO UPDATE SET
			watermark = excluded.watermark,
			updated_at = excluded.updated_at
		WHERE excluded.watermark > sync_watermarks.watermark
	`, direction, entityType, watermark.UnixNano(), time.Now().UTC())
	if err != nil {
		return time.Time{}, err
	}
	return db.GetWatermark(ctx, direction, entityType)
}

// ListWatermarks returns every stored watermark
func (db *DB) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT direction, entity_type, watermark, updated_at
		FROM sync_watermarks
		ORDER BY direction, entity_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marks []Watermark
	for rows.Next() {
		var (
			w     Watermark
			nanos int64
		)
		if err := rows.Scan(&w.Direction, &w.EntityType, &nanos, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Watermark = time.Unix(0, nanos).UTC()
		marks = append(marks, w)
	}
	return marks, rows.Err()
}
