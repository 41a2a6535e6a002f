package db

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// =============================================================================
// Local Record Operations
// =============================================================================

// UpsertLocalRecord inserts or replaces a locally-held record
func (db *DB) UpsertLocalRecord(ctx context.Context, r *LocalRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO local_records (id, code, name, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, r.ID, r.Code, r.Name, string(payload), r.UpdatedAt.UTC())
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// LoadLocalRecords returns the records with the given ids, keyed by id.
// Ids with no stored record are absent from the map.
func (db *DB) LoadLocalRecords(ctx context.Context, ids []string) (map[string]LocalRecord, error) {
	records := make(map[string]LocalRecord, len(ids))
	if len(ids) == 0 {
		return records, nil
	}

	// Stay well below SQLite's bound parameter limit
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}

		query, args, err := sq.Select("id", "code", "name", "payload", "updated_at").
			From("local_records").
			Where(sq.Eq{"id": ids[start:end]}).
			ToSql()
		if err != nil {
			return nil, err
		}

		if err := db.scanLocalRecords(ctx, query, args, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (db *DB) scanLocalRecords(ctx context.Context, query string, args []interface{}, into map[string]LocalRecord) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       LocalRecord
			payload string
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &payload, &r.UpdatedAt); err != nil {
			return err
		}
		r.Payload = []byte(payload)
		into[r.ID] = r
	}
	return rows.Err()
}
