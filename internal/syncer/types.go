package syncer

import (
	"context"

	"github.com/livinlefevreloca/erpbridge/internal/db"
)

// Store is the durable destination of job snapshots
type Store interface {
	UpsertBatchJobs(ctx context.Context, jobs []*db.BatchJob) error
	DeleteBatchJobs(ctx context.Context, ids []string) (int64, error)
}

// Stats provides current syncer statistics
type Stats struct {
	Saved       int64 // snapshots accepted by Save
	Deleted     int64 // ids accepted by Delete
	Dropped     int64 // snapshots dropped because the channel stayed full
	Written     int64 // rows upserted
	Flushes     int64
	FlushErrors int64
}

// change is one message on the write channel: a snapshot or a deletion
type change struct {
	job      *db.BatchJob
	deleteID string
}
