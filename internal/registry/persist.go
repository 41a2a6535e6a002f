package registry

import (
	"github.com/livinlefevreloca/erpbridge/internal/db"
)

func toRecord(j *BatchJob) *db.BatchJob {
	rec := &db.BatchJob{
		ID:                j.ID,
		Status:            string(j.Status),
		CreatedBy:         j.CreatedBy,
		BatchSize:         j.BatchSize,
		Delay:             j.DelayBetweenBatches,
		ItemIDs:           append([]string(nil), j.ItemIDs...),
		TotalItems:        j.TotalItems,
		ProcessedItems:    j.ProcessedItems,
		SuccessfulItems:   j.SuccessfulItems,
		FailedItems:       j.FailedItems,
		CurrentBatch:      j.CurrentBatch,
		TotalBatches:      j.TotalBatches,
		Errors:            append([]string(nil), j.Errors...),
		CancelRequestedAt: copyTime(j.CancelRequestedAt),
		CreatedAt:         j.CreatedAt,
		StartedAt:         copyTime(j.StartedAt),
		CompletedAt:       copyTime(j.CompletedAt),
	}

	rec.Failures = make([]db.ItemFailure, len(j.Failures))
	for i, f := range j.Failures {
		rec.Failures[i] = db.ItemFailure(f)
	}
	if j.CancelledBy != "" {
		by := j.CancelledBy
		rec.CancelledBy = &by
	}
	if j.CancelReason != "" {
		reason := j.CancelReason
		rec.CancelReason = &reason
	}
	return rec
}

func fromRecord(rec *db.BatchJob) BatchJob {
	j := BatchJob{
		ID:                  rec.ID,
		ItemIDs:             append([]string(nil), rec.ItemIDs...),
		BatchSize:           rec.BatchSize,
		DelayBetweenBatches: rec.Delay,
		CreatedBy:           rec.CreatedBy,
		Status:              Status(rec.Status),
		TotalItems:          rec.TotalItems,
		ProcessedItems:      rec.ProcessedItems,
		SuccessfulItems:     rec.SuccessfulItems,
		FailedItems:         rec.FailedItems,
		CurrentBatch:        rec.CurrentBatch,
		TotalBatches:        rec.TotalBatches,
		Errors:              append([]string(nil), rec.Errors...),
		CreatedAt:           rec.CreatedAt,
		StartedAt:           copyTime(rec.StartedAt),
		CompletedAt:         copyTime(rec.CompletedAt),
		CancelRequestedAt:   copyTime(rec.CancelRequestedAt),
	}

	j.Failures = make([]ItemFailure, len(rec.Failures))
	for i, f := range rec.Failures {
		j.Failures[i] = ItemFailure(f)
	}
	if rec.CancelledBy != nil {
		j.CancelledBy = *rec.CancelledBy
	}
	if rec.CancelReason != nil {
		j.CancelReason = *rec.CancelReason
	}
	return j
}
