package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
)

// Progress is the payload of BatchJobProgress and BatchJobCompleted events
type Progress struct {
	JobID           string          `json:"jobId"`
	Message         string          `json:"message"`
	Percent         float64         `json:"percent"`
	Status          registry.Status `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
	TotalItems      int             `json:"totalItems"`
	ProcessedItems  int             `json:"processedItems"`
	SuccessfulItems int             `json:"successfulItems"`
	FailedItems     int             `json:"failedItems"`
	CurrentBatch    int             `json:"currentBatch"`
	TotalBatches    int             `json:"totalBatches"`

	ItemsPerSecond            float64  `json:"itemsPerSecond"`
	EstimatedSecondsRemaining *float64 `json:"estimatedSecondsRemaining,omitempty"`
}

func progressFrom(job registry.BatchJob, message string, now time.Time) Progress {
	p := Progress{
		JobID:           job.ID,
		Message:         message,
		Percent:         job.ProgressPercent,
		Status:          job.Status,
		Timestamp:       now,
		TotalItems:      job.TotalItems,
		ProcessedItems:  job.ProcessedItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		CurrentBatch:    job.CurrentBatch,
		TotalBatches:    job.TotalBatches,
	}
	if job.ElapsedSeconds > 0 {
		p.ItemsPerSecond = math.Round(float64(job.ProcessedItems)/job.ElapsedSeconds*100) / 100
	}
	if job.EstimatedRemainingSeconds != nil {
		eta := math.Round(*job.EstimatedRemainingSeconds)
		p.EstimatedSecondsRemaining = &eta
	}
	return p
}

// throttle decides when an intermediate progress update is worth sending
type throttle struct {
	everyItems    int
	everyInterval time.Duration

	mu        sync.Mutex
	lastItems int
	lastAt    time.Time
}

func newThrottle(everyItems int, everyInterval time.Duration, start time.Time) *throttle {
	return &throttle{everyItems: everyItems, everyInterval: everyInterval, lastAt: start}
}

// due reports whether processed items at now warrant an update, and
// records it as sent if so
func (t *throttle) due(processed int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if processed-t.lastItems >= t.everyItems || now.Sub(t.lastAt) >= t.everyInterval {
		t.lastItems = processed
		t.lastAt = now
		return true
	}
	return false
}

// publish sends an event and logs delivery problems; notifications are never fatal
func publish(sink notify.Sink, name string, payload Progress, logger *slog.Logger) {
	ev, err := notify.NewEvent(name, payload)
	if err != nil {
		logger.Warn("failed to encode progress event", "job_id", payload.JobID, "error", err)
		return
	}
	if err := sink.Publish(context.Background(), ev); err != nil {
		logger.Warn("failed to publish progress event", "job_id", payload.JobID, "event", name, "error", err)
	}
}
