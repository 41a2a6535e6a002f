package registry

import (
	"math"
	"time"
)

// Status is the lifecycle state of a batch job
type Status string

const (
	Pending            Status = "Pending"
	InProgress         Status = "InProgress"
	Completed          Status = "Completed"
	PartiallyCompleted Status = "PartiallyCompleted"
	Failed             Status = "Failed"
	Cancelled          Status = "Cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, PartiallyCompleted, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// EnqueueRequest describes a new push job
type EnqueueRequest struct {
	ItemIDs             []string
	BatchSize           int
	DelayBetweenBatches time.Duration
	CreatedBy           string
}

// ItemFailure records why a single item was not pushed
type ItemFailure struct {
	ItemID string    `json:"itemId"`
	Code   string    `json:"code,omitempty"`
	Name   string    `json:"name,omitempty"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// BatchJob is a bulk push operation. Values handed out by the registry are
// deep copies; mutate a job only through Registry.UpdateStatus.
type BatchJob struct {
	ID                  string        `json:"jobId"`
	ItemIDs             []string      `json:"-"`
	BatchSize           int           `json:"batchSize"`
	DelayBetweenBatches time.Duration `json:"-"`
	CreatedBy           string        `json:"createdBy,omitempty"`

	Status          Status `json:"status"`
	TotalItems      int    `json:"totalItems"`
	ProcessedItems  int    `json:"processedItems"`
	SuccessfulItems int    `json:"successfulItems"`
	FailedItems     int    `json:"failedItems"`
	CurrentBatch    int    `json:"currentBatch"`
	TotalBatches    int    `json:"totalBatches"`

	Failures []ItemFailure `json:"failures"`
	Errors   []string      `json:"errors"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	CancelledBy       string     `json:"cancelledBy,omitempty"`
	CancelReason      string     `json:"cancelReason,omitempty"`
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`

	// Derived when a snapshot is taken
	ProgressPercent           float64  `json:"progressPercent"`
	ElapsedSeconds            float64  `json:"elapsedSeconds"`
	EstimatedRemainingSeconds *float64 `json:"estimatedRemainingSeconds,omitempty"`
}

// AddFailures records failed items and keeps the counters consistent
func (j *BatchJob) AddFailures(failures ...ItemFailure) {
	j.Failures = append(j.Failures, failures...)
	j.FailedItems += len(failures)
	j.ProcessedItems += len(failures)
}

// AddSuccesses records n successfully pushed items
func (j *BatchJob) AddSuccesses(n int) {
	j.SuccessfulItems += n
	j.ProcessedItems += n
}

// clone returns a deep copy
func (j *BatchJob) clone() BatchJob {
	c := *j
	c.ItemIDs = append([]string(nil), j.ItemIDs...)
	c.Failures = append([]ItemFailure(nil), j.Failures...)
	c.Errors = append([]string(nil), j.Errors...)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.CancelRequestedAt = copyTime(j.CancelRequestedAt)
	c.EstimatedRemainingSeconds = nil
	return c
}

// snapshot returns a deep copy with derived fields set and detail lists capped
func (j *BatchJob) snapshot(now time.Time, maxErrors, maxFailures int) BatchJob {
	s := j.clone()
	s.Errors = lastN(s.Errors, maxErrors)
	s.Failures = lastN(s.Failures, maxFailures)
	if s.Errors == nil {
		s.Errors = []string{}
	}
	if s.Failures == nil {
		s.Failures = []ItemFailure{}
	}

	if s.TotalItems > 0 {
		s.ProgressPercent = math.Round(float64(s.ProcessedItems)/float64(s.TotalItems)*10000) / 100
	}

	if s.StartedAt != nil {
		end := now
		if s.CompletedAt != nil {
			end = *s.CompletedAt
		}
		elapsed := end.Sub(*s.StartedAt).Seconds()
		s.ElapsedSeconds = math.Max(elapsed, 0)

		if s.Status == InProgress && s.ProcessedItems > 0 && elapsed > 0 {
			perItem := elapsed / float64(s.ProcessedItems)
			remaining := perItem * float64(s.TotalItems-s.ProcessedItems)
			s.EstimatedRemainingSeconds = &remaining
		}
	}
	return s
}

func lastN[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TotalBatchesFor returns the number of sub-batches needed for total items
func TotalBatchesFor(total, batchSize int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}
