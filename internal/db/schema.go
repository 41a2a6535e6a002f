package db

import (
	"encoding/json"
	"time"
)

// BatchJob is the persisted snapshot of a batch push job
type BatchJob struct {
	ID                string
	Status            string
	CreatedBy         string
	BatchSize         int
	Delay             time.Duration
	ItemIDs           []string
	TotalItems        int
	ProcessedItems    int
	SuccessfulItems   int
	FailedItems       int
	CurrentBatch      int
	TotalBatches      int
	Failures          []ItemFailure // JSON column
	Errors            []string      // JSON column
	CancelledBy       *string
	CancelReason      *string
	CancelRequestedAt *time.Time
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	UpdatedAt         time.Time
}

// ItemFailure records why one item of a job was not pushed
type ItemFailure struct {
	ItemID string    `json:"itemId"`
	Code   string    `json:"code,omitempty"`
	Name   string    `json:"name,omitempty"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Watermark is the last reconciled change time for a direction and entity type
type Watermark struct {
	Direction  string
	EntityType string
	Watermark  time.Time
	UpdatedAt  time.Time
}

// FailedNotification is an outbox entry awaiting redelivery
type FailedNotification struct {
	ID           string
	EventName    string
	Payload      json.RawMessage
	RetryCount   int
	NextRetryAt  *time.Time // nil means due immediately
	LastError    *string
	LastRetryAt  *time.Time
	DeadLettered bool
	CreatedAt    time.Time
}

// LocalRecord is a locally-held record that batch jobs push to the accounting system
type LocalRecord struct {
	ID        string
	Code      string
	Name      string
	Payload   json.RawMessage
	UpdatedAt time.Time
}
