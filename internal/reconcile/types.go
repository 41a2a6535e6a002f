package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/client"
)

// Direction names which system is the source of truth for a pass
type Direction string

const (
	ManufacturingToAccounting Direction = "manufacturing_to_accounting"
	AccountingToManufacturing Direction = "accounting_to_manufacturing"
)

// ParseDirection accepts the full direction names and a few short forms
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ManufacturingToAccounting), "a_to_b", "m2a", "to_accounting":
		return ManufacturingToAccounting, nil
	case string(AccountingToManufacturing), "b_to_a", "a2m", "to_manufacturing":
		return AccountingToManufacturing, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Entity is a record in one of the two systems
type Entity = client.Entity

// System is one side of a reconciliation pass. *client.Manufacturing and
// *client.Accounting satisfy it.
type System interface {
	Name() string
	ListChangedSince(ctx context.Context, entityType string, since time.Time) ([]Entity, error)
	GetByKey(ctx context.Context, entityType, key string) (Entity, error)
	Create(ctx context.Context, entityType string, e Entity) (Entity, error)
	Update(ctx context.Context, entityType, key string, fields map[string]any) error
}

// WatermarkStore persists the last reconciled change time. *db.DB satisfies it.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, direction, entityType string) (time.Time, error)
	AdvanceWatermark(ctx context.Context, direction, entityType string, watermark time.Time) (time.Time, error)
}

// Run is the result of one directional pass. It is read-only once returned.
type Run struct {
	Direction  Direction `json:"direction"`
	EntityType string    `json:"entityType"`
	Since      time.Time `json:"since"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`

	Success int `json:"success"`
	Fail    int `json:"fail"`
	Skipped int `json:"skipped"`

	Updated []UpdatedEntity `json:"updated"`
	Errors  []EntityError   `json:"errors"`

	// Run-level error; set when the pass aborted
	Error string `json:"error,omitempty"`

	// Watermark stored at the end of the pass, if it was advanced
	Watermark *time.Time `json:"watermark,omitempty"`
}

// Examined returns the number of candidates the run looked at
func (r *Run) Examined() int {
	return r.Success + r.Fail + r.Skipped
}

// UpdatedEntity summarizes a change applied to the target system
type UpdatedEntity struct {
	Key           string   `json:"key"`
	ChangedFields []string `json:"changedFields"`
	Created       bool     `json:"created,omitempty"`
}

// EntityError records why one entity was not reconciled
type EntityError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type outcomeKind int

const (
	outcomeSkipped outcomeKind = iota
	outcomeUpdated
	outcomeCreated
	outcomeFailed
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSkipped:
		return "skipped"
	case outcomeUpdated:
		return "updated"
	case outcomeCreated:
		return "created"
	default:
		return "failed"
	}
}

// entityOutcome is the explicit result of reconciling one candidate
type entityOutcome struct {
	key    string
	kind   outcomeKind
	fields []string
	err    error
}
