package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names published by the service
const (
	EventBatchJobProgress        = "BatchJobProgress"
	EventBatchJobCompleted       = "BatchJobCompleted"
	EventReconciliationCompleted = "ReconciliationCompleted"
)

// Event is an internal change notification
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// NewEvent marshals payload into an event stamped with the current time
func NewEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: raw, At: time.Now().UTC()}, nil
}

// Sink delivers events somewhere
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Multi publishes to every sink and joins their errors
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
