package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
)

// Store persists outbox entries. *db.DB satisfies it.
type Store interface {
	InsertFailedNotification(ctx context.Context, n *db.FailedNotification) error
	DueFailedNotifications(ctx context.Context, now time.Time, limit int) ([]*db.FailedNotification, error)
	UpdateFailedNotification(ctx context.Context, n *db.FailedNotification) error
	DeleteFailedNotification(ctx context.Context, id string) error
}

// Result summarizes one poll
type Result struct {
	Picked       int
	Delivered    int
	Failed       int
	DeadLettered int
}

// Outbox gives notifications at-least-once delivery: entries that failed to
// publish are stored and republished with growing delays until they succeed.
// Independent entries carry no ordering guarantee.
type Outbox struct {
	config Config
	store  Store
	sink   notify.Sink
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an outbox that republishes through sink
func New(config Config, store Store, sink notify.Sink, clk clock.Clock, logger *slog.Logger) (*Outbox, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Outbox{
		config: config,
		store:  store,
		sink:   sink,
		clock:  clk,
		logger: logger,
	}, nil
}

// Enqueue stores an event for redelivery. The entry is due immediately.
func (o *Outbox) Enqueue(ctx context.Context, eventName string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	entry := &db.FailedNotification{
		ID:        uuid.NewString(),
		EventName: eventName,
		Payload:   payload,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.InsertFailedNotification(ctx, entry); err != nil {
		return fmt.Errorf("store failed notification %s: %w", eventName, err)
	}

	metrics.OutboxEnqueued.Inc()
	o.logger.Debug("notification stored for retry", "id", entry.ID, "event", eventName)
	return nil
}

// Run polls for due entries until ctx is done
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Info("outbox processor starting", "poll_interval", o.config.PollInterval)
	defer o.logger.Info("outbox processor stopping")

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("outbox poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce republishes up to BatchLimit due entries, oldest first
func (o *Outbox) ProcessOnce(ctx context.Context) (Result, error) {
	var res Result

	due, err := o.store.DueFailedNotifications(ctx, o.clock.Now(), o.config.BatchLimit)
	if err != nil {
		return res, fmt.Errorf("load due notifications: %w", err)
	}
	res.Picked = len(due)
	if len(due) == 0 {
		return res, nil
	}
	o.logger.Info("retrying failed notifications", "count", len(due))

	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := o.redeliver(ctx, entry)
		if err != nil {
			return res, err
		}
		switch out {
		case delivered:
			res.Delivered++
		case deadLettered:
			res.Failed++
			res.DeadLettered++
		default:
			res.Failed++
		}
	}
	return res, nil
}

type outcome int

const (
	delivered outcome = iota
	retryLater
	deadLettered
)

// redeliver publishes one entry and records the outcome. Only store errors
// and cancellation are returned; a failed publish is a normal outcome.
func (o *Outbox) redeliver(ctx context.Context, entry *db.FailedNotification) (outcome, error) {
	ev := notify.Event{Name: entry.EventName, Payload: entry.Payload, At: entry.CreatedAt}

	pubErr := o.sink.Publish(ctx, ev)
	if pubErr == nil {
		if err := o.store.DeleteFailedNotification(ctx, entry.ID); err != nil && !db.IsNotFound(err) {
			return delivered, fmt.Errorf("delete delivered notification %s: %w", entry.ID, err)
		}
		metrics.OutboxRedelivered.Inc()
		o.logger.Info("republished failed notification", "id", entry.ID, "event", entry.EventName)
		return delivered, nil
	}
	if ctx.Err() != nil {
		return retryLater, ctx.Err()
	}

	now := o.clock.Now()
	msg := pubErr.Error()
	entry.RetryCount++
	entry.LastRetryAt = &now
	entry.LastError = &msg

	delay := o.config.RetryDelay(entry.RetryCount)
	next := now.Add(delay)
	entry.NextRetryAt = &next

	if o.config.MaxAttempts > 0 && entry.RetryCount >= o.config.MaxAttempts {
		entry.DeadLettered = true
	}

	if err := o.store.UpdateFailedNotification(ctx, entry); err != nil {
		return retryLater, fmt.Errorf("update failed notification %s: %w", entry.ID, err)
	}

	metrics.OutboxRetryFailures.Inc()
	if entry.DeadLettered {
		metrics.OutboxDeadLettered.Inc()
		o.logger.Error("notification dead-lettered",
			"id", entry.ID,
			"event", entry.EventName,
			"attempts", entry.RetryCount,
			"error", pubErr)
		return deadLettered, nil
	}

	o.logger.Warn("republish failed",
		"id", entry.ID,
		"event", entry.EventName,
		"retry_count", entry.RetryCount,
		"next_retry_in", delay,
		"error", pubErr)
	return retryLater, nil
}

var _ notify.Fallback = (*Outbox)(nil)
