package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/inbox"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
)

// Fallback durably stores events that could not be delivered
type Fallback interface {
	Enqueue(ctx context.Context, eventName string, payload json.RawMessage) error
}

// Config controls the notification queue
type Config struct {
	QueueSize      int           `toml:"queue_size"`
	SendTimeout    time.Duration `toml:"send_timeout"`
	PublishTimeout time.Duration `toml:"publish_timeout"`
	SSEBuffer      int           `toml:"sse_buffer"`
	Webhook        WebhookConfig `toml:"webhook"`
}

// DefaultConfig returns notification defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		SendTimeout:    100 * time.Millisecond,
		PublishTimeout: 10 * time.Second,
		SSEBuffer:      64,
		Webhook: WebhookConfig{
			Timeout:  10 * time.Second,
			RetryMax: 2,
		},
	}
}

// Validate returns an error if the queue cannot be built
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive, got %d", c.QueueSize)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SendTimeout must be positive, got %v", c.SendTimeout)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PublishTimeout must be positive, got %v", c.PublishTimeout)
	}
	return nil
}

// Dispatcher decouples event producers from slow sinks. Events go through a
// bounded queue drained by a single goroutine; when the queue stays full or a
// sink fails, the event is handed to the fallback instead.
type Dispatcher struct {
	config   Config
	sink     Sink
	fallback Fallback
	queue    *inbox.Inbox[Event]
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. fallback may be nil, in which case
// undeliverable events are logged and dropped.
func NewDispatcher(config Config, sink Sink, fallback Fallback, logger *slog.Logger) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Dispatcher{
		config:   config,
		sink:     sink,
		fallback: fallback,
		queue:    inbox.New[Event](config.QueueSize, config.SendTimeout, logger),
		logger:   logger,
	}, nil
}

// Publish queues ev for delivery. It never blocks longer than SendTimeout;
// on overflow the event goes straight to the fallback.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	if d.queue.Send(ctx, ev) {
		return nil
	}

	metrics.NotificationsPublished.WithLabelValues(ev.Name, "overflow").Inc()
	return d.toFallback(ctx, ev, fmt.Errorf("notification queue full"))
}

// Start launches the delivery goroutine. It stops when ctx is done, after
// delivering whatever is still queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Wait blocks until the delivery goroutine has exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats exposes queue usage
func (d *Dispatcher) Stats() inbox.Stats {
	return d.queue.GetStats()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		ev, ok := d.queue.Receive(ctx)
		if !ok {
			break
		}
		d.deliver(ev)
	}

	// Drain what producers managed to queue before shutdown
	drained := 0
	for {
		ev, ok := d.queue.TryReceive()
		if !ok {
			break
		}
		d.deliver(ev)
		drained++
	}
	d.logger.Debug("notification dispatcher stopped", "drained", drained)
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.PublishTimeout)
	defer cancel()

	if err := d.sink.Publish(ctx, ev); err != nil {
		metrics.NotificationsPublished.WithLabelValues(ev.Name, "failed").Inc()
		d.logger.Warn("notification delivery failed", "event", ev.Name, "error", err)
		d.toFallback(ctx, ev, err)
		return
	}
	metrics.NotificationsPublished.WithLabelValues(ev.Name, "delivered").Inc()
}

func (d *Dispatcher) toFallback(ctx context.Context, ev Event, cause error) error {
	if d.fallback == nil {
		d.logger.Error("dropping undeliverable notification", "event", ev.Name, "error", cause)
		return cause
	}

	// The sink may have spent the caller's deadline; storing gets its own
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.PublishTimeout)
	defer cancel()

	if err := d.fallback.Enqueue(ctx, ev.Name, ev.Payload); err != nil {
		d.logger.Error("failed to store notification for retry",
			"event", ev.Name,
			"cause", cause,
			"error", err)
		return err
	}
	return nil
}
