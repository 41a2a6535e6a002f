package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Broadcaster fans events out to live Server-Sent Events subscribers.
// Slow subscribers lose events rather than slowing down publishers.
type Broadcaster struct {
	buffer    int
	heartbeat time.Duration
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[chan Event]struct{}

	dropped atomic.Int64
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to buffer events
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster{
		buffer:    buffer,
		heartbeat: 15 * time.Second,
		logger:    logger,
		subs:      make(map[chan Event]struct{}),
	}
}

// Subscribe registers a subscriber. Call the returned func to unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were skipped for slow subscribers
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Publish never fails; a subscriber with a full buffer misses the event
func (b *Broadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// ServeHTTP streams events to the client until it disconnects
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(w, ev); err != nil {
				b.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Payload)
	return err
}

var (
	_ Sink = (*Broadcaster)(nil)
	_ Sink = (*Dispatcher)(nil)
	_ Sink = (*WebhookSink)(nil)
	_ Sink = LogSink{}
)
