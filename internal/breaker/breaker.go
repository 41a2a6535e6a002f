package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
)

// State is the circuit state of one external dependency.
type State int

const (
	Closed   State = iota // Calls pass through, failures are counted
	Open                  // Calls are short-circuited until the cool-down elapses
	HalfOpen              // A limited number of probe calls test recovery
	Isolated              // Manual override, every call is short-circuited
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	case Isolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Standard errors
var (
	ErrOpen     = errors.New("breaker: circuit open")
	ErrIsolated = errors.New("breaker: circuit isolated")
)

// Config defines when a breaker trips and how it recovers
type Config struct {
	// Consecutive failures (errors or timeouts) that open the circuit
	FailureThreshold int `toml:"failure_threshold"`

	// How long the circuit stays open before probes are allowed
	CoolDown time.Duration `toml:"cool_down"`

	// Concurrent probe calls admitted while half-open
	HalfOpenMaxProbes int `toml:"half_open_max_probes"`
}

// DefaultConfig returns a breaker that opens after 5 consecutive failures for 2 minutes
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		CoolDown:          2 * time.Minute,
		HalfOpenMaxProbes: 1,
	}
}

// Validate returns an error if the configuration cannot drive a breaker
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FailureThreshold must be positive, got %d", c.FailureThreshold)
	}
	if c.CoolDown <= 0 {
		return fmt.Errorf("CoolDown must be positive, got %v", c.CoolDown)
	}
	if c.HalfOpenMaxProbes <= 0 {
		return fmt.Errorf("HalfOpenMaxProbes must be positive, got %d", c.HalfOpenMaxProbes)
	}
	return nil
}

// Snapshot is a read-only view of a breaker for health endpoints
type Snapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	IsOpen              bool       `json:"isOpen"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	FailureThreshold    int        `json:"failureThreshold"`
	CoolDown            string     `json:"coolDown"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
}

// Breaker guards calls to a single external dependency
type Breaker struct {
	name   string
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	generation uint64 // bumped on every transition; stale outcomes are ignored
}

// New creates a closed breaker for the named dependency
func New(name string, config Config, clk clock.Clock, logger *slog.Logger) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", name, err)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	b := &Breaker{
		name:   name,
		config: config,
		clock:  clk,
		logger: logger.With("dependency", name),
		state:  Closed,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(Closed))
	return b, nil
}

// Name returns the dependency this breaker protects
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the circuit admits it and records the outcome.
// A short-circuited call returns ErrOpen or ErrIsolated without invoking fn.
// The breaker never retries; callers decide whether to try again later.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, probe, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.record(ctx, gen, probe, err)
	return err
}

// State returns the current state, promoting Open to HalfOpen once the cool-down has elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Snapshot returns the breaker's observable state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	s := Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		IsOpen:              b.state == Open || b.state == Isolated,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.config.FailureThreshold,
		CoolDown:            b.config.CoolDown.String(),
	}
	if !b.openedAt.IsZero() && b.state != Closed {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Isolate forces the circuit open until Reset is called
func (b *Breaker) Isolate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.clock.Now()
	b.transitionLocked(Isolated)
}

// Reset closes the circuit and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transitionLocked(Closed)
}

// allow decides whether a call may proceed
func (b *Breaker) allow() (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case Isolated:
		return 0, false, ErrIsolated
	case Open:
		return 0, false, ErrOpen
	case HalfOpen:
		if b.probes >= b.config.HalfOpenMaxProbes {
			return 0, false, ErrOpen
		}
		b.probes++
		return b.generation, true, nil
	default:
		return b.generation, false, nil
	}
}

// record applies the outcome of an admitted call
func (b *Breaker) record(ctx context.Context, gen uint64, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		// The circuit moved on while the call was in flight
		return
	}

	// A call abandoned by its own caller says nothing about the dependency
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		if probe {
			b.probes--
		}
		return
	}

	success := err == nil || IsPermanent(err)

	if probe {
		if success {
			b.failures = 0
			b.transitionLocked(Closed)
			return
		}
		b.openedAt = b.clock.Now()
		b.transitionLocked(Open)
		b.logger.Warn("probe call failed, circuit re-opened", "error", err)
		return
	}

	if success {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.openedAt = b.clock.Now()
		b.transitionLocked(Open)
		b.logger.Warn("circuit opened",
			"consecutive_failures", b.failures,
			"cool_down", b.config.CoolDown,
			"error", err)
	}
}

// refreshLocked promotes Open to HalfOpen after the cool-down
func (b *Breaker) refreshLocked() {
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.config.CoolDown {
		b.transitionLocked(HalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.probes = 0
	b.generation++

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	if from != to {
		metrics.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
		b.logger.Info("circuit state transition", "from", from.String(), "to", to.String())
	}
}
