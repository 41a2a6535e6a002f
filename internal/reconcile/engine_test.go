package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/client"
	"github.com/livinlefevreloca/erpbridge/internal/db"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/testutil"
)

var (
	runStart  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	changedAt = time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
)

// memSystem is an in-memory System keyed by entity key
type memSystem struct {
	name string

	mu        sync.Mutex
	entities  map[string]Entity
	sinces    []time.Time
	updates   []map[string]any
	creates   int
	listDelay time.Duration
	listing   atomic.Int32
	maxList   atomic.Int32

	// per-key failures for GetByKey and Update
	getErr    map[string]error
	updateErr map[string]error
}

func newMemSystem(name string, entities ...Entity) *memSystem {
	s := &memSystem{
		name:      name,
		entities:  make(map[string]Entity),
		getErr:    make(map[string]error),
		updateErr: make(map[string]error),
	}
	for _, e := range entities {
		s.entities[e.Key] = e
	}
	return s
}

func (s *memSystem) Name() string { return s.name }

func (s *memSystem) ListChangedSince(_ context.Context, _ string, since time.Time) ([]Entity, error) {
	n := s.listing.Add(1)
	defer s.listing.Add(-1)
	for {
		cur := s.maxList.Load()
		if n <= cur || s.maxList.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.listDelay > 0 {
		time.Sleep(s.listDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinces = append(s.sinces, since)
	var out []Entity
	for _, e := range s.entities {
		if !e.UpdatedAt.Before(since) {
			out = append(out, e.Clone())
		}
	}
	// Unordered on purpose; the engine sorts
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (s *memSystem) GetByKey(_ context.Context, _ string, key string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[key]; err != nil {
		return Entity{}, err
	}
	e, ok := s.entities[key]
	if !ok {
		return Entity{}, client.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *memSystem) Create(_ context.Context, _ string, e Entity) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	e.ID = "new-" + e.Key
	s.entities[e.Key] = e.Clone()
	return e, nil
}

func (s *memSystem) Update(_ context.Context, _ string, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateErr[key]; err != nil {
		return err
	}
	e, ok := s.entities[key]
	if !ok {
		return client.ErrNotFound
	}
	e = e.Clone()
	for k, v := range fields {
		e.Fields[k] = v
	}
	s.entities[key] = e
	s.updates = append(s.updates, fields)
	return nil
}

func (s *memSystem) field(key, field string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[key].Fields[field]
}

func (s *memSystem) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *memSystem) lastSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinces[len(s.sinces)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func product(key string, price float64) Entity {
	return Entity{
		Key: key,
		ID:  "id-" + key,
		Fields: map[string]any{
			"name":     "Vida " + key,
			"price":    price,
			"barcode":  "869" + key,
			"category": "hardware",
		},
		UpdatedAt: changedAt,
	}
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	store.SetMaxOpenConns(1)
	_, err = store.Migrate(context.Background(), testutil.NewTestLogger().Logger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type fixture struct {
	engine        *Engine
	manufacturing *memSystem
	accounting    *memSystem
	store         *db.DB
	clock         *testutil.MockClock
	sink          *recordingSink
	logger        *testutil.TestLogger
}

func newFixture(t *testing.T, config Config, manufacturing, accounting *memSystem) *fixture {
	t.Helper()
	f := &fixture{
		manufacturing: manufacturing,
		accounting:    accounting,
		store:         newTestStore(t),
		clock:         testutil.NewMockClock(runStart),
		sink:          &recordingSink{},
		logger:        testutil.NewTestLogger(),
	}
	e, err := New(config, manufacturing, accounting, f.store, f.sink, f.clock, f.logger.Logger())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

// =============================================================================
// Reconciliation runs
// =============================================================================

func TestEngine_PriceChangeUpdatesOnceThenIsIdempotent(t *testing.T) {
	src := product("SKU1", 12.0)
	dst := product("SKU1", 10.0)
	f := newFixture(t, DefaultConfig(), newMemSystem("manufacturing", src), newMemSystem("accounting", dst))

	since := time.Time{}
	run, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", &since)
	require.NoError(t, err)

	want := []UpdatedEntity{{Key: "SKU1", ChangedFields: []string{"price"}}}
	if diff := cmp.Diff(want, run.Updated); diff != "" {
		t.Errorf("updated mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, run.Success)
	assert.Equal(t, 12.0, f.accounting.field("SKU1", "price"))

	run, err = f.engine.Run(context.Background(), ManufacturingToAccounting, "product", &since)
	require.NoError(t, err)
	assert.Empty(t, run.Updated)
	assert.Equal(t, 0, run.Success)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1, f.accounting.updateCount(), "second pass must not write")
}

func TestEngine_CreatesMissingCounterpart(t *testing.T) {
	src := product("SKU9", 4.5)
	src.Fields["barcode"] = nil
	f := newFixture(t, DefaultConfig(), newMemSystem("manufacturing"), newMemSystem("accounting", src))

	run, err := f.engine.Run(context.Background(), AccountingToManufacturing, "product", nil)
	require.NoError(t, err)

	want := []UpdatedEntity{{Key: "SKU9", ChangedFields: []string{"category", "name", "price"}, Created: true}}
	if diff := cmp.Diff(want, run.Updated); diff != "" {
		t.Errorf("updated mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, f.manufacturing.creates)
	assert.Equal(t, 4.5, f.manufacturing.field("SKU9", "price"))
}

func TestEngine_SkipsEmptyKeys(t *testing.T) {
	blank := product("", 1)
	f := newFixture(t, DefaultConfig(), newMemSystem("manufacturing", blank, product("SKU1", 1)), newMemSystem("accounting", product("SKU1", 1)))

	run, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, 2, run.Examined())
	assert.Equal(t, 0, f.accounting.creates)
}

func TestEngine_EntityFailureIsIsolated(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 2), product("SKU2", 2), product("SKU3", 2)),
		newMemSystem("accounting", product("SKU1", 1), product("SKU2", 1), product("SKU3", 1)))
	f.accounting.updateErr["SKU2"] = breaker.Permanent(&client.RejectedError{System: "accounting", Status: 422, Message: "price locked"})

	run, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, run.Success)
	assert.Equal(t, 1, run.Fail)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "SKU2", run.Errors[0].Key)
	assert.Contains(t, run.Errors[0].Message, "price locked")
	assert.Empty(t, run.Error)

	_, err = f.store.GetWatermark(context.Background(), string(ManufacturingToAccounting), "product")
	assert.NoError(t, err, "a run with per-entity failures still advances the watermark")
}

func TestEngine_SystemicFailureAbortsRemainder(t *testing.T) {
	var src []Entity
	for i, key := range []string{"SKU1", "SKU2", "SKU3"} {
		e := product(key, 2)
		e.UpdatedAt = changedAt.Add(time.Duration(i) * time.Second)
		src = append(src, e)
	}
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", src...),
		newMemSystem("accounting", product("SKU1", 1), product("SKU2", 1), product("SKU3", 1)))
	f.accounting.getErr["SKU2"] = breaker.ErrOpen

	run, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, breaker.ErrOpen)

	// SKU1 is processed first; SKU2 and SKU3 are failed by the abort
	assert.Equal(t, 1, run.Success)
	assert.Equal(t, 2, run.Fail)
	assert.Equal(t, 3, run.Examined())
	assert.NotEmpty(t, run.Error)
	assert.Equal(t, 1, f.accounting.updateCount(), "no update after the abort")

	_, err = f.store.GetWatermark(context.Background(), string(ManufacturingToAccounting), "product")
	assert.True(t, db.IsNotFound(err), "aborted run must not advance the watermark")
	assert.Same(t, run, f.engine.LastRun(ManufacturingToAccounting, "product"))
	assert.True(t, f.logger.HasError())
}

func TestEngine_CancelledRunDoesNotAdvanceWatermark(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 2)),
		newMemSystem("accounting", product("SKU1", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	since := time.Time{}
	cancel()

	_, err := f.engine.Run(ctx, ManufacturingToAccounting, "product", &since)
	require.ErrorIs(t, err, context.Canceled)

	_, err = f.store.GetWatermark(context.Background(), string(ManufacturingToAccounting), "product")
	assert.True(t, db.IsNotFound(err))
}

// =============================================================================
// Watermarks
// =============================================================================

func TestEngine_WatermarkLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg,
		newMemSystem("manufacturing", product("SKU1", 2)),
		newMemSystem("accounting", product("SKU1", 2)))
	ctx := context.Background()

	// First run looks back InitialLookback
	run, err := f.engine.Run(ctx, ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)
	assert.True(t, run.Since.Equal(runStart.Add(-cfg.InitialLookback)))
	require.NotNil(t, run.Watermark)
	firstMark := runStart.Add(-cfg.SafetyMargin)
	assert.True(t, run.Watermark.Equal(firstMark))

	// Next run starts from the stored watermark
	f.clock.Advance(time.Hour)
	run, err = f.engine.Run(ctx, ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)
	assert.True(t, f.manufacturing.lastSince().Equal(firstMark))
	secondMark := runStart.Add(time.Hour - cfg.SafetyMargin)
	assert.True(t, run.Watermark.Equal(secondMark))

	// An explicit since overrides the read but never moves the mark back
	f.clock.Set(runStart.Add(-48 * time.Hour))
	old := time.Time{}
	run, err = f.engine.Run(ctx, ManufacturingToAccounting, "product", &old)
	require.NoError(t, err)
	assert.True(t, f.manufacturing.lastSince().Equal(old))
	assert.True(t, run.Watermark.Equal(secondMark), "watermark moved backwards to %v", run.Watermark)
}

func TestEngine_MaxCandidatesStopsWatermarkAtLastProcessed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidates = 2

	var src, dst []Entity
	for i, key := range []string{"SKU1", "SKU2", "SKU3"} {
		e := product(key, 5)
		e.UpdatedAt = changedAt.Add(time.Duration(i) * time.Minute)
		src = append(src, e)
		dst = append(dst, product(key, 1))
	}
	f := newFixture(t, cfg, newMemSystem("manufacturing", src...), newMemSystem("accounting", dst...))

	run, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Examined())
	assert.Equal(t, []string{"SKU1", "SKU2"}, []string{run.Updated[0].Key, run.Updated[1].Key})
	require.NotNil(t, run.Watermark)
	assert.True(t, run.Watermark.Equal(changedAt.Add(time.Minute)))

	run, err = f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, len(run.Updated))
	assert.Equal(t, "SKU3", run.Updated[0].Key)
}

// =============================================================================
// Concurrency and triggering
// =============================================================================

func TestEngine_RunsForSamePairAreSerialized(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 1)),
		newMemSystem("accounting", product("SKU1", 1)))
	f.manufacturing.listDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.manufacturing.maxList.Load())
}

func TestEngine_PublishesCompletion(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 3)),
		newMemSystem("accounting", product("SKU1", 1)))

	_, err := f.engine.Run(context.Background(), ManufacturingToAccounting, "product", nil)
	require.NoError(t, err)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventReconciliationCompleted, events[0].Name)

	var got Run
	require.NoError(t, json.Unmarshal(events[0].Payload, &got))
	assert.Equal(t, ManufacturingToAccounting, got.Direction)
	assert.Equal(t, 1, got.Success)
}

func TestEngine_TriggerValidatesRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newMemSystem("manufacturing"), newMemSystem("accounting"))

	_, err := f.engine.Trigger(context.Background(), TriggerRequest{Direction: "up", EntityType: "product"})
	assert.Error(t, err)

	_, err = f.engine.Trigger(context.Background(), TriggerRequest{Direction: ManufacturingToAccounting, EntityType: "invoice"})
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestEngine_TriggerAsync(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 3)),
		newMemSystem("accounting", product("SKU1", 1)))

	res, err := f.engine.Trigger(context.Background(), TriggerRequest{
		Direction:  ManufacturingToAccounting,
		EntityType: "product",
		Async:      true,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Nil(t, res.Run)

	testutil.WaitFor(t, func() bool {
		return f.engine.LastRun(ManufacturingToAccounting, "product") != nil
	}, time.Second, "background run never finished")
	assert.Equal(t, 3.0, f.accounting.field("SKU1", "price"))

	f.engine.Close()
	_, err = f.engine.Trigger(context.Background(), TriggerRequest{
		Direction:  ManufacturingToAccounting,
		EntityType: "product",
		Async:      true,
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_TriggerSync(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		newMemSystem("manufacturing", product("SKU1", 3)),
		newMemSystem("accounting", product("SKU1", 1)))

	res, err := f.engine.Trigger(context.Background(), TriggerRequest{Direction: "m2a", EntityType: "product"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	require.NotNil(t, res.Run)
	assert.Equal(t, 1, res.Run.Success)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative margin", func(c *Config) { c.SafetyMargin = -time.Second }, true},
		{"negative candidates", func(c *Config) { c.MaxCandidates = -1 }, true},
		{"bad schedule", func(c *Config) { c.Schedule = "every tuesday" }, true},
		{"no schedule", func(c *Config) { c.Schedule = "" }, false},
		{"bad direction", func(c *Config) { c.Targets = []Target{{Direction: "up", EntityType: "product"}} }, true},
		{"missing entity type", func(c *Config) { c.Targets = []Target{{Direction: ManufacturingToAccounting}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
