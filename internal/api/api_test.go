package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/notify"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
	"github.com/livinlefevreloca/erpbridge/internal/testutil"
)

type fakeReconciler struct {
	mu      sync.Mutex
	last    *reconcile.Run
	result  reconcile.TriggerResult
	err     error
	request reconcile.TriggerRequest
}

func (f *fakeReconciler) Trigger(_ context.Context, req reconcile.TriggerRequest) (reconcile.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.request = req
	return f.result, f.err
}

func (f *fakeReconciler) LastRun(reconcile.Direction, string) *reconcile.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fixture struct {
	server   *httptest.Server
	registry *registry.Registry
	recon    *fakeReconciler
	breaker  *breaker.Breaker
	events   *notify.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger().Logger()
	clk := testutil.NewMockClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	reg := registry.New(registry.DefaultConfig(), clk, nil, logger)
	brk, err := breaker.New("accounting", breaker.DefaultConfig(), clk, logger)
	require.NoError(t, err)
	events := notify.NewBroadcaster(4, logger)
	recon := &fakeReconciler{}

	s, err := New(DefaultConfig(), reg, recon, []*breaker.Breaker{brk}, events, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, registry: reg, recon: recon, breaker: brk, events: events}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-By", "ops")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if len(raw) > 0 && raw[0] == '{' {
			require.NoError(t, json.Unmarshal(raw, &out))
		} else {
			out = map[string]any{"list": nil}
			var list []any
			require.NoError(t, json.Unmarshal(raw, &list))
			out["list"] = list
		}
	}
	return resp, out
}

// =============================================================================
// Batch jobs
// =============================================================================

func TestAPI_EnqueueAndGetJob(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/batch-jobs", map[string]any{
		"itemIds":               []string{"a", "b", "c", "d", "e"},
		"batchSize":             2,
		"delayBetweenBatchesMs": 250,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := body["jobId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, 5.0, body["totalItems"])
	assert.Equal(t, 3.0, body["totalBatches"])
	assert.Equal(t, "/api/batch-jobs/"+id, body["statusUrl"])

	job, err := f.registry.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, job.DelayBetweenBatches)
	assert.Equal(t, "ops", job.CreatedBy)

	resp, body = f.do(t, http.MethodGet, "/api/batch-jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Pending", body["status"])
	assert.Equal(t, id, body["jobId"])
}

func TestAPI_EnqueueRejectsEmptyAndMalformed(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/batch-jobs", map[string]any{"itemIds": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/batch-jobs", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestAPI_GetUnknownJob(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/batch-jobs/batch_nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", body["error"])
}

func TestAPI_ListJobsWithCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.registry.Enqueue(ctx, registry.EnqueueRequest{ItemIDs: []string{"x"}})
		require.NoError(t, err)
	}
	claimed, ok := f.registry.Dequeue()
	require.True(t, ok)
	require.NoError(t, f.registry.UpdateStatus(claimed.ID, func(j *registry.BatchJob) {
		j.AddSuccesses(1)
		j.Status = registry.Completed
	}))
	_, ok = f.registry.Dequeue()
	require.True(t, ok)

	resp, body := f.do(t, http.MethodGet, "/api/batch-jobs?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["total"])
	assert.Equal(t, 1.0, body["running"])
	assert.Equal(t, 1.0, body["pending"])

	_, body = f.do(t, http.MethodGet, "/api/batch-jobs", nil)
	assert.Equal(t, 3.0, body["total"])
}

func TestAPI_CancelJob(t *testing.T) {
	f := newFixture(t)
	id, err := f.registry.Enqueue(context.Background(), registry.EnqueueRequest{ItemIDs: []string{"x"}})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/batch-jobs/"+id+"/cancel", map[string]string{"reason": "duplicate upload"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "Cancelled", body["status"])

	job, err := f.registry.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "ops", job.CancelledBy)
	assert.Equal(t, "duplicate upload", job.CancelReason)

	// Finished jobs cannot be cancelled again
	resp, body = f.do(t, http.MethodPost, "/api/batch-jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["accepted"])

	resp, _ = f.do(t, http.MethodPost, "/api/batch-jobs/batch_nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// Reconciliation
// =============================================================================

func TestAPI_TriggerReconciliation(t *testing.T) {
	f := newFixture(t)
	f.recon.result = reconcile.TriggerResult{Run: &reconcile.Run{
		Direction:  reconcile.ManufacturingToAccounting,
		EntityType: "product",
		Success:    1,
		Updated:    []reconcile.UpdatedEntity{{Key: "SKU1", ChangedFields: []string{"price"}}},
	}}

	resp, body := f.do(t, http.MethodPost, "/api/reconciliations", map[string]any{
		"direction":  "manufacturing_to_accounting",
		"entityType": "product",
		"since":      "2024-04-30T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["success"])

	require.NotNil(t, f.recon.request.Since)
	assert.True(t, f.recon.request.Since.Equal(time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)))
	assert.False(t, f.recon.request.Async)
}

func TestAPI_TriggerReconciliationOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]any
		result reconcile.TriggerResult
		err    error
		want   int
	}{
		{"async accepted", map[string]any{"direction": "a_to_b", "async": true}, reconcile.TriggerResult{Accepted: true}, nil, http.StatusAccepted},
		{"aborted run", map[string]any{"direction": "a_to_b"}, reconcile.TriggerResult{Run: &reconcile.Run{Error: "breaker: circuit open"}}, breaker.ErrOpen, http.StatusBadGateway},
		{"no run", map[string]any{"direction": "a_to_b"}, reconcile.TriggerResult{}, errors.New("closed"), http.StatusServiceUnavailable},
		{"unknown entity", map[string]any{"direction": "a_to_b", "entityType": "invoice"}, reconcile.TriggerResult{}, reconcile.ErrUnknownEntityType, http.StatusBadRequest},
		{"bad direction", map[string]any{"direction": "up"}, reconcile.TriggerResult{}, nil, http.StatusBadRequest},
		{"bad since", map[string]any{"direction": "a_to_b", "since": "yesterday"}, reconcile.TriggerResult{}, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.recon.result = tt.result
			f.recon.err = tt.err
			resp, _ := f.do(t, http.MethodPost, "/api/reconciliations", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPI_LatestReconciliation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/reconciliations/latest?direction=b_to_a&entityType=product", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.recon.last = &reconcile.Run{Direction: reconcile.AccountingToManufacturing, EntityType: "product", Skipped: 4}
	resp, body := f.do(t, http.MethodGet, "/api/reconciliations/latest?direction=b_to_a&entityType=product", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4.0, body["skipped"])

	resp, _ = f.do(t, http.MethodGet, "/api/reconciliations/latest", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// Circuits, health and events
// =============================================================================

func TestAPI_CircuitOverrides(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/circuits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["list"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "closed", list[0].(map[string]any)["state"])

	resp, body = f.do(t, http.MethodPost, "/api/circuits/accounting/isolate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "isolated", body["state"])
	assert.Equal(t, breaker.Isolated, f.breaker.State())

	_, body = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "degraded", body["status"])

	resp, body = f.do(t, http.MethodPost, "/api/circuits/accounting/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["state"])

	_, body = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "ok", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/circuits/mainframe/isolate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CORSPreflight(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/batch-jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://admin.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestAPI_EventStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	testutil.WaitFor(t, func() bool { return f.events.Subscribers() == 1 }, time.Second, "no subscriber")
	ev, err := notify.NewEvent(notify.EventBatchJobCompleted, map[string]string{"jobId": "batch_1"})
	require.NoError(t, err)
	require.NoError(t, f.events.Publish(context.Background(), ev))

	buf := make([]byte, 256)
	var got strings.Builder
	for !strings.Contains(got.String(), "batch_1") {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), "event: BatchJobCompleted")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBodyBytes = 0
	assert.Error(t, cfg.Validate())
}
