package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
)

// requester identifies the caller for audit fields; authentication happens upstream
func requester(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Requested-By")); v != "" {
		return v
	}
	return "api"
}

// =============================================================================
// Batch jobs
// =============================================================================

type enqueueRequest struct {
	ItemIDs               []string `json:"itemIds"`
	BatchSize             int      `json:"batchSize"`
	DelayBetweenBatchesMs int64    `json:"delayBetweenBatchesMs"`
}

type enqueueResponse struct {
	JobID        string    `json:"jobId"`
	TotalItems   int       `json:"totalItems"`
	TotalBatches int       `json:"totalBatches"`
	BatchSize    int       `json:"batchSize"`
	CreatedAt    time.Time `json:"createdAt"`
	StatusURL    string    `json:"statusUrl"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.jobs.Enqueue(r.Context(), registry.EnqueueRequest{
		ItemIDs:             req.ItemIDs,
		BatchSize:           req.BatchSize,
		DelayBetweenBatches: millis(req.DelayBetweenBatchesMs),
		CreatedBy:           requester(r),
	})
	if errors.Is(err, registry.ErrEmptyJob) {
		writeError(w, http.StatusBadRequest, "itemIds must not be empty")
		return
	}
	if err != nil {
		s.logger.Error("failed to enqueue batch job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	job, err := s.jobs.GetStatus(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job vanished after enqueue")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:        job.ID,
		TotalItems:   job.TotalItems,
		TotalBatches: job.TotalBatches,
		BatchSize:    job.BatchSize,
		CreatedAt:    job.CreatedAt,
		StatusURL:    "/api/batch-jobs/" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetStatus(r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobList struct {
	Jobs    []registry.BatchJob `json:"jobs"`
	Total   int                 `json:"total"`
	Running int                 `json:"running"`
	Pending int                 `json:"pending"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []registry.BatchJob
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		jobs = s.jobs.ListActive()
	} else {
		jobs = s.jobs.List()
	}

	out := jobList{Jobs: jobs, Total: len(jobs)}
	if out.Jobs == nil {
		out.Jobs = []registry.BatchJob{}
	}
	for _, j := range jobs {
		switch j.Status {
		case registry.InProgress:
			out.Running++
		case registry.Pending:
			out.Pending++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	JobID    string          `json:"jobId"`
	Accepted bool            `json:"accepted"`
	Status   registry.Status `json:"status"`
	Message  string          `json:"message,omitempty"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := s.jobs.GetStatus(id); errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	accepted := s.jobs.Cancel(id, requester(r), req.Reason)
	job, _ := s.jobs.GetStatus(id)
	resp := cancelResponse{JobID: id, Accepted: accepted, Status: job.Status}
	if !accepted {
		resp.Message = "job already finished"
		writeJSON(w, http.StatusConflict, resp)
		return
	}
	if job.Status == registry.InProgress {
		resp.Message = "cancellation requested; the running sub-batch will finish first"
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Reconciliation
// =============================================================================

type reconcileRequest struct {
	Direction  string `json:"direction"`
	EntityType string `json:"entityType"`
	Since      string `json:"since"`
	Async      bool   `json:"async"`
}

type acceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	Direction  string `json:"direction"`
	EntityType string `json:"entityType"`
}

func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	direction, err := reconcile.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntityType == "" {
		req.EntityType = "product"
	}

	var since *time.Time
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = &t
	}

	res, err := s.recon.Trigger(r.Context(), reconcile.TriggerRequest{
		Direction:  direction,
		EntityType: req.EntityType,
		Since:      since,
		Async:      req.Async,
	})
	switch {
	case errors.Is(err, reconcile.ErrUnknownEntityType):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil && res.Run != nil:
		writeJSON(w, http.StatusBadGateway, res.Run)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case res.Accepted:
		writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true, Direction: string(direction), EntityType: req.EntityType})
	default:
		writeJSON(w, http.StatusOK, res.Run)
	}
}

func (s *Server) handleLatestReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	direction, err := reconcile.ParseDirection(q.Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityType := q.Get("entityType")
	if entityType == "" {
		entityType = "product"
	}

	run := s.recon.LastRun(direction, entityType)
	if run == nil {
		writeError(w, http.StatusNotFound, "no run recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// Circuits and health
// =============================================================================

func (s *Server) snapshots() []breaker.Snapshot {
	out := make([]breaker.Snapshot, 0, len(s.breakers))
	for _, name := range sortedNames(s.breakers) {
		out = append(out, s.breakers[name].Snapshot())
	}
	return out
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots())
}

func (s *Server) handleCircuitOverride(w http.ResponseWriter, r *http.Request) {
	b, ok := s.breakers[r.PathValue("name")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown circuit")
		return
	}

	if strings.HasSuffix(r.URL.Path, "/isolate") {
		b.Isolate()
	} else {
		b.Reset()
	}
	s.logger.Warn("manual circuit override",
		"dependency", b.Name(),
		"state", b.State().String(),
		"requested_by", requester(r))
	writeJSON(w, http.StatusOK, b.Snapshot())
}

type health struct {
	Status   string             `json:"status"`
	Circuits []breaker.Snapshot `json:"circuits"`
}

// handleHealth answers 200 while the process is up; status is "degraded"
// while any circuit is open
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Circuits: s.snapshots()}
	for _, c := range h.Circuits {
		if c.IsOpen {
			h.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func sortedNames(m map[string]*breaker.Breaker) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
