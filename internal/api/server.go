package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/metrics"
	"github.com/livinlefevreloca/erpbridge/internal/reconcile"
	"github.com/livinlefevreloca/erpbridge/internal/registry"
)

// Jobs is the registry surface exposed over HTTP
type Jobs interface {
	Enqueue(ctx context.Context, req registry.EnqueueRequest) (string, error)
	GetStatus(id string) (registry.BatchJob, error)
	List() []registry.BatchJob
	ListActive() []registry.BatchJob
	Cancel(id, requestedBy, reason string) bool
}

// Reconciler is the reconciliation surface exposed over HTTP
type Reconciler interface {
	Trigger(ctx context.Context, req reconcile.TriggerRequest) (reconcile.TriggerResult, error)
	LastRun(direction reconcile.Direction, entityType string) *reconcile.Run
}

// Server is the HTTP surface of the service
type Server struct {
	config   Config
	jobs     Jobs
	recon    Reconciler
	breakers map[string]*breaker.Breaker
	events   http.Handler
	logger   *slog.Logger

	handler http.Handler
}

// New builds the server. events serves the SSE stream and may be nil.
func New(config Config, jobs Jobs, recon Reconciler, breakers []*breaker.Breaker, events http.Handler, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	if jobs == nil || recon == nil {
		return nil, errors.New("api: jobs and reconciler are required")
	}

	s := &Server{
		config:   config,
		jobs:     jobs,
		recon:    recon,
		breakers: make(map[string]*breaker.Breaker, len(breakers)),
		events:   events,
		logger:   logger,
	}
	for _, b := range breakers {
		s.breakers[b.Name()] = b
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/batch-jobs", s.handleEnqueue)
	mux.HandleFunc("GET /api/batch-jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/batch-jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/batch-jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/reconciliations", s.handleTriggerReconcile)
	mux.HandleFunc("GET /api/reconciliations/latest", s.handleLatestReconcile)
	mux.HandleFunc("GET /api/circuits", s.handleCircuits)
	mux.HandleFunc("POST /api/circuits/{name}/isolate", s.handleCircuitOverride)
	mux.HandleFunc("POST /api/circuits/{name}/reset", s.handleCircuitOverride)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if events != nil {
		mux.Handle("GET /api/events", events)
	}

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.CORSAllowedOrigins,
		AllowedHeaders:   config.CORSAllowedHeaders,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead},
	}).Handler(s.recoverer(mux))
	return s, nil
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves the API, and metrics if configured, until ctx is done
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              s.config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}}
	if s.config.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              s.config.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		s.logger.Info("starting HTTP server", "addr", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", "addr", srv.Addr, "error", err)
		}
	}
	s.logger.Info("HTTP servers stopped")
	return runErr
}

// recoverer turns a handler panic into a 500
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", v)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body; an empty body leaves v untouched
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func millis(d int64) time.Duration {
	return time.Duration(d) * time.Millisecond
}
