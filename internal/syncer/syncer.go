package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/erpbridge/internal/db"
)

// Syncer writes batch job snapshots to the database behind the registry.
//
// Snapshots for the same job are coalesced: only the latest one is written
// when the buffer is flushed. A flush happens when FlushThreshold distinct
// jobs are pending or FlushInterval has elapsed, whichever comes first.
type Syncer struct {
	config Config
	store  Store
	logger *slog.Logger

	changes chan change

	// closeMu guards changes against sends after Shutdown closes it
	closeMu sync.RWMutex
	closed  bool

	saved       atomic.Int64
	deleted     atomic.Int64
	dropped     atomic.Int64
	written     atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64

	wg sync.WaitGroup
}

// NewSyncer creates a new syncer with the specified configuration
func NewSyncer(config Config, store Store, logger *slog.Logger) (*Syncer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("syncer requires a store")
	}

	return &Syncer{
		config:  config,
		store:   store,
		logger:  logger,
		changes: make(chan change, config.ChannelSize),
	}, nil
}

// Save queues a snapshot for writing. The caller must not modify job afterwards.
func (s *Syncer) Save(job *db.BatchJob) {
	if s.send(change{job: job}) {
		s.saved.Add(1)
		return
	}
	s.dropped.Add(1)
	s.logger.Warn("dropped job snapshot", "job_id", job.ID, "status", job.Status)
}

// Delete queues removal of the given job ids
func (s *Syncer) Delete(ids ...string) {
	for _, id := range ids {
		if s.send(change{deleteID: id}) {
			s.deleted.Add(1)
			continue
		}
		s.logger.Warn("dropped job deletion", "job_id", id)
	}
}

func (s *Syncer) send(c change) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.changes <- c:
		return true
	default:
	}

	timer := time.NewTimer(s.config.SendTimeout)
	defer timer.Stop()
	select {
	case s.changes <- c:
		return true
	case <-timer.C:
		return false
	}
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	return Stats{
		Saved:       s.saved.Load(),
		Deleted:     s.deleted.Load(),
		Dropped:     s.dropped.Load(),
		Written:     s.written.Load(),
		Flushes:     s.flushes.Load(),
		FlushErrors: s.flushErrors.Load(),
	}
}

// GetConfig returns the syncer configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// Start launches the writer goroutine
func (s *Syncer) Start() {
	s.wg.Add(1)
	go s.run()
}

// run coalesces changes and flushes them to the store
func (s *Syncer) run() {
	defer s.wg.Done()

	pending := make(map[string]*db.BatchJob)
	deletes := make(map[string]struct{})

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-s.changes:
			if !ok {
				s.flush(pending, deletes)
				s.logger.Debug("job syncer shut down")
				return
			}

			if c.job != nil {
				delete(deletes, c.job.ID)
				pending[c.job.ID] = c.job
			} else {
				delete(pending, c.deleteID)
				deletes[c.deleteID] = struct{}{}
			}

			if len(pending)+len(deletes) >= s.config.FlushThreshold {
				s.flush(pending, deletes)
			}

		case <-ticker.C:
			s.flush(pending, deletes)
		}
	}
}

// flush writes and clears the buffers. Failed writes stay buffered for the next flush.
func (s *Syncer) flush(pending map[string]*db.BatchJob, deletes map[string]struct{}) {
	if len(pending) == 0 && len(deletes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	s.flushes.Add(1)

	if len(pending) > 0 {
		jobs := make([]*db.BatchJob, 0, len(pending))
		for _, job := range pending {
			jobs = append(jobs, job)
		}

		if err := s.store.UpsertBatchJobs(ctx, jobs); err != nil {
			s.flushErrors.Add(1)
			s.logger.Error("failed to write job snapshots",
				"count", len(jobs),
				"error", err)
		} else {
			s.written.Add(int64(len(jobs)))
			clear(pending)
			s.logger.Debug("wrote job snapshots", "count", len(jobs))
		}
	}

	if len(deletes) > 0 {
		ids := make([]string, 0, len(deletes))
		for id := range deletes {
			ids = append(ids, id)
		}

		if _, err := s.store.DeleteBatchJobs(ctx, ids); err != nil {
			s.flushErrors.Add(1)
			s.logger.Error("failed to delete job snapshots",
				"count", len(ids),
				"error", err)
		} else {
			clear(deletes)
		}
	}
}

// Shutdown performs graceful shutdown ensuring all queued snapshots are persisted
func (s *Syncer) Shutdown() error {
	s.logger.Info("starting syncer shutdown")

	// Close the write channel to signal "no more data". The writer drains
	// everything already queued, performs a final flush and exits.
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.changes)
	s.closeMu.Unlock()

	s.logger.Debug("waiting for syncer goroutine to exit")
	s.wg.Wait()

	s.logger.Info("syncer shutdown complete", "written", s.written.Load())
	if n := s.flushErrors.Load(); n > 0 {
		return fmt.Errorf("syncer finished with %d failed flushes", n)
	}
	return nil
}
