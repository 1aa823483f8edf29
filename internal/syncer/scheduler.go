package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"creator-sync/internal/syncstate"
)

// DueLister finds the connections a scheduling tick should hand to workers.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// PassRunner is the subset of the orchestrator the scheduler drives.
type PassRunner interface {
	RunPass(ctx context.Context, connectionID uuid.UUID) (Outcome, error)
}

// Scheduler polls for due connections on a fixed interval and fans the
// passes out over a bounded worker pool. One queue, N workers; a slow
// provider stalls its own pass, not the tick loop.
type Scheduler struct {
	log          *slog.Logger
	due          DueLister
	runner       PassRunner
	pollInterval time.Duration
	workerCount  int

	queue chan uuid.UUID
	wg    sync.WaitGroup

	mu      sync.Mutex
	queued  map[uuid.UUID]bool
	stopped bool
}

func NewScheduler(log *slog.Logger, due DueLister, runner PassRunner, pollInterval time.Duration, workerCount int) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Minute
	}
	if workerCount < 1 {
		workerCount = 4
	}
	return &Scheduler{
		log:          log,
		due:          due,
		runner:       runner,
		pollInterval: pollInterval,
		workerCount:  workerCount,
		queue:        make(chan uuid.UUID, workerCount*4),
		queued:       make(map[uuid.UUID]bool),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight passes.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler_started",
		"poll_interval", s.pollInterval,
		"worker_count", s.workerCount,
	)

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			// stop flag and close happen in one critical section; enqueue
			// holds the same lock, so a send can never hit a closed queue
			s.mu.Lock()
			s.stopped = true
			close(s.queue)
			s.mu.Unlock()
			s.wg.Wait()
			s.log.Info("scheduler_stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Trigger enqueues a single connection outside the poll cycle, for the ops
// API. A full queue or a stopped scheduler reports false instead of
// blocking the caller; an already-queued connection counts as accepted.
func (s *Scheduler) Trigger(connectionID uuid.UUID) bool {
	switch s.enqueue(connectionID) {
	case enqueueOK, enqueueDuplicate:
		return true
	default:
		return false
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	ids, err := s.due.ListDue(ctx, now, cap(s.queue))
	if err != nil {
		s.log.Error("scheduler_list_due_failed", "error", err)
		return
	}
	enqueued := 0
	for _, id := range ids {
		switch s.enqueue(id) {
		case enqueueOK:
			enqueued++
		case enqueueDuplicate:
			continue
		case enqueueFull:
			// full queue: the rest stay due and the next tick picks them up
			s.log.Warn("scheduler_queue_full", "dropped", len(ids)-enqueued)
			return
		case enqueueStopped:
			return
		}
	}
	if enqueued > 0 {
		s.log.Debug("scheduler_tick", "due", len(ids), "enqueued", enqueued)
	}
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for id := range s.queue {
		outcome, err := s.runner.RunPass(ctx, id)
		s.unmarkQueued(id)
		if err != nil {
			s.log.Error("pass_error", "worker", n, "connection_id", id, "error", err)
			continue
		}
		s.log.Debug("pass_done", "worker", n, "connection_id", id, "outcome", string(outcome))
	}
}

type enqueueStatus int

const (
	enqueueOK enqueueStatus = iota
	enqueueDuplicate
	enqueueFull
	enqueueStopped
)

// enqueue reserves the id and hands it to the queue in one critical
// section. Run closes the queue under the same lock, so the non-blocking
// send here cannot race a shutdown.
func (s *Scheduler) enqueue(id uuid.UUID) enqueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return enqueueStopped
	}
	if s.queued[id] {
		return enqueueDuplicate
	}
	select {
	case s.queue <- id:
		s.queued[id] = true
		return enqueueOK
	default:
		return enqueueFull
	}
}

func (s *Scheduler) unmarkQueued(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
}

// ConsentListener applies consent changes to connection state as they
// happen, without waiting for the next scheduled pass.
type ConsentListener struct {
	log         *slog.Logger
	connections ConnectionStore
	cursors     CursorStore
}

func NewConsentListener(log *slog.Logger, connections ConnectionStore, cursors CursorStore) *ConsentListener {
	return &ConsentListener{log: log, connections: connections, cursors: cursors}
}

// OnRevoked transitions the connection to CONSENT_CHANGED immediately.
// Pagination cursors are left alone; they are useless but harmless until
// consent comes back and the crawl restarts.
func (c *ConsentListener) OnRevoked(ctx context.Context, connectionID uuid.UUID) error {
	conn, err := c.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.SyncState == syncstate.ConsentChanged {
		return nil
	}
	if err := syncstate.Validate(conn.SyncState, syncstate.ConsentChanged); err != nil {
		return err
	}
	conn.SyncState = syncstate.ConsentChanged
	if err := c.connections.Update(ctx, conn); err != nil {
		return err
	}
	c.log.Info("consent_revoked", "connection_id", connectionID)
	return nil
}

// OnReinstated moves the connection into a fresh full backfill. Re-granted
// consent never resumes the old crawl: the authorization boundary moved, so
// everything is re-listed from the top and the retained cursor is discarded.
func (c *ConsentListener) OnReinstated(ctx context.Context, connectionID uuid.UUID) error {
	conn, err := c.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.SyncState != syncstate.ConsentChanged {
		return nil
	}
	if err := syncstate.Validate(conn.SyncState, syncstate.InitialSyncing); err != nil {
		return err
	}
	conn.SyncState = syncstate.InitialSyncing
	conn.SyncedItemCount = 0
	conn.FailedItemCount = 0
	conn.ConsecutiveFailureCount = 0
	conn.FullSync = nil
	conn.SyncStartedAt = nil
	conn.SyncCompletedAt = nil
	conn.NextSyncAt = nil
	conn.LastSyncError = nil
	conn.LastCrawlState = ""
	if err := c.connections.Update(ctx, conn); err != nil {
		return err
	}
	if err := c.cursors.Clear(ctx, connectionID); err != nil {
		c.log.Warn("cursor_clear_failed", "connection_id", connectionID, "error", err)
	}
	c.log.Info("consent_reinstated", "connection_id", connectionID)
	return nil
}
