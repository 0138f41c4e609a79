package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// AutomatedLister enumerates automated lists across teams.
type AutomatedLister interface {
	ListAutomatedLists(ctx context.Context) ([]domain.ListRef, error)
}

// Enqueuer queues a sync for one list.
type Enqueuer interface {
	Enqueue(ctx context.Context, teamID, listID uuid.UUID, reason string) (*SyncJob, bool, error)
}

// ListSyncScheduler enqueues every automated list on a fixed interval.
type ListSyncScheduler struct {
	lists    AutomatedLister
	queue    Enqueuer
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewListSyncScheduler creates a scheduler firing every interval.
func NewListSyncScheduler(lists AutomatedLister, queue Enqueuer, interval time.Duration) *ListSyncScheduler {
	return &ListSyncScheduler{lists: lists, queue: queue, interval: interval}
}

// Start begins the schedule loop. The first round runs immediately.
func (s *ListSyncScheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("list sync scheduler interval must be positive")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("list sync scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("list sync scheduler starting", "interval", s.interval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop ends the loop and waits for a running round.
func (s *ListSyncScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("list sync scheduler stopped")
}

func (s *ListSyncScheduler) loop() {
	defer s.wg.Done()
	s.runOnce(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(s.ctx)
		}
	}
}

// RunOnce enqueues one job per automated list and returns how many were
// newly queued. Lists with a job already pending are not counted.
func (s *ListSyncScheduler) RunOnce(ctx context.Context) (int, error) {
	refs, err := s.lists.ListAutomatedLists(ctx)
	if err != nil {
		return 0, fmt.Errorf("list automated lists: %w", err)
	}
	queued := 0
	for _, ref := range refs {
		_, ok, err := s.queue.Enqueue(ctx, ref.TeamID, ref.ListID, ReasonScheduled)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

func (s *ListSyncScheduler) runOnce(ctx context.Context) {
	queued, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("scheduled list sync round failed", "queued", queued, "error", err)
		}
		return
	}
	logger.Info("scheduled list syncs", "queued", queued)
}

// =============================================================================
// INLINE QUEUE
// =============================================================================

// InlineQueue runs syncs immediately in the calling goroutine and keeps the
// last outcome per list in memory. It serves single-process runs without
// Redis.
type InlineQueue struct {
	syncer  Syncer
	timeout time.Duration

	mu      sync.Mutex
	results map[uuid.UUID]*SyncOutcome
}

var _ Queue = (*InlineQueue)(nil)

// NewInlineQueue creates an InlineQueue bounding each run by timeout.
func NewInlineQueue(syncer Syncer, timeout time.Duration) *InlineQueue {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &InlineQueue{syncer: syncer, timeout: timeout, results: make(map[uuid.UUID]*SyncOutcome)}
}

// Enqueue runs the sync before returning. Lock contention is recorded as a
// failed outcome like any other error.
func (q *InlineQueue) Enqueue(ctx context.Context, teamID, listID uuid.UUID, reason string) (*SyncJob, bool, error) {
	job := &SyncJob{
		ID:         uuid.NewString(),
		TeamID:     teamID,
		ListID:     listID,
		Reason:     reason,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	res, err := q.syncer.SyncList(runCtx, teamID, listID)
	if err != nil && !shouldRetry(err) {
		// Definition and not-found errors belong to the caller.
		return nil, false, err
	}

	q.mu.Lock()
	q.results[listID] = outcomeFor(job, res, err)
	q.mu.Unlock()
	return job, true, nil
}

// LastResult returns the outcome of the last run for listID.
func (q *InlineQueue) LastResult(_ context.Context, listID uuid.UUID) (*SyncOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out, ok := q.results[listID]
	if !ok {
		return nil, nil
	}
	cp := *out
	return &cp, nil
}

// Pending is always false: inline runs finish before Enqueue returns.
func (q *InlineQueue) Pending(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}
