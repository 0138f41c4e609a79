package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// =============================================================================
// LIST SYNC WORKER
// =============================================================================
// Workers pop sync jobs from the SyncQueue and run Synchronizer.SyncList under
// a per-job timeout. Lock contention, serialization conflicts and transient
// failures are retried with linear backoff; definition errors and unknown
// lists fail immediately. Every finished job records its outcome.

const (
	DefaultSyncWorkers     = 2
	DefaultJobTimeout      = 5 * time.Minute
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 30 * time.Second
	DefaultPollTimeout     = time.Second
	DefaultPromoteInterval = time.Second
)

// Syncer reconciles one list.
type Syncer interface {
	SyncList(ctx context.Context, teamID, listID uuid.UUID) (*segmentation.SyncResult, error)
}

// Queue is the enqueue/status side used by the API.
type Queue interface {
	Enqueue(ctx context.Context, teamID, listID uuid.UUID, reason string) (*SyncJob, bool, error)
	LastResult(ctx context.Context, listID uuid.UUID) (*SyncOutcome, error)
	Pending(ctx context.Context, listID uuid.UUID) (bool, error)
}

var _ Queue = (*SyncQueue)(nil)

// WorkerConfig tunes a ListSyncWorker.
type WorkerConfig struct {
	Workers         int
	JobTimeout      time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	PollTimeout     time.Duration
	PromoteInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultSyncWorkers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = DefaultPromoteInterval
	}
	return c
}

// WorkerStats is a snapshot of job counters.
type WorkerStats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// ListSyncWorker runs list sync jobs from a SyncQueue.
type ListSyncWorker struct {
	queue    *SyncQueue
	syncer   Syncer
	cfg      WorkerConfig
	workerID string

	succeeded int64
	failed    int64
	retried   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewListSyncWorker creates a worker pool over queue.
func NewListSyncWorker(queue *SyncQueue, syncer Syncer, cfg WorkerConfig) *ListSyncWorker {
	return &ListSyncWorker{
		queue:    queue,
		syncer:   syncer,
		cfg:      cfg.withDefaults(),
		workerID: fmt.Sprintf("list-sync-%s-%d", getHostname(), time.Now().UnixNano()%10000),
	}
}

// Start launches the workers and the delayed-job promoter.
func (w *ListSyncWorker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("list sync worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	logger.Info("list sync worker starting", "worker_id", w.workerID, "workers", w.cfg.Workers,
		"max_retries", w.cfg.MaxRetries)

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.workLoop()
	}
	w.wg.Add(1)
	go w.promoteLoop()
	return nil
}

// Stop cancels the workers and waits for running jobs to finish.
func (w *ListSyncWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	stats := w.Stats()
	logger.Info("list sync worker stopped", "worker_id", w.workerID,
		"succeeded", stats.Succeeded, "failed", stats.Failed, "retried", stats.Retried)
}

// Stats returns the job counters.
func (w *ListSyncWorker) Stats() WorkerStats {
	return WorkerStats{
		Succeeded: atomic.LoadInt64(&w.succeeded),
		Failed:    atomic.LoadInt64(&w.failed),
		Retried:   atomic.LoadInt64(&w.retried),
	}
}

func (w *ListSyncWorker) workLoop() {
	defer w.wg.Done()
	for {
		if w.ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(w.ctx, w.cfg.PollTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.Warn("dequeue sync job", "error", err)
			sleepCtx(w.ctx, w.cfg.PollTimeout)
			continue
		}
		if job == nil {
			continue
		}
		w.process(job)
	}
}

func (w *ListSyncWorker) promoteLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := w.queue.PromoteDue(w.ctx, now); err != nil && w.ctx.Err() == nil {
				logger.Warn("promote delayed sync jobs", "error", err)
			}
		}
	}
}

// process runs one job. Bookkeeping uses a fresh context so a stop request
// does not lose the outcome of a job that already ran.
func (w *ListSyncWorker) process(job *SyncJob) {
	job.Attempt++
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.JobTimeout)
	res, err := w.syncer.SyncList(ctx, job.TeamID, job.ListID)
	cancel()

	bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bgCancel()

	if err != nil && shouldRetry(err) && job.Attempt <= w.cfg.MaxRetries {
		delay := w.cfg.RetryDelay * time.Duration(job.Attempt)
		rerr := w.queue.Retry(bg, job, delay)
		if rerr == nil {
			atomic.AddInt64(&w.retried, 1)
			logger.Warn("list sync retry scheduled", "job_id", job.ID, "list_id", job.ListID,
				"attempt", job.Attempt, "delay", delay, "error", err)
			return
		}
		logger.Error("schedule sync retry", "job_id", job.ID, "error", rerr)
	}

	outcome := outcomeFor(job, res, err)
	if err != nil {
		atomic.AddInt64(&w.failed, 1)
	} else {
		atomic.AddInt64(&w.succeeded, 1)
	}
	if cerr := w.queue.Complete(bg, job, outcome); cerr != nil {
		logger.Error("record sync outcome", "job_id", job.ID, "list_id", job.ListID, "error", cerr)
	}
}

// shouldRetry reports whether a failed sync may succeed on a later attempt.
func shouldRetry(err error) bool {
	if segmentation.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var verr *segmentation.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, segmentation.ErrListNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func outcomeFor(job *SyncJob, res *segmentation.SyncResult, err error) *SyncOutcome {
	out := &SyncOutcome{
		JobID:      job.ID,
		TeamID:     job.TeamID,
		ListID:     job.ListID,
		Attempts:   job.Attempt,
		FinishedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		out.Status = OutcomeFailed
		out.Error = err.Error()
	case res.Skipped:
		out.Status = OutcomeSkipped
		out.Total = res.Total
	default:
		out.Status = OutcomeSucceeded
		out.Added = res.Added
		out.Removed = res.Removed
		out.Total = res.Total
		syncedAt := res.SyncedAt
		out.SyncedAt = &syncedAt
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func getHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
