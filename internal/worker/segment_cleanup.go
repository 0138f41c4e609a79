package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// SegmentCleanupWorker hard-deletes segments that were soft-deleted more
// than retention ago. Deleted segments stay recoverable until then.
type SegmentCleanupWorker struct {
	purger    segmentation.SegmentPurger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewSegmentCleanupWorker creates a cleanup worker running every interval.
func NewSegmentCleanupWorker(purger segmentation.SegmentPurger, retention, interval time.Duration) *SegmentCleanupWorker {
	return &SegmentCleanupWorker{
		purger:    purger,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the cleanup loop. The first pass runs immediately.
func (w *SegmentCleanupWorker) Start() error {
	if w.retention <= 0 || w.interval <= 0 {
		return fmt.Errorf("segment cleanup needs a positive retention and interval")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("segment cleanup worker already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	logger.Info("segment cleanup worker starting", "retention", w.retention, "interval", w.interval)

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop stops the cleanup worker
func (w *SegmentCleanupWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("segment cleanup worker stopped")
}

func (w *SegmentCleanupWorker) run() {
	defer w.wg.Done()
	w.runOnce()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runOnce()
		case <-w.stopChan:
			return
		}
	}
}

func (w *SegmentCleanupWorker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := w.PurgeOnce(ctx); err != nil {
		logger.Error("segment cleanup failed", "error", err)
	}
}

// PurgeOnce removes every segment deleted before now-retention.
func (w *SegmentCleanupWorker) PurgeOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.retention)
	n, err := w.purger.PurgeDeletedSegments(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("purged deleted segments", "count", n, "deleted_before", cutoff)
	}
	return n, nil
}
