package segmentation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Sync defaults
const (
	DefaultSyncTimeout   = 5 * time.Minute
	DefaultSyncBatchSize = 1000
)

// SyncConfig tunes a Synchronizer.
type SyncConfig struct {
	// Timeout bounds one whole reconciliation, lock included.
	Timeout time.Duration
	// BatchSize caps the ids written per insert or delete statement.
	BatchSize int
}

// Synchronizer reconciles automated lists with their segment rules.
type Synchronizer struct {
	lists ListRepository
	locks distlock.Factory
	cfg   SyncConfig
	now   func() time.Time
}

// NewSynchronizer creates a Synchronizer. locks may be nil, in which case
// only the row lock taken inside the transaction serializes runs.
func NewSynchronizer(lists ListRepository, locks distlock.Factory, cfg SyncConfig) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSyncTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncBatchSize
	}
	return &Synchronizer{
		lists: lists,
		locks: locks,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SyncLockKey is the distributed lock key for one list.
func SyncLockKey(listID uuid.UUID) string {
	return "list-sync:" + listID.String()
}

// SyncList recomputes an automated list's membership from its rules and
// applies the difference atomically. A list without rules is left alone and
// reported as skipped. A concurrent run on the same list fails with
// ErrSyncInProgress.
func (s *Synchronizer) SyncList(ctx context.Context, teamID, listID uuid.UUID) (*SyncResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.locks != nil {
		lock := s.locks(SyncLockKey(listID))
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !acquired {
			return nil, ErrSyncInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Warn("release sync lock", "list_id", listID, "error", err)
			}
		}()
	}

	var result *SyncResult
	err := s.lists.WithinSyncTx(ctx, teamID, listID, func(tx SyncTx) error {
		l, err := tx.LockList(ctx)
		if err != nil {
			return err
		}
		if !l.IsAutomated() {
			result = &SyncResult{ListID: listID, Total: l.SubscriberCount, SyncedAt: s.now(), Skipped: true}
			return nil
		}

		q, err := NewQuery(teamID, l.SegmentRules)
		if err != nil {
			return fmt.Errorf("compile list rules: %w", err)
		}
		want, err := tx.MatchingIDs(ctx, q)
		if err != nil {
			return fmt.Errorf("select matching subscribers: %w", err)
		}
		have, err := tx.MemberIDs(ctx)
		if err != nil {
			return fmt.Errorf("select members: %w", err)
		}

		add, remove := Diff(want, have)
		now := s.now()
		for _, batch := range chunk(add, s.cfg.BatchSize) {
			if err := tx.InsertMembers(ctx, batch, now); err != nil {
				return fmt.Errorf("insert members: %w", err)
			}
		}
		for _, batch := range chunk(remove, s.cfg.BatchSize) {
			if err := tx.DeleteMembers(ctx, batch); err != nil {
				return fmt.Errorf("delete members: %w", err)
			}
		}
		if err := tx.SetSyncState(ctx, len(want), now); err != nil {
			return fmt.Errorf("update sync state: %w", err)
		}

		result = &SyncResult{
			ListID:     listID,
			Added:      len(add),
			Removed:    len(remove),
			Total:      len(want),
			SyncedAt:   now,
			AddedIDs:   add,
			RemovedIDs: remove,
		}
		return nil
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		logger.Error("list sync failed", "team_id", teamID, "list_id", listID,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, err
	}

	logger.Info("list synced",
		"team_id", teamID, "list_id", listID, "added", result.Added, "removed", result.Removed,
		"total", result.Total, "skipped", result.Skipped, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Diff returns the ids in want but not have, and in have but not want, each
// in ascending order.
func Diff(want, have []uuid.UUID) (add, remove []uuid.UUID) {
	haveSet := make(map[uuid.UUID]struct{}, len(have))
	for _, id := range have {
		haveSet[id] = struct{}{}
	}
	wantSet := make(map[uuid.UUID]struct{}, len(want))
	for _, id := range want {
		if _, dup := wantSet[id]; dup {
			continue
		}
		wantSet[id] = struct{}{}
		if _, ok := haveSet[id]; !ok {
			add = append(add, id)
		}
	}
	for id := range haveSet {
		if _, ok := wantSet[id]; !ok {
			remove = append(remove, id)
		}
	}
	slices.SortFunc(add, compareIDs)
	slices.SortFunc(remove, compareIDs)
	return add, remove
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

func chunk(ids []uuid.UUID, size int) [][]uuid.UUID {
	var out [][]uuid.UUID
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
