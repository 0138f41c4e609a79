package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/jmoiron/sqlx"
)

func (s *Store) CreateList(ctx context.Context, l *domain.MailingList) error {
	_, err := s.db.ExecContext(ctx, s.q.get("insert-list"),
		l.ID, l.TeamID, l.Name, l.Type, l.SegmentRules, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

func (s *Store) GetList(ctx context.Context, teamID, listID uuid.UUID) (*domain.MailingList, error) {
	var l domain.MailingList
	err := s.db.GetContext(ctx, &l, s.q.get("get-list"), teamID, listID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get list: %w", err)
	}
	return &l, nil
}

func (s *Store) UpdateList(ctx context.Context, l *domain.MailingList) error {
	res, err := s.db.ExecContext(ctx, s.q.get("update-list"),
		l.Name, l.Type, l.SegmentRules, l.UpdatedAt, l.TeamID, l.ID)
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	return requireRow(res, segmentation.ErrListNotFound)
}

func (s *Store) ListAutomatedLists(ctx context.Context) ([]domain.ListRef, error) {
	refs := []domain.ListRef{}
	if err := s.db.SelectContext(ctx, &refs, s.q.get("list-automated-lists")); err != nil {
		return nil, fmt.Errorf("list automated lists: %w", err)
	}
	return refs, nil
}

func (s *Store) ListMembers(ctx context.Context, teamID, listID uuid.UUID, page segmentation.Page) ([]domain.Membership, int, error) {
	if _, err := s.GetList(ctx, teamID, listID); err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.GetContext(ctx, &total, s.q.get("count-members"), listID); err != nil {
		return nil, 0, fmt.Errorf("count members: %w", err)
	}
	members := []domain.Membership{}
	if err := s.db.SelectContext(ctx, &members, s.q.get("list-members"), listID, limitArg(page), page.Offset); err != nil {
		return nil, 0, fmt.Errorf("list members: %w", err)
	}
	return members, total, nil
}

// AddMembers inserts only subscribers of the list's team. The list row is
// share-locked so rules cannot be attached until the insert commits.
func (s *Store) AddMembers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	var added int64
	err := s.withinTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := s.lockStandardList(ctx, tx, teamID, listID); err != nil {
			return err
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, s.q.get("add-team-members"), listID, now, teamID, idArray(ids))
		if err != nil {
			return fmt.Errorf("insert members: %w", err)
		}
		added, _ = res.RowsAffected()
		return s.refreshCount(ctx, tx, listID, now)
	})
	return int(added), err
}

func (s *Store) RemoveMembers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	var removed int64
	err := s.withinTx(ctx, nil, func(tx *sqlx.Tx) error {
		if err := s.lockStandardList(ctx, tx, teamID, listID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q.get("delete-members"), listID, idArray(ids))
		if err != nil {
			return fmt.Errorf("delete members: %w", err)
		}
		removed, _ = res.RowsAffected()
		return s.refreshCount(ctx, tx, listID, time.Now().UTC())
	})
	return int(removed), err
}

// lockStandardList takes a FOR SHARE lock on the list row and fails with
// ErrAutomatedList when the list carries rules.
func (s *Store) lockStandardList(ctx context.Context, tx *sqlx.Tx, teamID, listID uuid.UUID) error {
	var automated bool
	err := tx.GetContext(ctx, &automated, s.q.get("lock-standard-list"), teamID, listID)
	if errors.Is(err, sql.ErrNoRows) {
		return segmentation.ErrListNotFound
	}
	if err != nil {
		return fmt.Errorf("lock list: %w", err)
	}
	if automated {
		return segmentation.ErrAutomatedList
	}
	return nil
}

func (s *Store) refreshCount(ctx context.Context, tx *sqlx.Tx, listID uuid.UUID, at time.Time) error {
	if _, err := tx.ExecContext(ctx, s.q.get("refresh-list-count"), listID, at, listID); err != nil {
		return fmt.Errorf("refresh list count: %w", err)
	}
	return nil
}

// withinTx runs fn in a transaction, committing on success.
func (s *Store) withinTx(ctx context.Context, opts *sql.TxOptions, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn("rollback failed", "error", rbErr)
		}
	}()
	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ==========================================
// SYNCHRONIZATION
// ==========================================

// WithinSyncTx runs fn in a REPEATABLE READ transaction so the matching set
// and the current membership are read from one snapshot.
func (s *Store) WithinSyncTx(ctx context.Context, teamID, listID uuid.UUID, fn func(segmentation.SyncTx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	return s.withinTx(ctx, opts, func(tx *sqlx.Tx) error {
		return fn(&syncTx{store: s, tx: tx, teamID: teamID, listID: listID})
	})
}

type syncTx struct {
	store  *Store
	tx     *sqlx.Tx
	teamID uuid.UUID
	listID uuid.UUID
}

func (t *syncTx) LockList(ctx context.Context) (*domain.MailingList, error) {
	var l domain.MailingList
	err := t.tx.GetContext(ctx, &l, t.store.q.get("lock-list"), t.teamID, t.listID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.ErrListNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("lock list: %w", err))
	}
	return &l, nil
}

func (t *syncTx) MatchingIDs(ctx context.Context, q *segmentation.Query) ([]uuid.UUID, error) {
	query, args, err := segmentation.NewQueryBuilder().BuildIDs(q)
	if err != nil {
		return nil, err
	}
	ids := []uuid.UUID{}
	if err := t.tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *syncTx) MemberIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if err := t.tx.SelectContext(ctx, &ids, t.store.q.get("member-ids"), t.listID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *syncTx) InsertMembers(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.store.q.get("insert-members"), t.listID, at, idArray(ids))
	return err
}

func (t *syncTx) DeleteMembers(ctx context.Context, ids []uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx, t.store.q.get("delete-members"), t.listID, idArray(ids))
	return err
}

func (t *syncTx) SetSyncState(ctx context.Context, count int, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, t.store.q.get("set-sync-state"), count, at, t.listID)
	return err
}
