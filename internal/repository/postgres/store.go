package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store implements the segmentation repositories against PostgreSQL.
type Store struct {
	db *sqlx.DB
	q  *queries
}

var (
	_ segmentation.SegmentRepository    = (*Store)(nil)
	_ segmentation.SubscriberRepository = (*Store)(nil)
	_ segmentation.ListRepository       = (*Store)(nil)
	_ segmentation.SegmentPurger        = (*Store)(nil)
)

// NewStore creates a Postgres-backed store.
func NewStore(db *sqlx.DB) (*Store, error) {
	q, err := loadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, q: q}, nil
}

// DB exposes the handle for advisory locks and health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// limitArg turns a zero limit into NULL, which PostgreSQL reads as no limit.
func limitArg(p segmentation.Page) any {
	if p.Limit <= 0 {
		return nil
	}
	return p.Limit
}

func idArray(ids []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ==========================================
// SEGMENTS
// ==========================================

func (s *Store) CreateSegment(ctx context.Context, seg *domain.Segment) error {
	_, err := s.db.ExecContext(ctx, s.q.get("insert-segment"),
		seg.ID, seg.TeamID, seg.Name, seg.Description, seg.Conditions,
		seg.SubscriberCount, seg.LastCalculatedAt, seg.CreatedAt, seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

func (s *Store) GetSegment(ctx context.Context, teamID, id uuid.UUID) (*domain.Segment, error) {
	var seg domain.Segment
	err := s.db.GetContext(ctx, &seg, s.q.get("get-segment"), teamID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return &seg, nil
}

func (s *Store) ListSegments(ctx context.Context, teamID uuid.UUID, page segmentation.Page) ([]domain.Segment, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, s.q.get("count-segments"), teamID); err != nil {
		return nil, 0, fmt.Errorf("count segments: %w", err)
	}
	segs := []domain.Segment{}
	if err := s.db.SelectContext(ctx, &segs, s.q.get("list-segments"), teamID, limitArg(page), page.Offset); err != nil {
		return nil, 0, fmt.Errorf("list segments: %w", err)
	}
	return segs, total, nil
}

func (s *Store) UpdateSegment(ctx context.Context, seg *domain.Segment) error {
	res, err := s.db.ExecContext(ctx, s.q.get("update-segment"),
		seg.Name, seg.Description, seg.Conditions, seg.SubscriberCount, seg.LastCalculatedAt, seg.UpdatedAt,
		seg.TeamID, seg.ID)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	return requireRow(res, segmentation.ErrSegmentNotFound)
}

func (s *Store) SoftDeleteSegment(ctx context.Context, teamID, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q.get("soft-delete-segment"), at, at, teamID, id)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	return requireRow(res, segmentation.ErrSegmentNotFound)
}

func (s *Store) UpdateSegmentCount(ctx context.Context, teamID, id uuid.UUID, count int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q.get("update-segment-count"), count, at, teamID, id)
	if err != nil {
		return fmt.Errorf("update segment count: %w", err)
	}
	return requireRow(res, segmentation.ErrSegmentNotFound)
}

// PurgeDeletedSegments hard-deletes segments soft-deleted before the cutoff.
func (s *Store) PurgeDeletedSegments(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q.get("purge-deleted-segments"), before)
	if err != nil {
		return 0, fmt.Errorf("purge deleted segments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ==========================================
// SUBSCRIBERS
// ==========================================

func (s *Store) CountMatching(ctx context.Context, q *segmentation.Query) (int, error) {
	query, args, err := segmentation.NewQueryBuilder().BuildCount(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

func (s *Store) FindMatching(ctx context.Context, q *segmentation.Query) ([]domain.SubscriberSummary, error) {
	query, args, err := segmentation.NewQueryBuilder().BuildSelect(q)
	if err != nil {
		return nil, err
	}
	subs := []domain.SubscriberSummary{}
	if err := s.db.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, fmt.Errorf("select subscribers: %w", err)
	}
	return subs, nil
}

func (s *Store) GetSubscriber(ctx context.Context, teamID, id uuid.UUID) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := s.db.GetContext(ctx, &sub, s.q.get("get-subscriber"), teamID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, segmentation.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &sub, nil
}
