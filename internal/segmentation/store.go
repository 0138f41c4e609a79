package segmentation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
)

// SegmentRepository persists segment definitions. Every method is scoped to
// one team; rows of other teams are reported as not found.
type SegmentRepository interface {
	CreateSegment(ctx context.Context, seg *domain.Segment) error
	// GetSegment returns ErrSegmentNotFound for missing or deleted segments.
	GetSegment(ctx context.Context, teamID, id uuid.UUID) (*domain.Segment, error)
	ListSegments(ctx context.Context, teamID uuid.UUID, page Page) ([]domain.Segment, int, error)
	UpdateSegment(ctx context.Context, seg *domain.Segment) error
	SoftDeleteSegment(ctx context.Context, teamID, id uuid.UUID, at time.Time) error
	UpdateSegmentCount(ctx context.Context, teamID, id uuid.UUID, count int, at time.Time) error
}

// SegmentPurger hard-deletes segments soft-deleted before a cutoff, across
// teams, returning how many rows were removed.
type SegmentPurger interface {
	PurgeDeletedSegments(ctx context.Context, before time.Time) (int, error)
}

// SubscriberRepository executes compiled queries against subscriber storage.
type SubscriberRepository interface {
	CountMatching(ctx context.Context, q *Query) (int, error)
	FindMatching(ctx context.Context, q *Query) ([]domain.SubscriberSummary, error)
	// GetSubscriber returns ErrSubscriberNotFound when the id is not in the team.
	GetSubscriber(ctx context.Context, teamID, id uuid.UUID) (*domain.Subscriber, error)
}

// ListRepository persists mailing lists and their membership.
type ListRepository interface {
	CreateList(ctx context.Context, l *domain.MailingList) error
	// GetList returns ErrListNotFound when the list is not in the team.
	GetList(ctx context.Context, teamID, listID uuid.UUID) (*domain.MailingList, error)
	UpdateList(ctx context.Context, l *domain.MailingList) error
	// ListAutomatedLists returns every list with segment rules, across teams.
	ListAutomatedLists(ctx context.Context) ([]domain.ListRef, error)
	ListMembers(ctx context.Context, teamID, listID uuid.UUID, page Page) ([]domain.Membership, int, error)
	// AddMembers ignores ids already on the list or outside the team and
	// returns how many rows were inserted. AddMembers and RemoveMembers fail
	// with ErrAutomatedList when the list has rules at write time.
	AddMembers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error)
	RemoveMembers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error)
	// WithinSyncTx runs fn in one transaction whose reads observe a single
	// snapshot. fn's error rolls the transaction back.
	WithinSyncTx(ctx context.Context, teamID, listID uuid.UUID, fn func(SyncTx) error) error
}

// SyncTx is the transactional view used to reconcile one list.
type SyncTx interface {
	// LockList locks the list row, failing with ErrSyncInProgress when
	// another reconciliation holds it.
	LockList(ctx context.Context) (*domain.MailingList, error)
	// MatchingIDs returns the ids selected by q in id order.
	MatchingIDs(ctx context.Context, q *Query) ([]uuid.UUID, error)
	// MemberIDs returns the list's current member ids in id order.
	MemberIDs(ctx context.Context) ([]uuid.UUID, error)
	InsertMembers(ctx context.Context, ids []uuid.UUID, at time.Time) error
	DeleteMembers(ctx context.Context, ids []uuid.UUID) error
	SetSyncState(ctx context.Context, count int, at time.Time) error
}
