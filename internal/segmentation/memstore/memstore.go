// Package memstore is an in-memory implementation of the segmentation
// repositories. Rules are evaluated with segmentation.Match, so results agree
// with the PostgreSQL renderer on the same data. It backs tests and the
// "memory" storage type.
package memstore

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// Store holds teams' subscribers, segments, lists and memberships.
type Store struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*domain.Subscriber
	segments    map[uuid.UUID]*domain.Segment
	lists       map[uuid.UUID]*domain.MailingList
	members     map[uuid.UUID]map[uuid.UUID]*domain.Membership
	syncing     map[uuid.UUID]bool
	now         func() time.Time
}

var (
	_ segmentation.SegmentRepository    = (*Store)(nil)
	_ segmentation.SubscriberRepository = (*Store)(nil)
	_ segmentation.ListRepository       = (*Store)(nil)
	_ segmentation.SegmentPurger        = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		subscribers: make(map[uuid.UUID]*domain.Subscriber),
		segments:    make(map[uuid.UUID]*domain.Segment),
		lists:       make(map[uuid.UUID]*domain.MailingList),
		members:     make(map[uuid.UUID]map[uuid.UUID]*domain.Membership),
		syncing:     make(map[uuid.UUID]bool),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ==========================================
// SUBSCRIBERS
// ==========================================

// PutSubscriber inserts or replaces a subscriber. A zero id is assigned.
func (s *Store) PutSubscriber(sub domain.Subscriber) domain.Subscriber {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sub
	s.subscribers[sub.ID] = &c
	return sub
}

// DeleteSubscriber removes a subscriber and its memberships.
func (s *Store) DeleteSubscriber(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
	for listID, m := range s.members {
		if _, ok := m[id]; ok {
			delete(m, id)
			if l := s.lists[listID]; l != nil {
				l.SubscriberCount = len(m)
			}
		}
	}
}

func (s *Store) GetSubscriber(_ context.Context, teamID, id uuid.UUID) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscribers[id]
	if !ok || sub.TeamID != teamID {
		return nil, segmentation.ErrSubscriberNotFound
	}
	c := *sub
	return &c, nil
}

func (s *Store) CountMatching(ctx context.Context, q *segmentation.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(q)), nil
}

func (s *Store) FindMatching(ctx context.Context, q *segmentation.Query) ([]domain.SubscriberSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.matching(q)
	sortSubscribers(subs, q.Order)
	subs = window(subs, q.Offset, q.Limit)
	out := make([]domain.SubscriberSummary, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Summary())
	}
	return out, nil
}

// matching must be called with s.mu held.
func (s *Store) matching(q *segmentation.Query) []*domain.Subscriber {
	var out []*domain.Subscriber
	for _, sub := range s.subscribers {
		if sub.TeamID != q.TeamID {
			continue
		}
		if q.Predicate == nil || segmentation.Match(q.Predicate, sub) {
			out = append(out, sub)
		}
	}
	return out
}

func sortSubscribers(subs []*domain.Subscriber, o segmentation.Order) {
	slices.SortFunc(subs, func(a, b *domain.Subscriber) int {
		c := 0
		switch o.Field {
		case "created_at":
			c = a.CreatedAt.Compare(b.CreatedAt)
		case "email":
			c = strings.Compare(a.Email, b.Email)
		}
		if c == 0 {
			c = bytes.Compare(a.ID[:], b.ID[:])
		}
		if o.Desc {
			return -c
		}
		return c
	})
}

func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ==========================================
// SEGMENTS
// ==========================================

func (s *Store) CreateSegment(_ context.Context, seg *domain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID] = cloneSegment(seg)
	return nil
}

func (s *Store) GetSegment(_ context.Context, teamID, id uuid.UUID) (*domain.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, err := s.liveSegment(teamID, id)
	if err != nil {
		return nil, err
	}
	return cloneSegment(seg), nil
}

func (s *Store) ListSegments(_ context.Context, teamID uuid.UUID, page segmentation.Page) ([]domain.Segment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var segs []*domain.Segment
	for _, seg := range s.segments {
		if seg.TeamID == teamID && seg.DeletedAt == nil {
			segs = append(segs, seg)
		}
	}
	slices.SortFunc(segs, func(a, b *domain.Segment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	total := len(segs)
	out := make([]domain.Segment, 0, len(segs))
	for _, seg := range window(segs, page.Offset, page.Limit) {
		out = append(out, *cloneSegment(seg))
	}
	return out, total, nil
}

func (s *Store) UpdateSegment(_ context.Context, seg *domain.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveSegment(seg.TeamID, seg.ID); err != nil {
		return err
	}
	s.segments[seg.ID] = cloneSegment(seg)
	return nil
}

func (s *Store) SoftDeleteSegment(_ context.Context, teamID, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := s.liveSegment(teamID, id)
	if err != nil {
		return err
	}
	seg.DeletedAt = &at
	return nil
}

// PurgeDeletedSegments drops segments deleted before the cutoff.
func (s *Store) PurgeDeletedSegments(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, seg := range s.segments {
		if seg.DeletedAt != nil && seg.DeletedAt.Before(before) {
			delete(s.segments, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateSegmentCount(_ context.Context, teamID, id uuid.UUID, count int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := s.liveSegment(teamID, id)
	if err != nil {
		return err
	}
	seg.SubscriberCount = count
	seg.LastCalculatedAt = &at
	return nil
}

func (s *Store) liveSegment(teamID, id uuid.UUID) (*domain.Segment, error) {
	seg, ok := s.segments[id]
	if !ok || seg.TeamID != teamID || seg.DeletedAt != nil {
		return nil, segmentation.ErrSegmentNotFound
	}
	return seg, nil
}

func cloneSegment(seg *domain.Segment) *domain.Segment {
	c := *seg
	c.Conditions = cloneRules(seg.Conditions)
	return &c
}

func cloneRules(rules domain.Rules) domain.Rules {
	if rules == nil {
		return nil
	}
	out := make(domain.Rules, len(rules))
	for i, g := range rules {
		g.Conditions = slices.Clone(g.Conditions)
		out[i] = g
	}
	return out
}
