package memstore

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

func (s *Store) CreateList(_ context.Context, l *domain.MailingList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[l.ID] = cloneList(l)
	s.members[l.ID] = make(map[uuid.UUID]*domain.Membership)
	return nil
}

func (s *Store) GetList(_ context.Context, teamID, listID uuid.UUID) (*domain.MailingList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, err := s.teamList(teamID, listID)
	if err != nil {
		return nil, err
	}
	return cloneList(l), nil
}

func (s *Store) UpdateList(_ context.Context, l *domain.MailingList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.teamList(l.TeamID, l.ID)
	if err != nil {
		return err
	}
	next := cloneList(l)
	next.SubscriberCount = cur.SubscriberCount
	next.LastSyncedAt = cur.LastSyncedAt
	s.lists[l.ID] = next
	return nil
}

func (s *Store) ListAutomatedLists(_ context.Context) ([]domain.ListRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []domain.ListRef
	for _, l := range s.lists {
		if l.IsAutomated() {
			refs = append(refs, domain.ListRef{TeamID: l.TeamID, ListID: l.ID})
		}
	}
	slices.SortFunc(refs, func(a, b domain.ListRef) int { return bytes.Compare(a.ListID[:], b.ListID[:]) })
	return refs, nil
}

func (s *Store) ListMembers(_ context.Context, teamID, listID uuid.UUID, page segmentation.Page) ([]domain.Membership, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.teamList(teamID, listID); err != nil {
		return nil, 0, err
	}
	all := make([]*domain.Membership, 0, len(s.members[listID]))
	for _, m := range s.members[listID] {
		all = append(all, m)
	}
	slices.SortFunc(all, func(a, b *domain.Membership) int {
		if c := a.SubscribedAt.Compare(b.SubscribedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.SubscriberID[:], b.SubscriberID[:])
	})
	out := make([]domain.Membership, 0, len(all))
	for _, m := range window(all, page.Offset, page.Limit) {
		out = append(out, *m)
	}
	return out, len(all), nil
}

func (s *Store) AddMembers(_ context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.standardList(teamID, listID); err != nil {
		return 0, err
	}
	var eligible []uuid.UUID
	for _, id := range ids {
		if sub, ok := s.subscribers[id]; ok && sub.TeamID == teamID {
			eligible = append(eligible, id)
		}
	}
	return s.insertMembers(listID, eligible, s.now()), nil
}

func (s *Store) RemoveMembers(_ context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.standardList(teamID, listID); err != nil {
		return 0, err
	}
	return s.deleteMembers(listID, ids), nil
}

// insertMembers must be called with s.mu held.
func (s *Store) insertMembers(listID uuid.UUID, ids []uuid.UUID, at time.Time) int {
	m := s.members[listID]
	n := 0
	for _, id := range ids {
		if _, ok := m[id]; ok {
			continue
		}
		m[id] = &domain.Membership{
			MailingListID: listID,
			SubscriberID:  id,
			Status:        domain.MembershipSubscribed,
			SubscribedAt:  at,
		}
		n++
	}
	s.lists[listID].SubscriberCount = len(m)
	return n
}

// deleteMembers must be called with s.mu held.
func (s *Store) deleteMembers(listID uuid.UUID, ids []uuid.UUID) int {
	m := s.members[listID]
	n := 0
	for _, id := range ids {
		if _, ok := m[id]; ok {
			delete(m, id)
			n++
		}
	}
	s.lists[listID].SubscriberCount = len(m)
	return n
}

func (s *Store) teamList(teamID, listID uuid.UUID) (*domain.MailingList, error) {
	l, ok := s.lists[listID]
	if !ok || l.TeamID != teamID {
		return nil, segmentation.ErrListNotFound
	}
	return l, nil
}

// standardList must be called with s.mu held.
func (s *Store) standardList(teamID, listID uuid.UUID) error {
	l, err := s.teamList(teamID, listID)
	if err != nil {
		return err
	}
	if l.IsAutomated() {
		return segmentation.ErrAutomatedList
	}
	return nil
}

func cloneList(l *domain.MailingList) *domain.MailingList {
	c := *l
	c.SegmentRules = cloneRules(l.SegmentRules)
	return &c
}

// ==========================================
// SYNCHRONIZATION
// ==========================================

// WithinSyncTx stages writes and applies them together when fn succeeds.
// LockList captures the team's subscribers and the list's members under one
// lock, and later reads see only that snapshot.
func (s *Store) WithinSyncTx(ctx context.Context, teamID, listID uuid.UUID, fn func(segmentation.SyncTx) error) error {
	tx := &syncTx{store: s, teamID: teamID, listID: listID}
	defer tx.unlock()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type syncTx struct {
	store  *Store
	teamID uuid.UUID
	listID uuid.UUID
	locked bool

	subs    []domain.Subscriber
	members []uuid.UUID

	inserts  []uuid.UUID
	deletes  []uuid.UUID
	insertAt time.Time
	synced   bool
	syncedAt time.Time
}

func (tx *syncTx) LockList(_ context.Context) (*domain.MailingList, error) {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.teamList(tx.teamID, tx.listID)
	if err != nil {
		return nil, err
	}
	if s.syncing[tx.listID] {
		return nil, segmentation.ErrSyncInProgress
	}
	s.syncing[tx.listID] = true
	tx.locked = true

	for _, sub := range s.subscribers {
		if sub.TeamID == tx.teamID {
			tx.subs = append(tx.subs, *sub)
		}
	}
	tx.members = make([]uuid.UUID, 0, len(s.members[tx.listID]))
	for id := range s.members[tx.listID] {
		tx.members = append(tx.members, id)
	}
	sortIDs(tx.members)
	return cloneList(l), nil
}

func (tx *syncTx) unlock() {
	if !tx.locked {
		return
	}
	tx.store.mu.Lock()
	delete(tx.store.syncing, tx.listID)
	tx.store.mu.Unlock()
}

func (tx *syncTx) MatchingIDs(ctx context.Context, q *segmentation.Query) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tx.locked {
		return nil, errors.New("memstore: list not locked")
	}
	var ids []uuid.UUID
	for i := range tx.subs {
		sub := &tx.subs[i]
		if sub.TeamID != q.TeamID {
			continue
		}
		if q.Predicate == nil || segmentation.Match(q.Predicate, sub) {
			ids = append(ids, sub.ID)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (tx *syncTx) MemberIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !tx.locked {
		return nil, errors.New("memstore: list not locked")
	}
	return slices.Clone(tx.members), nil
}

func (tx *syncTx) InsertMembers(_ context.Context, ids []uuid.UUID, at time.Time) error {
	tx.inserts = append(tx.inserts, ids...)
	tx.insertAt = at
	return nil
}

func (tx *syncTx) DeleteMembers(_ context.Context, ids []uuid.UUID) error {
	tx.deletes = append(tx.deletes, ids...)
	return nil
}

// SetSyncState records the sync time. The stored count is taken from the
// memberships applied at commit.
func (tx *syncTx) SetSyncState(_ context.Context, _ int, at time.Time) error {
	tx.synced = true
	tx.syncedAt = at
	return nil
}

func (tx *syncTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.teamList(tx.teamID, tx.listID)
	if err != nil {
		return err
	}
	// Subscribers removed or moved since the snapshot are not inserted.
	live := make([]uuid.UUID, 0, len(tx.inserts))
	for _, id := range tx.inserts {
		if sub, ok := s.subscribers[id]; ok && sub.TeamID == tx.teamID {
			live = append(live, id)
		}
	}
	s.insertMembers(tx.listID, live, tx.insertAt)
	s.deleteMembers(tx.listID, tx.deletes)
	l.SubscriberCount = len(s.members[tx.listID])
	if tx.synced {
		at := tx.syncedAt
		l.LastSyncedAt = &at
	}
	return nil
}

func sortIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
}
