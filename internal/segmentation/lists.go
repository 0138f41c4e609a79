package segmentation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// ListService manages mailing lists and manual membership.
type ListService struct {
	lists ListRepository
	now   func() time.Time
}

// NewListService creates a ListService.
func NewListService(lists ListRepository) *ListService {
	return &ListService{
		lists: lists,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateList stores a new list. A list with segment rules is automated; its
// membership is filled by synchronization, not here.
func (s *ListService) CreateList(ctx context.Context, teamID uuid.UUID, in ListInput) (*domain.MailingList, error) {
	rules, err := validateList(in)
	if err != nil {
		return nil, err
	}
	now := s.now()
	l := &domain.MailingList{
		ID:           uuid.New(),
		TeamID:       teamID,
		Name:         strings.TrimSpace(in.Name),
		SegmentRules: rules,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.Type = listType(l)
	if err := s.lists.CreateList(ctx, l); err != nil {
		return nil, fmt.Errorf("create list: %w", err)
	}
	logger.Info("mailing list created", "team_id", teamID, "list_id", l.ID, "type", l.Type)
	return l, nil
}

// GetList returns one list of the team.
func (s *ListService) GetList(ctx context.Context, teamID, listID uuid.UUID) (*domain.MailingList, error) {
	return s.lists.GetList(ctx, teamID, listID)
}

// UpdateList replaces a list's name and rules. Clearing the rules turns an
// automated list back into a standard one and keeps its current members.
func (s *ListService) UpdateList(ctx context.Context, teamID, listID uuid.UUID, in ListInput) (*domain.MailingList, error) {
	rules, err := validateList(in)
	if err != nil {
		return nil, err
	}
	l, err := s.lists.GetList(ctx, teamID, listID)
	if err != nil {
		return nil, err
	}
	l.Name = strings.TrimSpace(in.Name)
	l.SegmentRules = rules
	l.Type = listType(l)
	l.UpdatedAt = s.now()
	if err := s.lists.UpdateList(ctx, l); err != nil {
		return nil, fmt.Errorf("update list: %w", err)
	}
	logger.Info("mailing list updated", "team_id", teamID, "list_id", listID, "type", l.Type)
	return l, nil
}

// AddSubscribers adds subscribers to a standard list. Ids already on the
// list or outside the team are skipped; the number added is returned.
func (s *ListService) AddSubscribers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	if err := s.requireStandard(ctx, teamID, listID); err != nil {
		return 0, err
	}
	n, err := s.lists.AddMembers(ctx, teamID, listID, dedupe(ids))
	if err != nil {
		return 0, fmt.Errorf("add members: %w", err)
	}
	logger.Info("list members added", "team_id", teamID, "list_id", listID, "requested", len(ids), "added", n)
	return n, nil
}

// RemoveSubscribers removes subscribers from a standard list.
func (s *ListService) RemoveSubscribers(ctx context.Context, teamID, listID uuid.UUID, ids []uuid.UUID) (int, error) {
	if err := s.requireStandard(ctx, teamID, listID); err != nil {
		return 0, err
	}
	n, err := s.lists.RemoveMembers(ctx, teamID, listID, dedupe(ids))
	if err != nil {
		return 0, fmt.Errorf("remove members: %w", err)
	}
	logger.Info("list members removed", "team_id", teamID, "list_id", listID, "requested", len(ids), "removed", n)
	return n, nil
}

// Members returns a page of a list's memberships and their total.
func (s *ListService) Members(ctx context.Context, teamID, listID uuid.UUID, page Page) ([]domain.Membership, int, error) {
	if _, err := s.lists.GetList(ctx, teamID, listID); err != nil {
		return nil, 0, err
	}
	members, total, err := s.lists.ListMembers(ctx, teamID, listID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list members: %w", err)
	}
	return members, total, nil
}

// requireStandard rejects early; the repository repeats the check inside
// its write.
func (s *ListService) requireStandard(ctx context.Context, teamID, listID uuid.UUID) error {
	l, err := s.lists.GetList(ctx, teamID, listID)
	if err != nil {
		return err
	}
	if l.IsAutomated() {
		return ErrAutomatedList
	}
	return nil
}

func validateList(in ListInput) (domain.Rules, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(in.Name) == "" {
		verr.add("name is required")
	}
	if len(in.SegmentRules) == 0 {
		return nil, verr.orNil()
	}
	if err := Validate(in.SegmentRules); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			verr.Problems = append(verr.Problems, ve.Problems...)
		} else {
			verr.add("%v", err)
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return NormalizeRules(in.SegmentRules), nil
}

func listType(l *domain.MailingList) domain.ListType {
	if l.IsAutomated() {
		return domain.ListAutomated
	}
	return domain.ListStandard
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
