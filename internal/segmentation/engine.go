package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Preview limits applied when the caller passes none or too many.
const (
	DefaultPreviewLimit = 10
	MaxPreviewLimit     = 100
)

// EngineConfig tunes an Engine.
type EngineConfig struct {
	DefaultPreviewLimit int
	MaxPreviewLimit     int
}

// Engine is the main segmentation engine
type Engine struct {
	segments    SegmentRepository
	subscribers SubscriberRepository
	cfg         EngineConfig
	now         func() time.Time
}

// NewEngine creates a new segmentation engine
func NewEngine(segments SegmentRepository, subscribers SubscriberRepository, cfg EngineConfig) *Engine {
	if cfg.DefaultPreviewLimit <= 0 {
		cfg.DefaultPreviewLimit = DefaultPreviewLimit
	}
	if cfg.MaxPreviewLimit <= 0 {
		cfg.MaxPreviewLimit = MaxPreviewLimit
	}
	if cfg.DefaultPreviewLimit > cfg.MaxPreviewLimit {
		cfg.DefaultPreviewLimit = cfg.MaxPreviewLimit
	}
	return &Engine{
		segments:    segments,
		subscribers: subscribers,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ==========================================
// SEGMENT DEFINITIONS
// ==========================================

// CreateSegment validates the input, counts its audience and stores it.
func (e *Engine) CreateSegment(ctx context.Context, teamID uuid.UUID, in SegmentInput) (*domain.Segment, error) {
	start := time.Now()
	if err := validateInput(in.Name, in.Conditions); err != nil {
		return nil, err
	}
	rules := NormalizeRules(in.Conditions)

	count, err := e.count(ctx, teamID, rules)
	if err != nil {
		return nil, err
	}

	now := e.now()
	seg := &domain.Segment{
		ID:               uuid.New(),
		TeamID:           teamID,
		Name:             strings.TrimSpace(in.Name),
		Description:      in.Description,
		Conditions:       rules,
		SubscriberCount:  count,
		LastCalculatedAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.segments.CreateSegment(ctx, seg); err != nil {
		logger.Error("segment create failed", "team_id", teamID, "error", err)
		return nil, fmt.Errorf("create segment: %w", err)
	}

	logger.Info("segment created",
		"team_id", teamID, "segment_id", seg.ID, "subscriber_count", count,
		"duration_ms", time.Since(start).Milliseconds())
	return seg, nil
}

// UpdateSegment replaces a segment's name, description and conditions. The
// audience is recounted only when the conditions changed.
func (e *Engine) UpdateSegment(ctx context.Context, teamID, segmentID uuid.UUID, in SegmentInput) (*domain.Segment, error) {
	if err := validateInput(in.Name, in.Conditions); err != nil {
		return nil, err
	}
	seg, err := e.segments.GetSegment(ctx, teamID, segmentID)
	if err != nil {
		return nil, err
	}

	rules := NormalizeRules(in.Conditions)
	changed := !sameRules(seg.Conditions, rules)

	now := e.now()
	seg.Name = strings.TrimSpace(in.Name)
	seg.Description = in.Description
	seg.Conditions = rules
	seg.UpdatedAt = now
	if changed {
		count, err := e.count(ctx, teamID, rules)
		if err != nil {
			return nil, err
		}
		seg.SubscriberCount = count
		seg.LastCalculatedAt = &now
	}

	if err := e.segments.UpdateSegment(ctx, seg); err != nil {
		logger.Error("segment update failed", "team_id", teamID, "segment_id", segmentID, "error", err)
		return nil, fmt.Errorf("update segment: %w", err)
	}
	logger.Info("segment updated",
		"team_id", teamID, "segment_id", segmentID, "recounted", changed,
		"subscriber_count", seg.SubscriberCount)
	return seg, nil
}

// GetSegment returns one segment of the team.
func (e *Engine) GetSegment(ctx context.Context, teamID, segmentID uuid.UUID) (*domain.Segment, error) {
	return e.segments.GetSegment(ctx, teamID, segmentID)
}

// ListSegments returns a page of the team's segments and their total.
func (e *Engine) ListSegments(ctx context.Context, teamID uuid.UUID, page Page) ([]domain.Segment, int, error) {
	segs, total, err := e.segments.ListSegments(ctx, teamID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list segments: %w", err)
	}
	return segs, total, nil
}

// DeleteSegment soft-deletes a segment.
func (e *Engine) DeleteSegment(ctx context.Context, teamID, segmentID uuid.UUID) error {
	if err := e.segments.SoftDeleteSegment(ctx, teamID, segmentID, e.now()); err != nil {
		if errors.Is(err, ErrSegmentNotFound) {
			return err
		}
		return fmt.Errorf("delete segment: %w", err)
	}
	logger.Info("segment deleted", "team_id", teamID, "segment_id", segmentID)
	return nil
}

// RecalculateSegment recounts a stored segment's audience and records when.
func (e *Engine) RecalculateSegment(ctx context.Context, teamID, segmentID uuid.UUID) (*domain.Segment, error) {
	start := time.Now()
	seg, err := e.segments.GetSegment(ctx, teamID, segmentID)
	if err != nil {
		return nil, err
	}
	count, err := e.count(ctx, teamID, seg.Conditions)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.segments.UpdateSegmentCount(ctx, teamID, segmentID, count, now); err != nil {
		logger.Error("segment recalculation failed", "team_id", teamID, "segment_id", segmentID, "error", err)
		return nil, fmt.Errorf("update segment count: %w", err)
	}
	seg.SubscriberCount = count
	seg.LastCalculatedAt = &now

	logger.Info("segment recalculated",
		"team_id", teamID, "segment_id", segmentID, "subscriber_count", count,
		"duration_ms", time.Since(start).Milliseconds())
	return seg, nil
}

// ==========================================
// EVALUATION
// ==========================================

// PreviewRules counts and samples the audience of unsaved rules. Empty groups
// are allowed and reported as warnings.
func (e *Engine) PreviewRules(ctx context.Context, teamID uuid.UUID, rules domain.Rules, limit int) (*Preview, error) {
	warnings, err := ValidateForPreview(rules)
	if err != nil {
		return nil, err
	}
	q, err := NewQuery(teamID, rules)
	if err != nil {
		return nil, err
	}

	count, err := e.subscribers.CountMatching(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count matching subscribers: %w", err)
	}
	subs, err := e.subscribers.FindMatching(ctx, q.WithLimit(e.previewLimit(limit)))
	if err != nil {
		return nil, fmt.Errorf("find matching subscribers: %w", err)
	}
	if subs == nil {
		subs = []domain.SubscriberSummary{}
	}
	return &Preview{
		Count:        count,
		Subscribers:  subs,
		Warnings:     warnings,
		QueryHash:    HashRules(teamID, rules),
		CalculatedAt: e.now(),
	}, nil
}

// SegmentSubscribers returns one page of a stored segment's audience and the
// audience size.
func (e *Engine) SegmentSubscribers(ctx context.Context, teamID, segmentID uuid.UUID, page Page) ([]domain.SubscriberSummary, int, error) {
	seg, err := e.segments.GetSegment(ctx, teamID, segmentID)
	if err != nil {
		return nil, 0, err
	}
	q, err := NewQuery(teamID, seg.Conditions)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.subscribers.CountMatching(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("count matching subscribers: %w", err)
	}
	subs, err := e.subscribers.FindMatching(ctx, q.WithPage(page))
	if err != nil {
		return nil, 0, fmt.Errorf("find matching subscribers: %w", err)
	}
	return subs, total, nil
}

// EvaluateSubscriber reports whether one subscriber of the team currently
// matches a stored segment.
func (e *Engine) EvaluateSubscriber(ctx context.Context, teamID, segmentID, subscriberID uuid.UUID) (bool, error) {
	seg, err := e.segments.GetSegment(ctx, teamID, segmentID)
	if err != nil {
		return false, err
	}
	pred, err := CompileRules(seg.Conditions)
	if err != nil {
		return false, err
	}
	sub, err := e.subscribers.GetSubscriber(ctx, teamID, subscriberID)
	if err != nil {
		return false, err
	}
	return Match(pred, sub), nil
}

func (e *Engine) count(ctx context.Context, teamID uuid.UUID, rules domain.Rules) (int, error) {
	q, err := NewQuery(teamID, rules)
	if err != nil {
		return 0, err
	}
	n, err := e.subscribers.CountMatching(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count matching subscribers: %w", err)
	}
	return n, nil
}

func (e *Engine) previewLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultPreviewLimit
	}
	if limit > e.cfg.MaxPreviewLimit {
		return e.cfg.MaxPreviewLimit
	}
	return limit
}

func validateInput(name string, rules domain.Rules) error {
	verr := &ValidationError{}
	if strings.TrimSpace(name) == "" {
		verr.add("name is required")
	}
	if err := Validate(rules); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			verr.Problems = append(verr.Problems, ve.Problems...)
		} else {
			verr.add("%v", err)
		}
	}
	return verr.orNil()
}

// sameRules compares rule sets by canonical JSON.
func sameRules(a, b domain.Rules) bool {
	ja, errA := json.Marshal(NormalizeRules(a))
	jb, errB := json.Marshal(NormalizeRules(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(compactJSON(ja), compactJSON(jb))
}

func compactJSON(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}
