package api

import (
	"net/http"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// ==========================================
// SEGMENT HANDLERS
// ==========================================

// PreviewRequest is the body of a preview call.
type PreviewRequest struct {
	Conditions domain.Rules `json:"conditions"`
	Limit      int          `json:"limit,omitempty"`
}

// ListSegments returns one page of the team's segments.
func (h *Handlers) ListSegments(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, DefaultPageLimit, MaxPageLimit)
	segs, total, err := h.engine.ListSegments(r.Context(), teamFrom(r), params.Window())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(segs, params, total))
}

// CreateSegment validates, counts and stores a segment.
func (h *Handlers) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var in segmentation.SegmentInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.engine.CreateSegment(r.Context(), teamFrom(r), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.Created(w, seg)
}

// PreviewSegment evaluates unsaved rules.
func (h *Handlers) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	preview, err := h.engine.PreviewRules(r.Context(), teamFrom(r), req.Conditions, req.Limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, preview)
}

func (h *Handlers) GetSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	seg, err := h.engine.GetSegment(r.Context(), teamFrom(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, seg)
}

// UpdateSegment replaces a segment's definition.
func (h *Handlers) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	var in segmentation.SegmentInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.engine.UpdateSegment(r.Context(), teamFrom(r), id, in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, seg)
}

func (h *Handlers) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	if err := h.engine.DeleteSegment(r.Context(), teamFrom(r), id); err != nil {
		respondError(w, r, err)
		return
	}
	httputil.NoContent(w)
}

// RecalculateSegment refreshes the stored audience count.
func (h *Handlers) RecalculateSegment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	seg, err := h.engine.RecalculateSegment(r.Context(), teamFrom(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, seg)
}

// GetSegmentSubscribers pages through a segment's current audience.
func (h *Handlers) GetSegmentSubscribers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	params := ParsePagination(r, DefaultPageLimit, MaxPageLimit)
	subs, total, err := h.engine.SegmentSubscribers(r.Context(), teamFrom(r), id, params.Window())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(subs, params, total))
}

// MatchSubscriber checks one subscriber against a segment.
func (h *Handlers) MatchSubscriber(w http.ResponseWriter, r *http.Request) {
	segmentID, ok := pathID(w, r, "segmentID")
	if !ok {
		return
	}
	subscriberID, ok := pathID(w, r, "subscriberID")
	if !ok {
		return
	}
	matches, err := h.engine.EvaluateSubscriber(r.Context(), teamFrom(r), segmentID, subscriberID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]any{
		"segment_id":    segmentID,
		"subscriber_id": subscriberID,
		"matches":       matches,
	})
}
