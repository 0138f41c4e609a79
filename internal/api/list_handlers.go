package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/worker"
)

// ==========================================
// LIST HANDLERS
// ==========================================

// MembersRequest names subscribers to add to or remove from a standard list.
type MembersRequest struct {
	SubscriberIDs []uuid.UUID `json:"subscriber_ids"`
}

// SyncStatus is the response of GET /lists/{id}/sync.
type SyncStatus struct {
	ListID     uuid.UUID           `json:"list_id"`
	Pending    bool                `json:"pending"`
	LastResult *worker.SyncOutcome `json:"last_result"`
}

func (h *Handlers) CreateList(w http.ResponseWriter, r *http.Request) {
	var in segmentation.ListInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	l, err := h.lists.CreateList(r.Context(), teamFrom(r), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.Created(w, l)
}

func (h *Handlers) GetList(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return
	}
	l, err := h.lists.GetList(r.Context(), teamFrom(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, l)
}

// UpdateList renames a list or replaces its rules; the list type follows the
// rules.
func (h *Handlers) UpdateList(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return
	}
	var in segmentation.ListInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	l, err := h.lists.UpdateList(r.Context(), teamFrom(r), id, in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, l)
}

func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return
	}
	params := ParsePagination(r, DefaultPageLimit, MaxPageLimit)
	members, total, err := h.lists.Members(r.Context(), teamFrom(r), id, params.Window())
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(members, params, total))
}

func (h *Handlers) decodeMembers(w http.ResponseWriter, r *http.Request) (uuid.UUID, []uuid.UUID, bool) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return uuid.Nil, nil, false
	}
	var req MembersRequest
	if !httputil.Decode(w, r, &req) {
		return uuid.Nil, nil, false
	}
	if len(req.SubscriberIDs) == 0 {
		httputil.BadRequest(w, "subscriber_ids must not be empty")
		return uuid.Nil, nil, false
	}
	return id, req.SubscriberIDs, true
}

// AddMembers adds subscribers to a standard list.
func (h *Handlers) AddMembers(w http.ResponseWriter, r *http.Request) {
	id, ids, ok := h.decodeMembers(w, r)
	if !ok {
		return
	}
	n, err := h.lists.AddSubscribers(r.Context(), teamFrom(r), id, ids)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]int{"added": n})
}

// RemoveMembers removes subscribers from a standard list.
func (h *Handlers) RemoveMembers(w http.ResponseWriter, r *http.Request) {
	id, ids, ok := h.decodeMembers(w, r)
	if !ok {
		return
	}
	n, err := h.lists.RemoveSubscribers(r.Context(), teamFrom(r), id, ids)
	if err != nil {
		respondError(w, r, err)
		return
	}
	httputil.OK(w, map[string]int{"removed": n})
}

// TriggerSync queues a reconciliation of the list. A list that already has
// a job waiting is reported with queued=false.
//
//	POST /api/v1/lists/{listID}/sync
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return
	}
	teamID := teamFrom(r)
	if _, err := h.lists.GetList(r.Context(), teamID, id); err != nil {
		respondError(w, r, err)
		return
	}
	job, queued, err := h.sync.Enqueue(r.Context(), teamID, id, worker.ReasonManual)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := map[string]any{"list_id": id, "queued": queued}
	if job != nil {
		resp["job_id"] = job.ID
	}
	httputil.Accepted(w, resp)
}

// GetSyncStatus reports whether a sync is pending and the last outcome.
//
//	GET /api/v1/lists/{listID}/sync
func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "listID")
	if !ok {
		return
	}
	teamID := teamFrom(r)
	if _, err := h.lists.GetList(r.Context(), teamID, id); err != nil {
		respondError(w, r, err)
		return
	}
	pending, err := h.sync.Pending(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	last, err := h.sync.LastResult(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if last != nil && last.TeamID != teamID {
		last = nil
	}
	httputil.OK(w, SyncStatus{ListID: id, Pending: pending, LastResult: last})
}
