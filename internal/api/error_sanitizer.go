package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// =============================================================================
// ERROR MAPPING
// Engine errors become stable HTTP statuses and codes. Anything unrecognized
// is a 500 with a generic message; the full error is logged server-side.
// =============================================================================

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *segmentation.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.UnprocessableEntity(w, "invalid rule definition", verr.Problems)
	case errors.Is(err, segmentation.ErrSegmentNotFound):
		httputil.NotFound(w, "segment not found")
	case errors.Is(err, segmentation.ErrListNotFound):
		httputil.NotFound(w, "list not found")
	case errors.Is(err, segmentation.ErrSubscriberNotFound):
		httputil.NotFound(w, "subscriber not found")
	case errors.Is(err, segmentation.ErrSyncInProgress):
		httputil.Conflict(w, "sync_in_progress", "a synchronization of this list is already running")
	case errors.Is(err, segmentation.ErrSyncConflict):
		httputil.Conflict(w, "sync_conflict", "synchronization conflicted with a concurrent write, retry later")
	case errors.Is(err, segmentation.ErrAutomatedList):
		httputil.Conflict(w, "automated_list", "membership of an automated list is managed by its rules")
	case errors.Is(err, segmentation.ErrNoTeamScope):
		httputil.BadRequest(w, "team scope is required")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out", "path", r.URL.Path, "error", err)
		httputil.Error(w, http.StatusGatewayTimeout, "request timed out")
	default:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
