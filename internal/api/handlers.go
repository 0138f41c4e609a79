package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/worker"
)

// Handlers holds the services behind the HTTP surface.
type Handlers struct {
	engine *segmentation.Engine
	lists  *segmentation.ListService
	sync   worker.Queue
	health *HealthChecker
}

// NewHandlers wires the handlers. health may be nil.
func NewHandlers(engine *segmentation.Engine, lists *segmentation.ListService, sync worker.Queue, health *HealthChecker) *Handlers {
	if health == nil {
		health = NewHealthChecker(nil, nil)
	}
	return &Handlers{engine: engine, lists: lists, sync: sync, health: health}
}

// pathID parses a UUID path parameter, writing a 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httputil.BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// ListOperators returns the field registry and operator catalogue.
//
//	GET /api/v1/operators
func (h *Handlers) ListOperators(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"fields":              segmentation.SubscriberFields(),
		"custom_field_prefix": segmentation.CustomFieldPrefix,
		"operators":           segmentation.OperatorCatalogue(),
	})
}
