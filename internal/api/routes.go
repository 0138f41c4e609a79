package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

var defaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = defaultCORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", TeamHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health checks (no team scope)
	r.Get("/healthz", h.health.HandleLiveness)
	r.Get("/healthz/ready", h.health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireTeam)

		r.Get("/operators", h.ListOperators)

		r.Route("/segments", func(r chi.Router) {
			r.Get("/", h.ListSegments)
			r.Post("/", h.CreateSegment)
			r.Post("/preview", h.PreviewSegment)

			r.Route("/{segmentID}", func(r chi.Router) {
				r.Get("/", h.GetSegment)
				r.Put("/", h.UpdateSegment)
				r.Delete("/", h.DeleteSegment)
				r.Post("/recalculate", h.RecalculateSegment)
				r.Get("/subscribers", h.GetSegmentSubscribers)
				r.Get("/subscribers/{subscriberID}/match", h.MatchSubscriber)
			})
		})

		r.Route("/lists", func(r chi.Router) {
			r.Post("/", h.CreateList)

			r.Route("/{listID}", func(r chi.Router) {
				r.Get("/", h.GetList)
				r.Put("/", h.UpdateList)
				r.Get("/members", h.ListMembers)
				r.Post("/members", h.AddMembers)
				r.Delete("/members", h.RemoveMembers)
				r.Post("/sync", h.TriggerSync)
				r.Get("/sync", h.GetSyncStatus)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
