package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/pkg/httputil"
)

// TeamHeader carries the team every request is scoped to.
const TeamHeader = "X-Team-ID"

type teamContextKey struct{}

// requireTeam rejects requests without a valid team id and stores it in the
// request context.
func requireTeam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID, err := uuid.Parse(r.Header.Get(TeamHeader))
		if err != nil || teamID == uuid.Nil {
			httputil.BadRequest(w, TeamHeader+" header must be a team UUID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), teamContextKey{}, teamID)))
	})
}

// teamFrom returns the team stored by requireTeam.
func teamFrom(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(teamContextKey{}).(uuid.UUID)
	return id
}
