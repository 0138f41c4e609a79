package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/segmentation/memstore"
	"github.com/ignite/audience-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *memstore.Store
	handler http.Handler
	team    uuid.UUID
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	engine := segmentation.NewEngine(store, store, segmentation.EngineConfig{})
	lists := segmentation.NewListService(store)
	syncer := segmentation.NewSynchronizer(store, nil, segmentation.SyncConfig{})
	h := NewHandlers(engine, lists, worker.NewInlineQueue(syncer, time.Second), nil)
	return &testEnv{store: store, handler: SetupRoutes(h, nil), team: uuid.New()}
}

func (e *testEnv) request(t *testing.T, team uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if team != uuid.Nil {
		req.Header.Set(TeamHeader, team.String())
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return e.request(t, e.team, method, path, body)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const subscribedRules = `[{"match":"all","conditions":[{"field":"status","operator":"equals","value":"subscribed"}]}]`

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.request(t, uuid.Nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, uuid.Nil, http.MethodGet, "/healthz/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "nothing configured is still ready")
}

func TestReadinessRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	hc := NewHealthChecker(nil, client)

	rec := httptest.NewRecorder()
	hc.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	hc.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTeamHeaderRequired(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.request(t, uuid.Nil, http.MethodGet, "/api/v1/segments", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/segments", nil)
	req.Header.Set(TeamHeader, "team-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOperators(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/operators", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Fields    []segmentation.FieldRef     `json:"fields"`
		Operators []segmentation.OperatorInfo `json:"operators"`
	}](t, rec)
	assert.Len(t, body.Operators, len(domain.Operators()))
	assert.NotEmpty(t, body.Fields)
}

func TestSegmentCRUD(t *testing.T) {
	env := setupTestEnv(t)
	env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: "a@x.com", Status: domain.SubscriberSubscribed})
	env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: "b@x.com", Status: domain.SubscriberPending})

	rec := env.do(t, http.MethodPost, "/api/v1/segments",
		`{"name":"Subscribed","conditions":`+subscribedRules+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	seg := decode[domain.Segment](t, rec)
	assert.Equal(t, 1, seg.SubscriberCount)
	assert.Equal(t, env.team, seg.TeamID)

	path := "/api/v1/segments/" + seg.ID.String()
	rec = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, uuid.New(), http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other teams cannot see the segment")

	rec = env.do(t, http.MethodGet, "/api/v1/segments?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Data       []domain.Segment `json:"data"`
		Pagination PaginationMeta   `json:"pagination"`
	}](t, rec)
	assert.Len(t, page.Data, 1)
	assert.Equal(t, 1, page.Pagination.Total)

	rec = env.do(t, http.MethodGet, path+"/subscribers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs := decode[struct {
		Data []domain.SubscriberSummary `json:"data"`
	}](t, rec)
	require.Len(t, subs.Data, 1)
	assert.Equal(t, "a@x.com", subs.Data[0].Email)

	rec = env.do(t, http.MethodPut, path, map[string]any{
		"name":       "Pending",
		"conditions": json.RawMessage(`[{"match":"all","conditions":[{"field":"status","operator":"equals","value":"pending"}]}]`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Pending", decode[domain.Segment](t, rec).Name)

	rec = env.do(t, http.MethodPost, path+"/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.Segment](t, rec).SubscriberCount)

	rec = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSegmentValidationErrors(t *testing.T) {
	env := setupTestEnv(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"unknown top-level field", `{"name":"x","rules":[]}`, http.StatusBadRequest},
		{"empty group", `{"name":"x","conditions":[{"match":"all","conditions":[]}]}`, http.StatusUnprocessableEntity},
		{"unknown operator", `{"name":"x","conditions":[{"match":"all","conditions":[{"field":"email","operator":"regex","value":"a"}]}]}`, http.StatusUnprocessableEntity},
		{"missing name", `{"conditions":` + subscribedRules + `}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/segments", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/segments",
		`{"name":"","conditions":[{"match":"all","conditions":[{"field":"nope","operator":"equals","value":1}]}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[struct {
		Code    string   `json:"code"`
		Details []string `json:"details"`
	}](t, rec)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Len(t, body.Details, 2, "every problem is reported")

	rec = env.do(t, http.MethodGet, "/api/v1/segments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewSegment(t *testing.T) {
	env := setupTestEnv(t)
	for _, email := range []string{"one@acme.com", "two@acme.org", "three@other.com"} {
		env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: email, Status: domain.SubscriberSubscribed})
	}

	rec := env.do(t, http.MethodPost, "/api/v1/segments/preview", `{"limit":1,"conditions":[{"match":"any","conditions":[
		{"field":"email","operator":"ends_with","value":"@acme.com"},
		{"field":"email","operator":"ends_with","value":"@acme.org"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[segmentation.Preview](t, rec)
	assert.Equal(t, 2, preview.Count)
	assert.Len(t, preview.Subscribers, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/segments/preview", `{"conditions":[{"match":"all","conditions":[]}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	preview = decode[segmentation.Preview](t, rec)
	assert.Equal(t, 3, preview.Count)
	assert.Contains(t, preview.Warnings, segmentation.WarnMatchesEveryone)
}

func TestMatchSubscriber(t *testing.T) {
	env := setupTestEnv(t)
	sub := env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: "a@x.com", Status: domain.SubscriberSubscribed})
	rec := env.do(t, http.MethodPost, "/api/v1/segments", `{"name":"S","conditions":`+subscribedRules+`}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	seg := decode[domain.Segment](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/segments/"+seg.ID.String()+"/subscribers/"+sub.ID.String()+"/match", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[struct {
		Matches bool `json:"matches"`
	}](t, rec).Matches)

	rec = env.do(t, http.MethodGet, "/api/v1/segments/"+seg.ID.String()+"/subscribers/"+uuid.NewString()+"/match", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMembershipAndSync(t *testing.T) {
	env := setupTestEnv(t)
	a := env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: "a@x.com", Status: domain.SubscriberSubscribed})
	b := env.store.PutSubscriber(domain.Subscriber{TeamID: env.team, Email: "b@x.com", Status: domain.SubscriberBounced})

	// Standard list: manual membership.
	rec := env.do(t, http.MethodPost, "/api/v1/lists", `{"name":"VIP"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	manual := decode[domain.MailingList](t, rec)
	assert.Equal(t, domain.ListStandard, manual.Type)

	membersPath := "/api/v1/lists/" + manual.ID.String() + "/members"
	rec = env.do(t, http.MethodPost, membersPath, MembersRequest{SubscriberIDs: []uuid.UUID{a.ID, b.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["added"])

	rec = env.do(t, http.MethodDelete, membersPath, MembersRequest{SubscriberIDs: []uuid.UUID{b.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["removed"])

	rec = env.do(t, http.MethodPost, membersPath, MembersRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Automated list: rule-driven membership.
	rec = env.do(t, http.MethodPost, "/api/v1/lists", `{"name":"Active","segment_rules":`+subscribedRules+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	auto := decode[domain.MailingList](t, rec)
	assert.Equal(t, domain.ListAutomated, auto.Type)

	listPath := "/api/v1/lists/" + auto.ID.String()
	rec = env.do(t, http.MethodPost, listPath+"/members", MembersRequest{SubscriberIDs: []uuid.UUID{a.ID}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, listPath+"/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["queued"])

	rec = env.do(t, http.MethodGet, listPath+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[SyncStatus](t, rec)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, worker.OutcomeSucceeded, status.LastResult.Status)
	assert.Equal(t, 1, status.LastResult.Added)

	rec = env.do(t, http.MethodGet, listPath+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decode[struct {
		Data []domain.Membership `json:"data"`
	}](t, rec)
	require.Len(t, members.Data, 1)
	assert.Equal(t, a.ID, members.Data[0].SubscriberID)

	rec = env.do(t, http.MethodGet, listPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.MailingList](t, rec).SubscriberCount)

	rec = env.request(t, uuid.New(), http.MethodPost, listPath+"/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other teams cannot trigger the list")

	rec = env.do(t, http.MethodPut, listPath, `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListStandard, decode[domain.MailingList](t, rec).Type, "dropping rules makes the list standard")
}

func TestPaginationParams(t *testing.T) {
	tests := []struct {
		query      string
		page, lim  int
		wantOffset int
	}{
		{"", 1, DefaultPageLimit, 0},
		{"page=3&limit=20", 3, 20, 40},
		{"page=-1&limit=100000", 1, MaxPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := ParsePagination(httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil), DefaultPageLimit, MaxPageLimit)
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.lim, p.Limit)
			assert.Equal(t, tt.wantOffset, p.Window().Offset)
		})
	}

	meta := NewPaginatedResponse(nil, PaginationParams{Page: 1, Limit: 10}, 25).Pagination
	assert.Equal(t, 3, meta.TotalPages)
	assert.True(t, meta.HasMore)
}
