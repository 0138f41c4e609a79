package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
	}{
		{"ok", func(w http.ResponseWriter) { OK(w, map[string]int{"n": 1}) }, http.StatusOK},
		{"created", func(w http.ResponseWriter) { Created(w, map[string]int{"n": 1}) }, http.StatusCreated},
		{"accepted", func(w http.ResponseWriter) { Accepted(w, map[string]int{"n": 1}) }, http.StatusAccepted},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "missing") }, http.StatusNotFound},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "sync_in_progress", "busy") }, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.True(t, json.Valid(rec.Body.Bytes()))
		})
	}
}

func TestUnprocessableEntity(t *testing.T) {
	rec := httptest.NewRecorder()
	UnprocessableEntity(rec, "invalid rules", []string{"a", "b"})

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Equal(t, []any{"a", "b"}, body.Details)
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"name":"x"}`, true},
		{"empty", ``, false},
		{"malformed", `{"name":`, false},
		{"unknown field", `{"nam":"x"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			assert.Equal(t, tt.ok, Decode(rec, req, &dst))
			if !tt.ok {
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			}
		})
	}
}
