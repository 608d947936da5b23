package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelinks/realtime/internal/auth"
	"github.com/thelinks/realtime/internal/event"
	"github.com/thelinks/realtime/internal/eventlog"
	"github.com/thelinks/realtime/internal/ratelimit"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }
func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 1500 * time.Millisecond
}

func newTestHandler(t *testing.T, limiter RateLimiter) (http.Handler, *auth.Verifier, eventlog.Log) {
	t.Helper()
	v := auth.NewVerifier("secret")
	l := eventlog.NewMemoryLog(32)
	h := NewHandler(New(l, nil), limiter, 30*time.Second)
	return v.Middleware(h), v, l
}

func get(t *testing.T, h http.Handler, v *auth.Verifier, identity, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/updates"+query, nil)
	if identity != "" {
		token, err := v.Sign(identity, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ReturnsUpdates(t *testing.T) {
	h, v, l := newTestHandler(t, nil)
	ev, err := event.New(event.TypeNewLike, event.ToUser("A"), map[string]string{"content": "nice"})
	require.NoError(t, err)
	require.NoError(t, l.Append(context.Background(), ev))

	rec := get(t, h, v, "A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var updates []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, "new_like", updates[0]["type"])
	assert.Equal(t, "nice", updates[0]["data"].(map[string]interface{})["content"])
}

func TestHandler_EmptyIsArray(t *testing.T) {
	h, v, _ := newTestHandler(t, nil)
	rec := get(t, h, v, "A", "?since=0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_Errors(t *testing.T) {
	h, v, _ := newTestHandler(t, nil)

	assert.Equal(t, http.StatusUnauthorized, get(t, h, v, "", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, v, "A", "?since=later").Code)

	limited, lv, _ := newTestHandler(t, denyLimiter{})
	rec := get(t, limited, lv, "A", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestHandler_RequiresIdentity(t *testing.T) {
	h := NewHandler(New(eventlog.NewMemoryLog(4), nil), nil, time.Second)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/updates", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_QueryFailure(t *testing.T) {
	v := auth.NewVerifier("secret")
	h := v.Middleware(NewHandler(New(eventlog.NewMemoryLog(4), failingSubs{}), nil, time.Second))

	rec := get(t, h, v, "A", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to fetch updates"}`, rec.Body.String())
}
