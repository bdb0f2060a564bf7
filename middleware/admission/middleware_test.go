package admission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"stream-gateway/middleware/admission/domain"
	"stream-gateway/middleware/admission/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStats struct {
	mu     sync.Mutex
	events []domain.StatsEvent
	err    error
}

func (s *recordingStats) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func newController(t *testing.T, limits domain.Limits) *infra.Controller {
	t.Helper()
	c, err := infra.NewController(limits, infra.WithSweepEvery(0))
	require.NoError(t, err)
	return c
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	ctrl := newController(t, domain.Limits{QPS: 0.02, Burst: 1, Connections: 1})

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	h := Middleware(Options{Admitter: ctrl})(next)

	// 1) primeira passa
	r1 := httptest.NewRequest(http.MethodGet, "http://example/api/items", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	require.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, "1", w1.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w1.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(w1.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Zero(t, reset%3600, "reset deve cair na hora cheia")

	// 2) segunda deve bloquear (burst=1 e qps bem baixo)
	r2 := httptest.NewRequest(http.MethodGet, "http://example/api/items", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
	// 1 token a 0.02/s = 50s
	assert.Equal(t, "50", w2.Header().Get("Retry-After"))

	var body struct {
		Status            int    `json:"status"`
		Reason            string `json:"reason"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
	}
	require.NoError(t, json.NewDecoder(w2.Body).Decode(&body))
	assert.Equal(t, http.StatusTooManyRequests, body.Status)
	assert.Equal(t, "rate_limit_exceeded", body.Reason)
	assert.Equal(t, int64(50), body.RetryAfterSeconds)

	assert.Equal(t, 1, calls)
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	ctrl := newController(t, domain.Limits{QPS: 0.02, Burst: 1, Connections: 1})

	var seen []domain.Tenant
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := TenantFromContext(r.Context())
		assert.True(t, ok, "tenant missing from context")
		seen = append(seen, tenant)
		w.WriteHeader(http.StatusOK)
	})

	h := Middleware(Options{Admitter: ctrl, KeyHeader: "X-Tenant-ID"})(next)

	// duas chaves diferentes => ambos devem passar (cada tenant tem seu próprio bucket)
	for _, tenant := range []string{"a", "b"} {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		r.Header.Set("X-Tenant-ID", tenant)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code, "tenant %s", tenant)
	}

	assert.Equal(t, []domain.Tenant{"a", "b"}, seen)
}

func TestMiddleware_RecordsStatsBestEffort(t *testing.T) {
	ctrl := newController(t, domain.Limits{QPS: 0.02, Burst: 1, Connections: 1})
	stats := &recordingStats{err: errors.New("redis down")}

	h := Middleware(Options{Admitter: ctrl, Stats: stats})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests} {
		r := httptest.NewRequest(http.MethodPost, "http://example/api/orders", nil)
		r.RemoteAddr = "10.0.0.2:1"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, want, w.Code, "request %d", i)
	}

	require.Len(t, stats.events, 2)
	assert.True(t, stats.events[0].Allowed)
	assert.False(t, stats.events[1].Allowed)
	assert.Equal(t, http.MethodPost, stats.events[1].Method)
	assert.Equal(t, "/api/orders", stats.events[1].Path)
}

func TestMiddleware_CostAboveBurstUsesFallbackRetry(t *testing.T) {
	ctrl, err := infra.NewController(domain.Limits{QPS: 1, Burst: 2, Connections: 1},
		infra.WithConnectionRetryAfter(60*time.Second))
	require.NoError(t, err)
	h := Middleware(Options{Admitter: ctrl, Cost: 5})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}

func TestMiddleware_NilAdmitterPassesThrough(t *testing.T) {
	h := Middleware(Options{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestWriteRejection_ConnectionLimit(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRejection(w, domain.Decision{Kind: domain.KindConnection, Limit: 5, RetryAfter: 60 * time.Second}, http.StatusTooManyRequests)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "connection", w.Header().Get("X-RateLimit-Limit-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "connection_limit_exceeded", body["reason"])
}
