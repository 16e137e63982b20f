package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	pingErr   error
	counts    map[string]int64
	countsErr error
}

func (s *stubStore) Ping(context.Context) error { return s.pingErr }
func (s *stubStore) JobStatusCounts(context.Context) (map[string]int64, error) {
	return s.counts, s.countsErr
}

type stubCache struct {
	pingErr error
}

func (c *stubCache) Ping(context.Context) error { return c.pingErr }

func doRequest(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthz_AllHealthy(t *testing.T) {
	h := NewRouter(&stubStore{}, &stubCache{})

	rec, body := doRequest(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthz_DatabaseDown(t *testing.T) {
	h := NewRouter(&stubStore{pingErr: errors.New("dial tcp: refused")}, &stubCache{})

	rec, body := doRequest(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	services := body["services"].(map[string]any)
	assert.Equal(t, "degraded", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthz_CacheDown(t *testing.T) {
	h := NewRouter(&stubStore{}, &stubCache{pingErr: errors.New("redis down")})

	rec, body := doRequest(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	services := body["services"].(map[string]any)
	assert.Equal(t, "degraded", services["cache"])
}

func TestStats(t *testing.T) {
	h := NewRouter(&stubStore{counts: map[string]int64{"queued": 3, "completed": 7}}, &stubCache{})

	rec, body := doRequest(t, h, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	jobs := body["jobs"].(map[string]any)
	assert.Equal(t, float64(3), jobs["queued"])
	assert.Equal(t, float64(7), jobs["completed"])
}

func TestStats_StoreError(t *testing.T) {
	h := NewRouter(&stubStore{countsErr: errors.New("conn closed")}, &stubCache{})

	rec, body := doRequest(t, h, "/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "stats unavailable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(&stubStore{}, &stubCache{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
