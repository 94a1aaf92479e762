package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/httpserver"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/adapter/repo/redisrepo"
	"github.com/fairyhunter13/comfy-queue/internal/config"
	"github.com/fairyhunter13/comfy-queue/internal/service/ratelimiter"
	"github.com/fairyhunter13/comfy-queue/internal/usecase"
)

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type okStore struct{ err error }

func (s okStore) Check(context.Context) error { return s.err }

type okBackend struct{ healthy bool }

func (b okBackend) Health(context.Context) bool { return b.healthy }

func testConfig() config.Config {
	return config.Config{
		AppEnv:            "test",
		KeyPrefix:         "cq",
		RateLimitEnabled:  true,
		RateLimitWindow:   time.Minute,
		IPRateLimitPerMin: 120,
		CORSAllowOrigins:  "*",
	}
}

func newTestRouter(t *testing.T, checker *Checker) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	jobs := redisrepo.NewJobRepo(kv, "cq")
	queue := rediskv.NewWorkQueue(kv, "cq", "generate")
	broker := rediskv.NewBroker(kv, "cq")
	keys := redisrepo.NewAPIKeyRepo(kv, "cq")
	cfg := testConfig()
	limiter := ratelimiter.New(kv, "cq", cfg.RateLimitWindow, cfg.RateLimitEnabled)
	srv := httpserver.NewServer(cfg,
		usecase.NewSubmitService(jobs, queue, broker, limiter),
		usecase.NewQueryService(jobs),
		usecase.NewCancelService(jobs, queue, broker),
		broker,
	)
	return BuildRouter(cfg, srv, limiter, keys, checker)
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , , "))
}

func TestRouter_SubmitThroughFullChain(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, nil)

	body := `{"prompt":"a red fox"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "queued", out["status"])
}

func TestRouter_ListAndGetRoutes(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/j_missing00000", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReadyz_OK(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &Checker{KV: okPinger{}, Store: okStore{}, Backend: okBackend{healthy: true}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz_KVDown(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &Checker{KV: okPinger{err: fmt.Errorf("refused")}, Store: okStore{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz_IgnoresBackendOutage(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &Checker{KV: okPinger{}, Store: okStore{}, Backend: okBackend{healthy: false}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_DegradedOnBackendOutage(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &Checker{KV: okPinger{}, Store: okStore{}, Backend: okBackend{healthy: false}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var out healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "ok", out.Checks["redis"].Status)
	assert.Equal(t, "down", out.Checks["comfyui"].Status)
}

func TestHealth_AllUp(t *testing.T) {
	t.Parallel()
	h := newTestRouter(t, &Checker{KV: okPinger{}, Store: okStore{}, Backend: okBackend{healthy: true}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Status)
}
