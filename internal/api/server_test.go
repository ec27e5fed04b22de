package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/coordinator"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/emitter"
	"github.com/JakeFAU/campus-crawler/internal/frontier/memory"
	"github.com/JakeFAU/campus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/campus-crawler/internal/id/uuid"
	memsink "github.com/JakeFAU/campus-crawler/internal/sink/memory"
	"github.com/JakeFAU/campus-crawler/internal/worker"
)

// gatedSite serves a two-page site. Fetches block while the gate is closed.
type gatedSite struct {
	gate chan struct{}
	once sync.Once
}

func newGatedSite(open bool) *gatedSite {
	s := &gatedSite{gate: make(chan struct{})}
	if open {
		s.open()
	}
	return s
}

func (s *gatedSite) open() { s.once.Do(func() { close(s.gate) }) }

func (s *gatedSite) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}
	body := `<html><title>home</title><a href="/about">about</a></html>`
	if req.URL != "https://example.edu/" {
		body = `<html><title>about</title></html>`
	}
	return crawler.FetchResponse{
		URL:         req.URL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
	}, nil
}

type testEnv struct {
	server *Server
	store  *memory.Store
	sink   *memsink.Sink
	emit   *emitter.Emitter
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, site crawler.Fetcher, apiKey string) *testEnv {
	t.Helper()
	store := memory.NewStore()
	sink := memsink.New()
	emit := emitter.New(emitter.Config{}, sink, store, zap.NewNop())
	coord, err := coordinator.New(coordinator.Deps{
		Store:   store,
		Fetcher: site,
		Emitter: emit,
		Hasher:  sha256.New(),
		IDs:     uuid.New(),
	}, worker.Config{
		PollInterval: 2 * time.Millisecond,
		IdleTimeout:  30 * time.Millisecond,
		StallTimeout: time.Second,
		FetchTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, coord, Options{
		APIKey:   apiKey,
		Defaults: coordinator.JobParams{WorkerCount: 2, MaxDepth: 3, FreshStart: true},
	}, zap.NewNop())
	env := &testEnv{server: srv, store: store, sink: sink, emit: emit, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")
	rec := env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"seed_url": "https://example.edu/"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp runResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "example.edu", resp.JobID)
	require.Len(t, resp.WorkerIDs, 2)

	env.server.Wait()
	require.NoError(t, env.emit.Close(context.Background()))
	require.ElementsMatch(t, []string{"https://example.edu/", "https://example.edu/about"}, env.sink.URLs())

	rec = env.do(t, http.MethodGet, "/v1/jobs/example.edu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.JobStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, crawler.JobStatusCompleted, stats.Job.Status)
	require.EqualValues(t, 2, stats.Seen)
	require.EqualValues(t, 2, stats.Emitted)
}

func TestStartJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"seed_url": "ftp://example.edu/"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")
	rec := env.do(t, http.MethodGet, "/v1/jobs/nowhere.edu", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinUnknownJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "")
	rec := env.do(t, http.MethodPost, "/v1/jobs/nowhere.edu/workers", map[string]any{"worker_count": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearJobStopsLocalWorkers(t *testing.T) {
	t.Parallel()

	site := newGatedSite(false)
	env := newTestEnv(t, site, "")
	rec := env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"seed_url": "https://example.edu/", "worker_count": 1})
	require.Equal(t, http.StatusAccepted, rec.Code)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec = env.do(t, http.MethodDelete, "/v1/jobs/example.edu", nil)
	}()
	// The in-progress fetch finishes after cancellation; let it through.
	time.Sleep(20 * time.Millisecond)
	site.open()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("clear did not return")
	}
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/example.edu", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newGatedSite(true), "secret")

	rec := env.do(t, http.MethodGet, "/v1/jobs/example.edu", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/example.edu", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/example.edu?api_key=secret", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, statusFor(crawler.ErrInvalidSeed))
	require.Equal(t, http.StatusNotFound, statusFor(crawler.ErrJobNotFound))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(crawler.ErrStoreUnavailable))
	require.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
