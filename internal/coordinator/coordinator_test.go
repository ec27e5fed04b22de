package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/emitter"
	"github.com/JakeFAU/campus-crawler/internal/frontier/memory"
	"github.com/JakeFAU/campus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/campus-crawler/internal/id/uuid"
	memsink "github.com/JakeFAU/campus-crawler/internal/sink/memory"
	"github.com/JakeFAU/campus-crawler/internal/worker"
)

type campus struct {
	mu      sync.Mutex
	pages   map[string]string
	fetches []string
}

func (c *campus) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches = append(c.fetches, req.URL)
	body, ok := c.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound, ContentType: "text/html"}, nil
	}
	return crawler.FetchResponse{
		URL:         req.URL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        []byte(body),
	}, nil
}

func (c *campus) fetched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fetches...)
}

func anchors(hrefs ...string) string {
	var b strings.Builder
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">x</a>`, h)
	}
	return "<html><title>t</title><body>" + b.String() + "</body></html>"
}

func newCampus() *campus {
	return &campus{pages: map[string]string{
		"https://example.edu/":            anchors("/about", "/news", "https://other.org/"),
		"https://example.edu/about":       anchors("/", "/news", "/about/staff"),
		"https://example.edu/news":        anchors("/about"),
		"https://example.edu/about/staff": anchors(),
	}}
}

type harness struct {
	store *memory.Store
	site  *campus
	sink  *memsink.Sink
	emit  *emitter.Emitter
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.NewStore(), site: newCampus(), sink: memsink.New()}
	h.emit = emitter.New(emitter.Config{}, h.sink, h.store, zap.NewNop())
	coord, err := New(Deps{
		Store:   h.store,
		Fetcher: h.site,
		Emitter: h.emit,
		Hasher:  sha256.New(),
		IDs:     uuid.New(),
	}, worker.Config{
		PollInterval: 2 * time.Millisecond,
		IdleTimeout:  30 * time.Millisecond,
		StallTimeout: 500 * time.Millisecond,
		FetchTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.emit.Close(context.Background()))
}

func TestStartJobCrawlsSiteToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	run, err := h.coord.StartJob(context.Background(), JobParams{
		SeedURL:     "https://Example.edu",
		WorkerCount: 3,
		MaxDepth:    2,
		FreshStart:  true,
	})
	require.NoError(t, err)
	require.Equal(t, "example.edu", run.JobID)
	require.Len(t, run.WorkerIDs, 3)
	for i, id := range run.WorkerIDs {
		require.True(t, strings.HasPrefix(id, fmt.Sprintf("example.edu-w%d-", i+1)), id)
	}

	summary, err := run.Wait()
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, crawler.JobStatusCompleted, summary.Status)
	require.Len(t, summary.Workers, 3)
	require.EqualValues(t, 0, summary.Stats.Frontier)
	require.EqualValues(t, 4, summary.Stats.Seen)
	require.Equal(t, "example.edu", summary.Stats.Job.Domain)

	require.ElementsMatch(t, []string{
		"https://example.edu/",
		"https://example.edu/about",
		"https://example.edu/news",
		"https://example.edu/about/staff",
	}, h.site.fetched())

	status, err := h.coord.Status(context.Background(), "example.edu")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, status.Job.Status)
	require.NotNil(t, status.Job.FinishedAt)
	require.EqualValues(t, 4, status.Emitted)
}

func TestFreshStartClearsPriorState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	jobID := "example.edu"
	require.NoError(t, h.store.Push(ctx, jobID, crawler.FrontierEntry{URL: "https://example.edu/stale", Depth: 1, JobID: jobID}))
	_, err := h.store.TryMark(ctx, jobID, "https://example.edu/")
	require.NoError(t, err)
	_, err = h.store.TryMark(ctx, jobID, "https://example.edu/news")
	require.NoError(t, err)
	_, err = h.store.LockDomain(ctx, jobID, "stale.example")
	require.NoError(t, err)

	run, err := h.coord.StartJob(ctx, JobParams{SeedURL: "https://example.edu/", MaxDepth: 3, FreshStart: true})
	require.NoError(t, err)
	summary, err := run.Wait()
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, crawler.JobStatusCompleted, summary.Status)
	require.NotContains(t, h.site.fetched(), "https://example.edu/stale")
	require.Contains(t, h.site.fetched(), "https://example.edu/news")
	require.Equal(t, "example.edu", summary.Stats.Job.Domain)
}

func TestResumeDoesNotDuplicateMarkedSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	jobID := "example.edu"
	_, err := h.store.TryMark(ctx, jobID, "https://example.edu/")
	require.NoError(t, err)
	_, err = h.store.TryMark(ctx, jobID, "https://example.edu/news")
	require.NoError(t, err)
	require.NoError(t, h.store.Push(ctx, jobID, crawler.FrontierEntry{URL: "https://example.edu/news", Depth: 1, JobID: jobID}))

	run, err := h.coord.StartJob(ctx, JobParams{SeedURL: "https://example.edu/", MaxDepth: 3})
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)
	h.drain(t)

	// Only the resumed entry and what it links to are crawled; the seed is
	// never re-pushed.
	require.NotContains(t, h.site.fetched(), "https://example.edu/")
	require.Equal(t, "https://example.edu/news", h.site.fetched()[0])
	require.Contains(t, h.site.fetched(), "https://example.edu/about/staff")
}

func TestResumeSeedsFreshJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	run, err := h.coord.StartJob(context.Background(), JobParams{SeedURL: "example.edu", MaxDepth: 1})
	require.NoError(t, err)
	summary, err := run.Wait()
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, "https://example.edu", summary.Stats.Job.SeedURL)
	require.Equal(t, "https://example.edu/", h.site.fetched()[0])
	require.NotContains(t, h.site.fetched(), "https://example.edu/about/staff")
}

func TestJoinAttachesToExistingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coord.Join(ctx, "example.edu", 2)
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	require.NoError(t, h.store.SaveJob(ctx, crawler.CrawlJob{
		ID: "example.edu", SeedURL: "https://example.edu/", MaxDepth: 1, WorkerCount: 1,
		Status: crawler.JobStatusRunning, StartedAt: time.Now(),
	}))
	_, err = h.store.Admit(ctx, "example.edu", "https://example.edu/about",
		crawler.FrontierEntry{URL: "https://example.edu/about", Depth: 1, JobID: "example.edu"})
	require.NoError(t, err)

	run, err := h.coord.Join(ctx, "example.edu", 2)
	require.NoError(t, err)
	require.Len(t, run.WorkerIDs, 2)
	summary, err := run.Wait()
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, []string{"https://example.edu/about"}, h.site.fetched())
	require.Equal(t, crawler.JobStatusCompleted, summary.Status)
}

func TestCancelStopsJobAndLeavesItResumable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.coord.StartJob(ctx, JobParams{SeedURL: "https://example.edu/", FreshStart: true})
	require.NoError(t, err)
	summary, err := run.Wait()
	require.NoError(t, err)
	h.drain(t)

	require.Equal(t, crawler.JobStatusStopped, summary.Status)
	require.EqualValues(t, 1, summary.Stats.Frontier)
	require.Empty(t, h.site.fetched())
}

func TestClearJobAndStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	_, err := h.coord.Status(ctx, "example.edu")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	_, err = h.store.Admit(ctx, "example.edu", "https://example.edu/",
		crawler.FrontierEntry{URL: "https://example.edu/", JobID: "example.edu"})
	require.NoError(t, err)
	stats, err := h.coord.Status(ctx, "example.edu")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Frontier)
	require.EqualValues(t, 1, stats.Seen)

	require.NoError(t, h.coord.ClearJob(ctx, "example.edu"))
	_, err = h.coord.Status(ctx, "example.edu")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

// clearingFetcher clears the job on the first fetch, the way a DELETE from
// another process would land while this process holds an entry.
type clearingFetcher struct {
	*campus
	store *memory.Store
	once  sync.Once
}

func (f *clearingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.once.Do(func() { _ = f.store.Clear(ctx, req.JobID) })
	return f.campus.Fetch(ctx, req)
}

func TestFinishDoesNotRecreateClearedJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	sink := memsink.New()
	em := emitter.New(emitter.Config{}, sink, store, zap.NewNop())
	coord, err := New(Deps{
		Store:   store,
		Fetcher: &clearingFetcher{campus: newCampus(), store: store},
		Emitter: em,
		IDs:     uuid.New(),
	}, worker.Config{
		PollInterval: 2 * time.Millisecond,
		IdleTimeout:  30 * time.Millisecond,
		StallTimeout: 500 * time.Millisecond,
		FetchTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	run, err := coord.StartJob(ctx, JobParams{SeedURL: "https://example.edu/", FreshStart: true})
	require.NoError(t, err)
	summary, err := run.Wait()
	require.NoError(t, err)
	require.NoError(t, em.Close(ctx))

	require.Equal(t, crawler.JobStatusStopped, summary.Status)
	_, ok, err := store.GetJob(ctx, "example.edu")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStartJobRejectsBadSeed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, seed := range []string{"", "ftp://example.edu/", "mailto:dean@example.edu"} {
		_, err := h.coord.StartJob(context.Background(), JobParams{SeedURL: seed})
		require.ErrorIs(t, err, crawler.ErrInvalidSeed, seed)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, worker.Config{}, nil)
	require.Error(t, err)
}
