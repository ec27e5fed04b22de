package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/frontier/memory"
	"github.com/JakeFAU/campus-crawler/internal/policy/urlpolicy"
)

// site serves canned responses keyed by URL.
type site struct {
	mu        sync.Mutex
	pages     map[string]crawler.FetchResponse
	requests  []crawler.FetchRequest
	block     chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func newSite() *site {
	return &site{pages: map[string]crawler.FetchResponse{}}
}

func (s *site) html(rawURL, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[rawURL] = crawler.FetchResponse{
		URL:         rawURL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
	}
}

func (s *site) set(rawURL string, resp crawler.FetchResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[rawURL] = resp
}

func (s *site) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if s.block != nil {
		s.enterOnce.Do(func() { close(s.entered) })
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	resp, ok := s.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, fmt.Errorf("dial %s: connection refused", req.URL)
	}
	return resp, nil
}

func (s *site) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.URL)
	}
	return out
}

func (s *site) depths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Depth)
	}
	return out
}

func links(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>t</title></head><body>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">x</a>`, h)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type recordingEmitter struct {
	mu    sync.Mutex
	pages []crawler.Page
	err   error
}

func (r *recordingEmitter) Emit(_ context.Context, page crawler.Page) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, page)
	return nil
}

func (r *recordingEmitter) urls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, p.URL)
	}
	return out
}

type denyRobots struct{ prefix string }

func (d denyRobots) Allowed(_ context.Context, rawURL string) bool {
	return !strings.HasPrefix(rawURL, d.prefix)
}

// brokenStore fails Admit the way an unreachable Redis would.
type brokenStore struct {
	*memory.Store
}

func (b brokenStore) Admit(context.Context, string, string, crawler.FrontierEntry) (bool, error) {
	return false, fmt.Errorf("admit: %w: %w", crawler.ErrStoreUnavailable, errors.New("connection refused"))
}

func seedJob(t *testing.T, store crawler.Store, seed string) string {
	t.Helper()
	jobID, err := urlpolicy.JobIDFromSeed(seed)
	require.NoError(t, err)
	canonical, err := urlpolicy.Canonicalize(seed)
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background(), jobID, canonical, crawler.FrontierEntry{
		URL:   canonical,
		Depth: 0,
		JobID: jobID,
	}))
	return jobID
}

func testConfig(jobID, id string, maxDepth int) Config {
	return Config{
		ID:           id,
		JobID:        jobID,
		MaxDepth:     maxDepth,
		PollInterval: 2 * time.Millisecond,
		IdleTimeout:  40 * time.Millisecond,
		StallTimeout: 500 * time.Millisecond,
		FetchTimeout: time.Second,
	}
}
