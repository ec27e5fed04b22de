// Package storetest is a conformance suite run against every crawler.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) crawler.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("FIFOOrder", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("ConcurrentTryMark", func(t *testing.T) { testConcurrentTryMark(t, newStore(t)) })
	t.Run("ConcurrentPop", func(t *testing.T) { testConcurrentPop(t, newStore(t)) })
	t.Run("AdmitOnce", func(t *testing.T) { testAdmit(t, newStore(t)) })
	t.Run("InFlight", func(t *testing.T) { testInFlight(t, newStore(t)) })
	t.Run("DomainLock", func(t *testing.T) { testDomainLock(t, newStore(t)) })
	t.Run("ResetAndClear", func(t *testing.T) { testResetAndClear(t, newStore(t)) })
	t.Run("JobMetadata", func(t *testing.T) { testJobMetadata(t, newStore(t)) })
	t.Run("FinishClearedJob", func(t *testing.T) { testFinishClearedJob(t, newStore(t)) })
	t.Run("JobsIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
}

func entry(jobID string, n, depth int) crawler.FrontierEntry {
	return crawler.FrontierEntry{JobID: jobID, URL: fmt.Sprintf("https://example.edu/p/%d", n), Depth: depth}
}

func testFIFO(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	_, ok, err := s.Pop(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(ctx, "job", entry("job", i, 1)))
	}
	size, err := s.Size(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 3, size)

	for i := 0; i < 3; i++ {
		got, ok, err := s.Pop(ctx, "job")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entry("job", i, 1), got)
	}
	_, ok, err = s.Pop(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)
}

func testConcurrentTryMark(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	const callers = 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		first error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryMark(ctx, "job", "https://example.edu/news")
			mu.Lock()
			defer mu.Unlock()
			if err != nil && first == nil {
				first = err
			}
			if ok {
				wins++
			}
		}()
	}
	wg.Wait()
	require.NoError(t, first)
	require.Equal(t, 1, wins)

	seen, err := s.Seen(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 1, seen)
}

func testConcurrentPop(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, s.Push(ctx, "job", entry("job", i, 0)))
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  = make(map[string]int)
		errs []error
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok, err := s.Pop(ctx, "job")
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if ok {
					got[e.URL]++
				}
				mu.Unlock()
				if err != nil || !ok {
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, got, total)
	for u, n := range got {
		require.Equal(t, 1, n, u)
	}
}

func testAdmit(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	e := entry("job", 1, 2)
	ok, err := s.Admit(ctx, "job", e.URL, e)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Admit(ctx, "job", e.URL, e)
	require.NoError(t, err)
	require.False(t, ok)

	marked, err := s.TryMark(ctx, "job", e.URL)
	require.NoError(t, err)
	require.False(t, marked)

	size, err := s.Size(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func testInFlight(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "job", entry("job", 1, 0)))
	require.NoError(t, s.Push(ctx, "job", entry("job", 2, 0)))

	_, _, err := s.Pop(ctx, "job")
	require.NoError(t, err)
	_, _, err = s.Pop(ctx, "job")
	require.NoError(t, err)
	n, err := s.InFlight(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, s.Release(ctx, "job"))
	require.NoError(t, s.Release(ctx, "job"))
	require.NoError(t, s.Release(ctx, "job"))
	n, err = s.InFlight(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	_, ok, err := s.Pop(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)
	n, err = s.InFlight(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func testDomainLock(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	_, ok, err := s.Domain(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)

	const callers = 32
	winners := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.LockDomain(ctx, "job", fmt.Sprintf("host%d.edu", i))
			if err == nil {
				winners[i] = got
			}
		}(i)
	}
	wg.Wait()
	for _, w := range winners {
		require.Equal(t, winners[0], w)
	}

	got, err := s.LockDomain(ctx, "job", "late.edu")
	require.NoError(t, err)
	require.Equal(t, winners[0], got)

	domain, ok, err := s.Domain(ctx, "job")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, winners[0], domain)
}

func testResetAndClear(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := entry("job", i, 1)
		_, err := s.Admit(ctx, "job", e.URL, e)
		require.NoError(t, err)
	}
	_, err := s.LockDomain(ctx, "job", "example.edu")
	require.NoError(t, err)
	require.NoError(t, s.MarkEmitted(ctx, "job", "https://example.edu/p/0"))
	_, _, err = s.Pop(ctx, "job")
	require.NoError(t, err)

	seed := crawler.FrontierEntry{JobID: "job", URL: "https://www.example.edu/", Depth: 0}
	require.NoError(t, s.Reset(ctx, "job", seed.URL, seed))

	size, err := s.Size(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
	seen, err := s.Seen(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 1, seen)
	inFlight, err := s.InFlight(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 0, inFlight)
	emitted, err := s.Emitted(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 0, emitted)
	_, ok, err := s.Domain(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)

	marked, err := s.TryMark(ctx, "job", seed.URL)
	require.NoError(t, err)
	require.False(t, marked)

	got, ok, err := s.Pop(ctx, "job")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, seed, got)

	require.NoError(t, s.Clear(ctx, "job"))
	size, err = s.Size(ctx, "job")
	require.NoError(t, err)
	require.Zero(t, size)
	seen, err = s.Seen(ctx, "job")
	require.NoError(t, err)
	require.Zero(t, seen)
	inFlight, err = s.InFlight(ctx, "job")
	require.NoError(t, err)
	require.Zero(t, inFlight)
}

func testJobMetadata(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	_, ok, err := s.GetJob(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)

	started := time.Unix(1700000000, 0).UTC()
	job := crawler.CrawlJob{
		ID:          "job",
		SeedURL:     "https://www.example.edu/",
		MaxDepth:    3,
		WorkerCount: 4,
		Status:      crawler.JobStatusRunning,
		StartedAt:   started,
	}
	require.NoError(t, s.SaveJob(ctx, job))
	_, err = s.LockDomain(ctx, "job", "example.edu")
	require.NoError(t, err)

	got, ok, err := s.GetJob(ctx, "job")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "example.edu", got.Domain)
	require.Equal(t, 3, got.MaxDepth)
	require.Equal(t, 4, got.WorkerCount)
	require.True(t, started.Equal(got.StartedAt))
	require.Nil(t, got.FinishedAt)

	finished := started.Add(time.Minute)
	require.NoError(t, s.FinishJob(ctx, "job", crawler.JobStatusCompleted, finished))
	got, _, err = s.GetJob(ctx, "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.True(t, finished.Equal(*got.FinishedAt))

	require.NoError(t, s.MarkEmitted(ctx, "job", "https://example.edu/a"))
	require.NoError(t, s.MarkEmitted(ctx, "job", "https://example.edu/a"))
	require.NoError(t, s.MarkEmitted(ctx, "job", "https://example.edu/b"))
	emitted, err := s.Emitted(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 2, emitted)
}

func testFinishClearedJob(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, crawler.CrawlJob{ID: "job", Status: crawler.JobStatusRunning}))
	require.NoError(t, s.Clear(ctx, "job"))

	// A worker elsewhere finished its last entry after the clear.
	_, err := s.Admit(ctx, "job", "https://example.edu/late", crawler.FrontierEntry{URL: "https://example.edu/late", JobID: "job"})
	require.NoError(t, err)

	err = s.FinishJob(ctx, "job", crawler.JobStatusStopped, time.Now())
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	_, ok, err := s.GetJob(ctx, "job")
	require.NoError(t, err)
	require.False(t, ok)
}

func testIsolation(t *testing.T, s crawler.Store) {
	ctx := context.Background()
	ok, err := s.TryMark(ctx, "a.edu", "https://a.edu/")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TryMark(ctx, "b.edu", "https://a.edu/")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Push(ctx, "a.edu", entry("a.edu", 1, 0)))
	size, err := s.Size(ctx, "b.edu")
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, s.Clear(ctx, "b.edu"))
	size, err = s.Size(ctx, "a.edu")
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}
