// Package memory provides an in-process crawl store for single-process runs
// and tests. Every method takes one lock, so each operation is atomic with
// respect to the others.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

type jobState struct {
	queue    []crawler.FrontierEntry
	seen     map[string]struct{}
	emitted  map[string]struct{}
	inFlight int64
	domain   string
	job      *crawler.CrawlJob
}

// Store implements crawler.Store in memory.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*jobState
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*jobState)}
}

func (s *Store) state(jobID string) *jobState {
	st, ok := s.jobs[jobID]
	if !ok {
		st = &jobState{
			seen:    make(map[string]struct{}),
			emitted: make(map[string]struct{}),
		}
		s.jobs[jobID] = st
	}
	return st
}

// Push appends entry to the job's queue.
func (s *Store) Push(_ context.Context, jobID string, entry crawler.FrontierEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	st.queue = append(st.queue, entry)
	return nil
}

// Pop removes the head entry and counts it as in flight.
func (s *Store) Pop(_ context.Context, jobID string) (crawler.FrontierEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if len(st.queue) == 0 {
		return crawler.FrontierEntry{}, false, nil
	}
	entry := st.queue[0]
	st.queue[0] = crawler.FrontierEntry{}
	st.queue = st.queue[1:]
	st.inFlight++
	return entry, true, nil
}

// Release decrements the in-flight counter, never below zero.
func (s *Store) Release(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if st.inFlight > 0 {
		st.inFlight--
	}
	return nil
}

// Size returns the number of queued entries.
func (s *Store) Size(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.state(jobID).queue)), nil
}

// InFlight returns the number of popped but unreleased entries.
func (s *Store) InFlight(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(jobID).inFlight, nil
}

// TryMark records canonicalURL and reports whether it was new.
func (s *Store) TryMark(_ context.Context, jobID, canonicalURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark(jobID, canonicalURL), nil
}

func (s *Store) mark(jobID, canonicalURL string) bool {
	st := s.state(jobID)
	if _, ok := st.seen[canonicalURL]; ok {
		return false
	}
	st.seen[canonicalURL] = struct{}{}
	return true
}

// Admit marks canonicalURL and pushes entry if the URL was new.
func (s *Store) Admit(_ context.Context, jobID, canonicalURL string, entry crawler.FrontierEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mark(jobID, canonicalURL) {
		return false, nil
	}
	st := s.state(jobID)
	st.queue = append(st.queue, entry)
	return true, nil
}

// Seen returns the number of distinct canonical URLs marked for the job.
func (s *Store) Seen(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.state(jobID).seen)), nil
}

// LockDomain sets the domain on first call and returns the winning value.
func (s *Store) LockDomain(_ context.Context, jobID, domain string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if st.domain == "" {
		st.domain = domain
	}
	return st.domain, nil
}

// Domain returns the locked domain, if any.
func (s *Store) Domain(_ context.Context, jobID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	return st.domain, st.domain != "", nil
}

// SaveJob stores job metadata. The domain lock is owned by LockDomain.
func (s *Store) SaveJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(job.ID)
	stored := job
	stored.Domain = ""
	st.job = &stored
	return nil
}

// GetJob returns the job metadata merged with the current domain lock.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	if !ok || st.job == nil {
		return crawler.CrawlJob{}, false, nil
	}
	job := *st.job
	job.Domain = st.domain
	return job, true, nil
}

// FinishJob records a terminal status on an existing job.
func (s *Store) FinishJob(_ context.Context, jobID string, status crawler.JobStatus, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if st.job == nil {
		return fmt.Errorf("finish job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	ts := finishedAt
	st.job.Status = status
	st.job.FinishedAt = &ts
	return nil
}

// MarkEmitted records that url was delivered downstream.
func (s *Store) MarkEmitted(_ context.Context, jobID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(jobID).emitted[url] = struct{}{}
	return nil
}

// Emitted returns the number of distinct pages delivered downstream.
func (s *Store) Emitted(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.state(jobID).emitted)), nil
}

// Clear removes all state for the job.
func (s *Store) Clear(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// Reset clears the job and seeds it in one step.
func (s *Store) Reset(_ context.Context, jobID, canonicalSeed string, seed crawler.FrontierEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	s.mark(jobID, canonicalSeed)
	st := s.state(jobID)
	st.queue = append(st.queue, seed)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ crawler.Store = (*Store)(nil)
