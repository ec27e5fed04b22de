// Package memory contains an in-memory PageSink for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Sink stores delivered pages for inspection.
type Sink struct {
	mu    sync.RWMutex
	pages []crawler.Page
}

// New returns a memory Sink.
func New() *Sink {
	return &Sink{}
}

// Deliver records the page.
func (s *Sink) Deliver(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
	return nil
}

// Pages returns the recorded pages in delivery order.
func (s *Sink) Pages() []crawler.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Page, len(s.pages))
	copy(out, s.pages)
	return out
}

// URLs returns the URLs of the recorded pages.
func (s *Sink) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p.URL)
	}
	return out
}
