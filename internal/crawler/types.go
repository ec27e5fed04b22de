package crawler

import (
	"net/http"
	"time"
)

// DefaultMaxDepth bounds link-following when a job does not specify a depth.
const DefaultMaxDepth = 10

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusStopped   JobStatus = "stopped"
)

// CrawlJob is one logical crawl of one site.
type CrawlJob struct {
	ID          string     `json:"id"`
	SeedURL     string     `json:"seed_url"`
	Domain      string     `json:"domain,omitempty"`
	MaxDepth    int        `json:"max_depth"`
	WorkerCount int        `json:"worker_count"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// FrontierEntry is one pending fetch request. Entries are never mutated after
// creation, only consumed.
type FrontierEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	JobID string `json:"job_id"`
}

// Page is the unit handed to the downstream pipeline.
type Page struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Title       *string   `json:"title"`
	Links       []string  `json:"links"`
	HTML        []byte    `json:"-"`
	Depth       int       `json:"depth"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// JobStats is a point-in-time view of a job's shared state.
type JobStats struct {
	Job      CrawlJob `json:"job"`
	Frontier int64    `json:"frontier"`
	InFlight int64    `json:"in_flight"`
	Seen     int64    `json:"seen"`
	Emitted  int64    `json:"emitted"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. URL is the
// final URL after redirects.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
