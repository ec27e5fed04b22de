package crawler

import (
	"context"
	"time"
)

// Frontier is the shared FIFO of pending fetches, one logical queue per job.
type Frontier interface {
	// Push appends entry to the tail of the job's queue. Callers deduplicate first.
	Push(ctx context.Context, jobID string, entry FrontierEntry) error
	// Pop removes the head entry without blocking. ok is false when the queue is
	// empty. A successful pop counts the entry as in flight until Release.
	Pop(ctx context.Context, jobID string) (entry FrontierEntry, ok bool, err error)
	// Release marks one popped entry as fully processed.
	Release(ctx context.Context, jobID string) error
	Size(ctx context.Context, jobID string) (int64, error)
	InFlight(ctx context.Context, jobID string) (int64, error)
}

// DedupIndex records canonical URLs already enqueued for a job.
type DedupIndex interface {
	// TryMark returns true exactly once per (jobID, canonicalURL).
	TryMark(ctx context.Context, jobID, canonicalURL string) (bool, error)
	// Admit marks canonicalURL and, only if it was new, pushes entry, as one
	// atomic step.
	Admit(ctx context.Context, jobID, canonicalURL string, entry FrontierEntry) (bool, error)
	Seen(ctx context.Context, jobID string) (int64, error)
}

// JobState holds the per-job metadata, domain lock and emitted bookkeeping.
type JobState interface {
	// LockDomain sets the job's domain if unset and returns the winning value.
	LockDomain(ctx context.Context, jobID, domain string) (string, error)
	Domain(ctx context.Context, jobID string) (string, bool, error)
	SaveJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, bool, error)
	FinishJob(ctx context.Context, jobID string, status JobStatus, finishedAt time.Time) error
	MarkEmitted(ctx context.Context, jobID, url string) error
	Emitted(ctx context.Context, jobID string) (int64, error)
}

// Store is the coordination substrate shared by every worker of a job.
type Store interface {
	Frontier
	DedupIndex
	JobState
	// Clear atomically removes every key belonging to the job.
	Clear(ctx context.Context, jobID string) error
	// Reset atomically clears the job, marks canonicalSeed and pushes seed.
	Reset(ctx context.Context, jobID, canonicalSeed string, seed FrontierEntry) error
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy reports whether robots.txt allows fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// PageEmitter hands pages to the downstream pipeline without waiting for it.
type PageEmitter interface {
	Emit(ctx context.Context, page Page) error
}

// PageSink is the downstream collaborator that receives each page.
type PageSink interface {
	Deliver(ctx context.Context, page Page) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
