package crawler

import "errors"

var (
	// ErrStoreUnavailable wraps failures of the shared frontier/dedup store.
	// Workers stop when they see it.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	// ErrFetchStatus marks a response outside the 2xx range.
	ErrFetchStatus = errors.New("non-2xx response")
	// ErrNotHTML marks a response whose content type or URL is not crawlable HTML.
	ErrNotHTML = errors.New("response is not html")
	// ErrRobotsDisallowed marks a URL excluded by robots.txt.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrEmitterClosed is returned by Emit after Close.
	ErrEmitterClosed = errors.New("emitter closed")
	// ErrEmitterFull is returned by Emit when no buffer slot frees up in time.
	ErrEmitterFull = errors.New("emitter buffer full")
	// ErrJobNotFound marks a job with no state in the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidSeed marks a seed URL that cannot start a crawl.
	ErrInvalidSeed = errors.New("invalid seed url")
)
