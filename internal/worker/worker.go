// Package worker implements the crawl loop that N cooperating workers run
// against one job's shared frontier.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/clock"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/extract"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
	"github.com/JakeFAU/campus-crawler/internal/policy/urlpolicy"
)

// Stop reasons reported in Stats.
const (
	StopIdle     = "idle"
	StopStalled  = "stalled"
	StopCanceled = "canceled"
	StopFailed   = "store_failed"
)

const (
	releaseTimeout = 5 * time.Second
	// frontierSampleEvery is how many entries pass between frontier size
	// samples, counted from the first.
	frontierSampleEvery = 10
)

// Config controls Worker behavior.
type Config struct {
	ID    string
	JobID string

	MaxDepth int
	// PollInterval is the sleep between polls of an empty frontier.
	PollInterval time.Duration
	// IdleTimeout is how long the frontier must stay empty with nothing in
	// flight before the worker stops.
	IdleTimeout time.Duration
	// StallTimeout bounds how long the worker waits on an empty frontier while
	// the in-flight count stays above zero. It covers counts leaked by
	// workers that died mid-entry.
	StallTimeout time.Duration
	FetchTimeout time.Duration
	Headers      map[string][]string
}

func (c *Config) setDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = crawler.DefaultMaxDepth
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.StallTimeout < c.IdleTimeout {
		c.StallTimeout = c.IdleTimeout + 2*c.FetchTimeout
	}
}

// Stats summarizes one worker's run.
type Stats struct {
	WorkerID   string `json:"worker_id"`
	Processed  int    `json:"processed"`
	Emitted    int    `json:"emitted"`
	Failed     int    `json:"failed"`
	Rejected   int    `json:"rejected"`
	Enqueued   int    `json:"enqueued"`
	StopReason string `json:"stop_reason"`
}

// Worker pops frontier entries for one job and processes them until the job
// runs dry, its context ends, or the shared store fails.
type Worker struct {
	store   crawler.Store
	fetcher crawler.Fetcher
	robots  crawler.RobotsPolicy
	limiter crawler.RateLimiter
	emitter crawler.PageEmitter
	hasher  crawler.Hasher
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	domain string
	stats  Stats
}

// New constructs a Worker. robots, limiter and hasher may be nil; a nil clock
// means the system clock.
func New(
	store crawler.Store,
	fetcher crawler.Fetcher,
	robots crawler.RobotsPolicy,
	limiter crawler.RateLimiter,
	emitter crawler.PageEmitter,
	hasher crawler.Hasher,
	clk crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:   store,
		fetcher: fetcher,
		robots:  robots,
		limiter: limiter,
		emitter: emitter,
		hasher:  hasher,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With(zap.String("job_id", cfg.JobID), zap.String("worker_id", cfg.ID)),
		stats:   Stats{WorkerID: cfg.ID},
	}
}

// Run blocks until the worker stops. A non-nil error means the shared store
// failed and the worker gave up; the job itself may continue on other workers.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.logger.Info("worker started", zap.Int("max_depth", w.cfg.MaxDepth))

	var emptySince, idleSince time.Time
	for {
		if ctx.Err() != nil {
			return w.stop(StopCanceled, nil)
		}
		entry, ok, err := w.store.Pop(ctx, w.cfg.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(StopCanceled, nil)
			}
			return w.stop(StopFailed, fmt.Errorf("pop frontier: %w", err))
		}
		if ok {
			emptySince, idleSince = time.Time{}, time.Time{}
			if err := w.handle(ctx, entry); err != nil {
				return w.stop(StopFailed, err)
			}
			if w.stats.Processed%frontierSampleEvery == 1 {
				w.sampleFrontier(ctx)
			}
			continue
		}

		now := w.clock.Now()
		if emptySince.IsZero() {
			emptySince = now
		}
		inFlight, err := w.store.InFlight(ctx, w.cfg.JobID)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(StopCanceled, nil)
			}
			return w.stop(StopFailed, fmt.Errorf("read in-flight count: %w", err))
		}
		metrics.SetFrontierSize(w.cfg.JobID, 0)
		if inFlight > 0 {
			idleSince = time.Time{}
		} else if idleSince.IsZero() {
			idleSince = now
		}
		switch {
		case !idleSince.IsZero() && now.Sub(idleSince) >= w.cfg.IdleTimeout:
			return w.stop(StopIdle, nil)
		case now.Sub(emptySince) >= w.cfg.StallTimeout:
			w.logger.Warn("frontier empty but entries still in flight; giving up",
				zap.Int64("in_flight", inFlight),
				zap.Duration("waited", now.Sub(emptySince)),
			)
			return w.stop(StopStalled, nil)
		}
		if !sleep(ctx, w.cfg.PollInterval) {
			return w.stop(StopCanceled, nil)
		}
	}
}

func (w *Worker) sampleFrontier(ctx context.Context) {
	sizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	size, err := w.store.Size(sizeCtx, w.cfg.JobID)
	if err != nil {
		w.logger.Debug("sample frontier size", zap.Error(err))
		return
	}
	metrics.SetFrontierSize(w.cfg.JobID, size)
}

func (w *Worker) stop(reason string, err error) (Stats, error) {
	w.stats.StopReason = reason
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("processed", w.stats.Processed),
		zap.Int("enqueued", w.stats.Enqueued),
	}
	if err != nil {
		w.logger.Error("worker stopped", append(fields, zap.Error(err))...)
	} else {
		w.logger.Info("worker stopped", fields...)
	}
	return w.stats, err
}

// handle processes one popped entry to completion. Cancellation of ctx does
// not interrupt it: the fetch is bounded by FetchTimeout instead, so the entry
// ends either fully expanded or dropped. Only a wait on a full emit buffer
// observes ctx; the page is then dropped and its links still enqueued.
func (w *Worker) handle(ctx context.Context, entry crawler.FrontierEntry) (err error) {
	work := context.WithoutCancel(ctx)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(work, releaseTimeout)
		defer cancel()
		if rerr := w.store.Release(releaseCtx, w.cfg.JobID); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release entry: %w", rerr))
		}
	}()
	w.stats.Processed++
	logger := w.logger.With(zap.String("url", entry.URL), zap.Int("depth", entry.Depth))

	if !urlpolicy.WithinDepth(entry.Depth, w.cfg.MaxDepth) {
		w.reject(logger, entry.URL, "depth exceeded", 0)
		return nil
	}

	resp, err := w.fetch(work, entry)
	switch {
	case errors.Is(err, crawler.ErrRobotsDisallowed):
		w.reject(logger, entry.URL, "disallowed by robots.txt", 0)
		return nil
	case err != nil:
		w.fail(logger, entry.URL, err, 0)
		return nil
	case !resp.OK():
		w.fail(logger, entry.URL, fmt.Errorf("%w: %d", crawler.ErrFetchStatus, resp.StatusCode), len(resp.Body))
		return nil
	}
	if !urlpolicy.IsHTMLContentType(resp.ContentType) || urlpolicy.IsBlockedExtension(entry.URL) {
		w.reject(logger, entry.URL, "not html", len(resp.Body))
		return nil
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = entry.URL
	}
	doc, err := extract.Parse(pageURL, resp.Body)
	if err != nil {
		w.fail(logger, entry.URL, err, len(resp.Body))
		return nil
	}

	domain, err := w.lockDomain(work, pageURL)
	if err != nil {
		return err
	}
	if !urlpolicy.InDomain(pageURL, domain) {
		w.reject(logger, entry.URL, "redirected off domain "+domain, len(resp.Body))
		return nil
	}

	w.emit(ctx, logger, entry, pageURL, resp, doc)
	return w.enqueue(work, logger, entry, pageURL, domain, doc.Links)
}

func (w *Worker) fetch(ctx context.Context, entry crawler.FrontierEntry) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	if w.robots != nil && !w.robots.Allowed(fetchCtx, entry.URL) {
		return crawler.FetchResponse{}, crawler.ErrRobotsDisallowed
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(fetchCtx, entry.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:   w.cfg.JobID,
		URL:     entry.URL,
		Depth:   entry.Depth,
		Headers: w.cfg.Headers,
	})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	return resp, nil
}

// lockDomain returns the job's domain, setting it from pageURL when this is
// the first accepted page of the job. Concurrent first setters resolve in the
// store; every worker adopts the winner.
func (w *Worker) lockDomain(ctx context.Context, pageURL string) (string, error) {
	if w.domain != "" {
		return w.domain, nil
	}
	domain, ok, err := w.store.Domain(ctx, w.cfg.JobID)
	if err != nil {
		return "", fmt.Errorf("read domain lock: %w", err)
	}
	if !ok {
		candidate, derr := urlpolicy.DomainOf(pageURL)
		if derr != nil {
			return "", fmt.Errorf("derive domain: %w", derr)
		}
		domain, err = w.store.LockDomain(ctx, w.cfg.JobID, candidate)
		if err != nil {
			return "", fmt.Errorf("lock domain: %w", err)
		}
		if domain == candidate {
			w.logger.Info("domain locked", zap.String("domain", domain), zap.String("from", pageURL))
		}
	}
	w.domain = domain
	return domain, nil
}

func (w *Worker) emit(
	ctx context.Context,
	logger *zap.Logger,
	entry crawler.FrontierEntry,
	pageURL string,
	resp crawler.FetchResponse,
	doc extract.Document,
) {
	page := crawler.Page{
		JobID:       w.cfg.JobID,
		URL:         pageURL,
		Title:       doc.Title,
		Links:       doc.Links,
		HTML:        resp.Body,
		Depth:       entry.Depth,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		FetchedAt:   w.clock.Now(),
	}
	if w.hasher != nil {
		if sum, err := w.hasher.Hash(resp.Body); err == nil {
			page.ContentHash = sum
		}
	}
	metrics.ObservePage(pageURL, metrics.OutcomeAccepted, len(resp.Body))
	if err := w.emitter.Emit(ctx, page); err != nil {
		logger.Error("emit page failed", zap.Error(err))
		return
	}
	w.stats.Emitted++
	logger.Debug("page emitted", zap.Int("links", len(doc.Links)))
}

// enqueue applies the link policy in document order and admits survivors.
// Only store failures are returned.
func (w *Worker) enqueue(
	ctx context.Context,
	logger *zap.Logger,
	entry crawler.FrontierEntry,
	pageURL, domain string,
	links []string,
) error {
	pageCanonical, _ := urlpolicy.Canonicalize(pageURL)
	entryCanonical, _ := urlpolicy.Canonicalize(entry.URL)
	next := entry.Depth + 1

	for _, link := range links {
		if !urlpolicy.IsCrawlableScheme(link) {
			w.filtered(logger, link, metrics.ReasonScheme)
			continue
		}
		canonical, err := urlpolicy.Canonicalize(link)
		if err != nil {
			w.filtered(logger, link, metrics.ReasonInvalid)
			continue
		}
		if urlpolicy.IsSelfReferential(canonical, pageCanonical) ||
			urlpolicy.IsSelfReferential(canonical, entryCanonical) {
			w.filtered(logger, canonical, metrics.ReasonSelf)
			continue
		}
		if !urlpolicy.WithinDepth(next, w.cfg.MaxDepth) {
			w.filtered(logger, canonical, metrics.ReasonDepth)
			continue
		}
		if !urlpolicy.InDomain(canonical, domain) {
			w.filtered(logger, canonical, metrics.ReasonDomain)
			continue
		}
		if urlpolicy.IsBlockedExtension(canonical) {
			w.filtered(logger, canonical, metrics.ReasonExtension)
			continue
		}
		admitted, err := w.store.Admit(ctx, w.cfg.JobID, canonical, crawler.FrontierEntry{
			URL:   canonical,
			Depth: next,
			JobID: w.cfg.JobID,
		})
		if err != nil {
			return fmt.Errorf("admit link: %w", err)
		}
		if !admitted {
			metrics.ObserveLinkFiltered(metrics.ReasonDuplicate)
			continue
		}
		w.stats.Enqueued++
		metrics.ObserveLinkEnqueued(w.cfg.JobID)
	}
	return nil
}

func (w *Worker) filtered(logger *zap.Logger, link, reason string) {
	metrics.ObserveLinkFiltered(reason)
	logger.Debug("link filtered", zap.String("link", link), zap.String("reason", reason))
}

func (w *Worker) reject(logger *zap.Logger, rawURL, reason string, size int) {
	w.stats.Rejected++
	metrics.ObservePage(rawURL, metrics.OutcomeRejected, size)
	logger.Debug("page rejected", zap.String("reason", reason))
}

func (w *Worker) fail(logger *zap.Logger, rawURL string, err error, size int) {
	w.stats.Failed++
	metrics.ObservePage(rawURL, metrics.OutcomeFetchFailed, size)
	logger.Warn("fetch failed; dropping entry", zap.Error(err))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
