// Package coordinator launches crawl jobs: it seeds the shared frontier,
// assigns worker identities, runs the workers and records how the job ended.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/clock"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/dispatcher"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
	"github.com/JakeFAU/campus-crawler/internal/policy/urlpolicy"
	"github.com/JakeFAU/campus-crawler/internal/worker"
)

const finishTimeout = 10 * time.Second

// WorkerIDs mints worker identities.
type WorkerIDs interface {
	WorkerID(jobID string, n int) (string, error)
}

// Deps are the collaborators shared by every worker the coordinator starts.
type Deps struct {
	Store   crawler.Store
	Fetcher crawler.Fetcher
	Robots  crawler.RobotsPolicy
	Limiter crawler.RateLimiter
	Emitter crawler.PageEmitter
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	IDs     WorkerIDs
}

// JobParams are the launch parameters of a crawl.
type JobParams struct {
	SeedURL     string
	WorkerCount int
	MaxDepth    int
	FreshStart  bool
}

// Summary describes a finished run.
type Summary struct {
	JobID      string            `json:"job_id"`
	Status     crawler.JobStatus `json:"status"`
	Stats      crawler.JobStats  `json:"stats"`
	Workers    []worker.Stats    `json:"workers"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Run is a handle on workers started by StartJob or Join.
type Run struct {
	JobID     string
	WorkerIDs []string

	done    chan struct{}
	summary Summary
	err     error
}

// Wait blocks until every worker of the run has stopped.
func (r *Run) Wait() (Summary, error) {
	<-r.done
	return r.summary, r.err
}

// Done is closed once the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Coordinator starts and inspects crawl jobs.
type Coordinator struct {
	deps   Deps
	base   worker.Config
	logger *zap.Logger
}

// New creates a Coordinator. base carries the worker timing settings; its ID,
// JobID and MaxDepth are filled per job.
func New(deps Deps, base worker.Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Emitter == nil || deps.IDs == nil {
		return nil, fmt.Errorf("coordinator requires store, fetcher, emitter and id generator")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{deps: deps, base: base, logger: logger.Named("coordinator")}, nil
}

// StartJob seeds the job derived from params.SeedURL and starts its workers.
// A fresh start wipes prior state for the job first; otherwise the existing
// frontier is resumed and the seed is pushed only if it was never marked.
func (c *Coordinator) StartJob(ctx context.Context, params JobParams) (*Run, error) {
	seed, jobID, canonical, err := normalizeSeed(params.SeedURL)
	if err != nil {
		return nil, err
	}
	if params.WorkerCount <= 0 {
		params.WorkerCount = 1
	}
	if params.MaxDepth <= 0 {
		params.MaxDepth = crawler.DefaultMaxDepth
	}
	logger := c.logger.With(zap.String("job_id", jobID))
	entry := crawler.FrontierEntry{URL: canonical, Depth: 0, JobID: jobID}

	startedAt := c.deps.Clock.Now()
	if params.FreshStart {
		if err := c.deps.Store.Reset(ctx, jobID, canonical, entry); err != nil {
			return nil, fmt.Errorf("reset job: %w", err)
		}
		logger.Info("job state cleared for fresh start")
	} else {
		admitted, err := c.deps.Store.Admit(ctx, jobID, canonical, entry)
		if err != nil {
			return nil, fmt.Errorf("seed frontier: %w", err)
		}
		if !admitted {
			logger.Info("seed already marked; resuming existing frontier")
		}
		if prior, ok, err := c.deps.Store.GetJob(ctx, jobID); err != nil {
			return nil, fmt.Errorf("load job: %w", err)
		} else if ok && prior.Status == crawler.JobStatusRunning {
			startedAt = prior.StartedAt
		}
	}

	job := crawler.CrawlJob{
		ID:          jobID,
		SeedURL:     seed,
		MaxDepth:    params.MaxDepth,
		WorkerCount: params.WorkerCount,
		Status:      crawler.JobStatusRunning,
		StartedAt:   startedAt,
	}
	if err := c.deps.Store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	logger.Info("job started",
		zap.String("seed", seed),
		zap.Int("workers", params.WorkerCount),
		zap.Int("max_depth", params.MaxDepth),
		zap.Bool("fresh_start", params.FreshStart),
	)
	return c.launch(ctx, job, params.WorkerCount)
}

// Join attaches workerCount more workers to a job that was already started,
// possibly by another process. It never seeds.
func (c *Coordinator) Join(ctx context.Context, jobID string, workerCount int) (*Run, error) {
	job, ok, err := c.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("join %s: %w", jobID, crawler.ErrJobNotFound)
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	c.logger.Info("joining job", zap.String("job_id", jobID), zap.Int("workers", workerCount))
	return c.launch(ctx, job, workerCount)
}

// ClearJob removes every frontier entry, dedup record and bookkeeping key of
// the job in one step.
func (c *Coordinator) ClearJob(ctx context.Context, jobID string) error {
	if err := c.deps.Store.Clear(ctx, jobID); err != nil {
		return fmt.Errorf("clear job: %w", err)
	}
	c.logger.Info("job cleared", zap.String("job_id", jobID))
	return nil
}

// Status reports the shared state of a job.
func (c *Coordinator) Status(ctx context.Context, jobID string) (crawler.JobStats, error) {
	store := c.deps.Store
	job, ok, err := store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.JobStats{}, fmt.Errorf("load job: %w", err)
	}
	stats := crawler.JobStats{Job: job}
	if stats.Frontier, err = store.Size(ctx, jobID); err != nil {
		return crawler.JobStats{}, fmt.Errorf("frontier size: %w", err)
	}
	if stats.InFlight, err = store.InFlight(ctx, jobID); err != nil {
		return crawler.JobStats{}, fmt.Errorf("in-flight count: %w", err)
	}
	if stats.Seen, err = store.Seen(ctx, jobID); err != nil {
		return crawler.JobStats{}, fmt.Errorf("seen count: %w", err)
	}
	if stats.Emitted, err = store.Emitted(ctx, jobID); err != nil {
		return crawler.JobStats{}, fmt.Errorf("emitted count: %w", err)
	}
	if !ok {
		if stats.Frontier == 0 && stats.Seen == 0 {
			return crawler.JobStats{}, fmt.Errorf("status %s: %w", jobID, crawler.ErrJobNotFound)
		}
		stats.Job.ID = jobID
		if domain, locked, derr := store.Domain(ctx, jobID); derr == nil && locked {
			stats.Job.Domain = domain
		}
	}
	metrics.SetFrontierSize(jobID, stats.Frontier)
	return stats, nil
}

func (c *Coordinator) launch(ctx context.Context, job crawler.CrawlJob, count int) (*Run, error) {
	run := &Run{JobID: job.ID, done: make(chan struct{})}
	runners := make([]dispatcher.Runner, 0, count)
	for n := 1; n <= count; n++ {
		id, err := c.deps.IDs.WorkerID(job.ID, n)
		if err != nil {
			return nil, fmt.Errorf("assign worker id: %w", err)
		}
		cfg := c.base
		cfg.ID = id
		cfg.JobID = job.ID
		cfg.MaxDepth = job.MaxDepth
		run.WorkerIDs = append(run.WorkerIDs, id)
		runners = append(runners, worker.New(
			c.deps.Store,
			c.deps.Fetcher,
			c.deps.Robots,
			c.deps.Limiter,
			c.deps.Emitter,
			c.deps.Hasher,
			c.deps.Clock,
			cfg,
			c.logger.Named("worker"),
		))
	}

	go func() {
		defer close(run.done)
		stats, err := dispatcher.New(runners).Run(ctx)
		run.summary, run.err = c.finish(ctx, job, stats, err)
	}()
	return run, nil
}

// finish records the job outcome. The job is completed only when nothing is
// left in the frontier or in flight; otherwise it is stopped and can be
// resumed.
func (c *Coordinator) finish(
	ctx context.Context,
	job crawler.CrawlJob,
	workers []worker.Stats,
	runErr error,
) (Summary, error) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	logger := c.logger.With(zap.String("job_id", job.ID))

	summary := Summary{
		JobID:     job.ID,
		Status:    crawler.JobStatusStopped,
		Workers:   workers,
		StartedAt: job.StartedAt,
	}
	stats, err := c.Status(finishCtx, job.ID)
	if errors.Is(err, crawler.ErrJobNotFound) {
		summary.FinishedAt = c.deps.Clock.Now()
		logger.Info("job cleared while running; finish not recorded")
		return summary, runErr
	}
	if err != nil {
		logger.Error("read final job state", zap.Error(err))
		return summary, multierr.Append(runErr, err)
	}
	if stats.Frontier == 0 && stats.InFlight == 0 {
		summary.Status = crawler.JobStatusCompleted
	}
	summary.FinishedAt = c.deps.Clock.Now()
	err = c.deps.Store.FinishJob(finishCtx, job.ID, summary.Status, summary.FinishedAt)
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		summary.Status = crawler.JobStatusStopped
		logger.Info("job cleared while running; finish not recorded")
	case err != nil:
		logger.Error("record job finish", zap.Error(err))
		runErr = multierr.Append(runErr, fmt.Errorf("finish job: %w", err))
	}
	stats.Job.Status = summary.Status
	stats.Job.FinishedAt = &summary.FinishedAt
	summary.Stats = stats

	logger.Info("job finished",
		zap.String("status", string(summary.Status)),
		zap.Int64("seen", stats.Seen),
		zap.Int64("emitted", stats.Emitted),
		zap.Int64("frontier", stats.Frontier),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, runErr
}

// normalizeSeed returns the absolute seed, the job id and the canonical seed.
// Seeds without a scheme default to https.
func normalizeSeed(raw string) (seed, jobID, canonical string, err error) {
	seed = strings.TrimSpace(raw)
	if seed == "" {
		return "", "", "", fmt.Errorf("%w: empty", crawler.ErrInvalidSeed)
	}
	if !strings.Contains(seed, "://") {
		seed = "https://" + seed
	}
	if !urlpolicy.IsCrawlableScheme(seed) {
		return "", "", "", fmt.Errorf("%w: %q", crawler.ErrInvalidSeed, raw)
	}
	if jobID, err = urlpolicy.JobIDFromSeed(seed); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", crawler.ErrInvalidSeed, err)
	}
	if canonical, err = urlpolicy.Canonicalize(seed); err != nil {
		return "", "", "", fmt.Errorf("%w: %w", crawler.ErrInvalidSeed, err)
	}
	return seed, jobID, canonical, nil
}
