// Package redis implements the shared crawl store on Redis so that workers in
// separate processes cooperate on one frontier. Multi-step operations run as
// Lua scripts and are therefore atomic. All keys of a job share a hash tag, so
// the store also works against Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const defaultPrefix = "crawl"

// Config captures Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements crawler.Store on Redis lists, sets and strings.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w: %w", crawler.ErrStoreUnavailable, err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

type jobKeys struct {
	frontier string
	seen     string
	domain   string
	inFlight string
	emitted  string
	meta     string
}

func (s *Store) keys(jobID string) jobKeys {
	base := fmt.Sprintf("%s:{%s}:", s.prefix, jobID)
	return jobKeys{
		frontier: base + "frontier",
		seen:     base + "seen",
		domain:   base + "domain",
		inFlight: base + "inflight",
		emitted:  base + "emitted",
		meta:     base + "meta",
	}
}

func (k jobKeys) all() []string {
	return []string{k.frontier, k.seen, k.domain, k.inFlight, k.emitted, k.meta}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func encodeEntry(entry crawler.FrontierEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode frontier entry: %w", err)
	}
	return string(data), nil
}

// Push appends entry to the tail of the job's list.
func (s *Store) Push(ctx context.Context, jobID string, entry crawler.FrontierEntry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.keys(jobID).frontier, payload).Err(); err != nil {
		return storeErr("push frontier", err)
	}
	return nil
}

// Pop removes the head entry and increments the in-flight counter.
func (s *Store) Pop(ctx context.Context, jobID string) (crawler.FrontierEntry, bool, error) {
	k := s.keys(jobID)
	raw, err := popScript.Run(ctx, s.client, []string{k.frontier, k.inFlight}).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return crawler.FrontierEntry{}, false, nil
		}
		return crawler.FrontierEntry{}, false, storeErr("pop frontier", err)
	}
	var entry crawler.FrontierEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return crawler.FrontierEntry{}, false, fmt.Errorf("decode frontier entry: %w", err)
	}
	return entry, true, nil
}

// Release decrements the in-flight counter.
func (s *Store) Release(ctx context.Context, jobID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.keys(jobID).inFlight}).Err(); err != nil {
		return storeErr("release in-flight", err)
	}
	return nil
}

// Size returns the frontier length.
func (s *Store) Size(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.keys(jobID).frontier).Result()
	if err != nil {
		return 0, storeErr("frontier size", err)
	}
	return n, nil
}

// InFlight returns the number of popped but unreleased entries.
func (s *Store) InFlight(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.Get(ctx, s.keys(jobID).inFlight).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, storeErr("read in-flight", err)
	}
	return n, nil
}

// TryMark adds canonicalURL to the seen set and reports whether it was new.
func (s *Store) TryMark(ctx context.Context, jobID, canonicalURL string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.keys(jobID).seen, canonicalURL).Result()
	if err != nil {
		return false, storeErr("mark seen", err)
	}
	return added == 1, nil
}

// Admit marks canonicalURL and pushes entry in one script.
func (s *Store) Admit(ctx context.Context, jobID, canonicalURL string, entry crawler.FrontierEntry) (bool, error) {
	payload, err := encodeEntry(entry)
	if err != nil {
		return false, err
	}
	k := s.keys(jobID)
	n, err := admitScript.Run(ctx, s.client, []string{k.seen, k.frontier}, canonicalURL, payload).Int64()
	if err != nil {
		return false, storeErr("admit url", err)
	}
	return n == 1, nil
}

// Seen returns the size of the job's seen set.
func (s *Store) Seen(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.SCard(ctx, s.keys(jobID).seen).Result()
	if err != nil {
		return 0, storeErr("count seen", err)
	}
	return n, nil
}

// LockDomain sets the job's domain if unset and returns the winning value.
func (s *Store) LockDomain(ctx context.Context, jobID, domain string) (string, error) {
	winner, err := lockDomainScript.Run(ctx, s.client, []string{s.keys(jobID).domain}, domain).Text()
	if err != nil {
		return "", storeErr("lock domain", err)
	}
	return winner, nil
}

// Domain returns the locked domain, if any.
func (s *Store) Domain(ctx context.Context, jobID string) (string, bool, error) {
	domain, err := s.client.Get(ctx, s.keys(jobID).domain).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, storeErr("read domain", err)
	}
	return domain, true, nil
}

// SaveJob writes job metadata to the job's hash.
func (s *Store) SaveJob(ctx context.Context, job crawler.CrawlJob) error {
	fields := map[string]any{
		"id":           job.ID,
		"seed_url":     job.SeedURL,
		"max_depth":    job.MaxDepth,
		"worker_count": job.WorkerCount,
		"status":       string(job.Status),
		"started_at":   job.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	k := s.keys(job.ID)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, k.meta, "finished_at")
	pipe.HSet(ctx, k.meta, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("save job", err)
	}
	return nil
}

// GetJob reads job metadata merged with the domain lock.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, bool, error) {
	k := s.keys(jobID)
	fields, err := s.client.HGetAll(ctx, k.meta).Result()
	if err != nil {
		return crawler.CrawlJob{}, false, storeErr("read job", err)
	}
	if len(fields) == 0 {
		return crawler.CrawlJob{}, false, nil
	}
	job, err := decodeJob(fields)
	if err != nil {
		return crawler.CrawlJob{}, false, err
	}
	domain, _, err := s.Domain(ctx, jobID)
	if err != nil {
		return crawler.CrawlJob{}, false, err
	}
	job.Domain = domain
	return job, true, nil
}

func decodeJob(fields map[string]string) (crawler.CrawlJob, error) {
	job := crawler.CrawlJob{
		ID:      fields["id"],
		SeedURL: fields["seed_url"],
		Status:  crawler.JobStatus(fields["status"]),
	}
	var err error
	if v := fields["max_depth"]; v != "" {
		if job.MaxDepth, err = strconv.Atoi(v); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode max_depth: %w", err)
		}
	}
	if v := fields["worker_count"]; v != "" {
		if job.WorkerCount, err = strconv.Atoi(v); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode worker_count: %w", err)
		}
	}
	if v := fields["started_at"]; v != "" {
		if job.StartedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode started_at: %w", err)
		}
	}
	if v := fields["finished_at"]; v != "" {
		finished, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode finished_at: %w", err)
		}
		job.FinishedAt = &finished
	}
	return job, nil
}

// FinishJob records a terminal status on an existing job. It returns
// crawler.ErrJobNotFound when the job has no record.
func (s *Store) FinishJob(ctx context.Context, jobID string, status crawler.JobStatus, finishedAt time.Time) error {
	n, err := finishJobScript.Run(ctx, s.client, []string{s.keys(jobID).meta},
		string(status),
		finishedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return storeErr("finish job", err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return nil
}

// MarkEmitted records that url was delivered downstream.
func (s *Store) MarkEmitted(ctx context.Context, jobID, url string) error {
	if err := s.client.SAdd(ctx, s.keys(jobID).emitted, url).Err(); err != nil {
		return storeErr("mark emitted", err)
	}
	return nil
}

// Emitted returns the number of distinct pages delivered downstream.
func (s *Store) Emitted(ctx context.Context, jobID string) (int64, error) {
	n, err := s.client.SCard(ctx, s.keys(jobID).emitted).Result()
	if err != nil {
		return 0, storeErr("count emitted", err)
	}
	return n, nil
}

// Clear removes every key of the job in one script.
func (s *Store) Clear(ctx context.Context, jobID string) error {
	if err := clearScript.Run(ctx, s.client, s.keys(jobID).all()).Err(); err != nil {
		return storeErr("clear job", err)
	}
	return nil
}

// Reset clears the job, marks the seed and pushes it in one script.
func (s *Store) Reset(ctx context.Context, jobID, canonicalSeed string, seed crawler.FrontierEntry) error {
	payload, err := encodeEntry(seed)
	if err != nil {
		return err
	}
	if err := resetScript.Run(ctx, s.client, s.keys(jobID).all(), canonicalSeed, payload).Err(); err != nil {
		return storeErr("reset job", err)
	}
	return nil
}

var _ crawler.Store = (*Store)(nil)
