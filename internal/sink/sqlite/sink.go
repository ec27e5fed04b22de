// Package sqlite keeps a local page index in a SQLite file, for single-node
// crawls that want queryable output without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT,
	links TEXT NOT NULL,
	depth INTEGER NOT NULL,
	status_code INTEGER,
	content_type TEXT,
	content_hash TEXT,
	html TEXT,
	fetched_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, url)
);
CREATE INDEX IF NOT EXISTS idx_pages_job_depth ON pages(job_id, depth);`

const upsert = `
INSERT INTO pages (job_id, url, title, links, depth, status_code, content_type, content_hash, html, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (job_id, url) DO UPDATE SET
	title = excluded.title,
	links = excluded.links,
	depth = excluded.depth,
	status_code = excluded.status_code,
	content_type = excluded.content_type,
	content_hash = excluded.content_hash,
	html = excluded.html,
	fetched_at = excluded.fetched_at`

// Config locates the database file.
type Config struct {
	Path string `mapstructure:"path"`
}

// Sink upserts one row per (job_id, url).
type Sink struct {
	db *sql.DB
}

// Open creates the file, its directory and the schema as needed.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Deliver implements crawler.PageSink.
func (s *Sink) Deliver(ctx context.Context, page crawler.Page) error {
	links := page.Links
	if links == nil {
		links = []string{}
	}
	encoded, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}
	var title sql.NullString
	if page.Title != nil {
		title = sql.NullString{String: *page.Title, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsert,
		page.JobID,
		page.URL,
		title,
		string(encoded),
		page.Depth,
		page.StatusCode,
		page.ContentType,
		page.ContentHash,
		string(page.HTML),
		page.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// Count returns the number of pages stored for jobID.
func (s *Sink) Count(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages WHERE job_id = ?", jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}
