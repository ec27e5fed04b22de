// Package graph records the crawled link graph in Neo4j: one Page node per
// URL and a LINKS_TO relationship per out-link.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const pageQuery = `MERGE (p:Page {url: $url})
SET p.job_id = $job_id,
    p.title = $title,
    p.depth = $depth,
    p.status_code = $status_code,
    p.content_hash = $content_hash,
    p.fetched_at = $fetched_at
WITH p
UNWIND $links AS link
MERGE (t:Page {url: link})
MERGE (p)-[:LINKS_TO {job_id: $job_id}]->(t)`

// Config addresses the Neo4j server.
type Config struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// SessionRunner abstracts neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner abstracts neo4j.DriverWithContext.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

type neo4jDriver struct {
	driver neo4j.DriverWithContext
}

func (d neo4jDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Sink writes pages and their links with MERGE, so redelivery is idempotent.
type Sink struct {
	driver   DriverSessioner
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return NewWithDriver(neo4jDriver{driver: driver}, cfg.Database), nil
}

// NewWithDriver builds a sink on an existing driver (tests).
func NewWithDriver(driver DriverSessioner, database string) *Sink {
	return &Sink{driver: driver, database: database}
}

// Deliver implements crawler.PageSink.
func (s *Sink) Deliver(ctx context.Context, page crawler.Page) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() { _ = session.Close(ctx) }()

	params := pageParams(page)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, pageQuery, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("write page graph: %w", err)
	}
	return nil
}

func pageParams(page crawler.Page) map[string]any {
	links := make([]any, 0, len(page.Links))
	for _, l := range page.Links {
		if l != page.URL {
			links = append(links, l)
		}
	}
	var title any
	if page.Title != nil {
		title = *page.Title
	}
	return map[string]any{
		"url":          page.URL,
		"job_id":       page.JobID,
		"title":        title,
		"depth":        int64(page.Depth),
		"status_code":  int64(page.StatusCode),
		"content_hash": page.ContentHash,
		"fetched_at":   page.FetchedAt,
		"links":        links,
	}
}

// Close closes the driver.
func (s *Sink) Close(ctx context.Context) error {
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("close neo4j driver: %w", err)
	}
	return nil
}
