// Package mongo stores page documents in a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const connectTimeout = 10 * time.Second

// Config addresses the collection.
type Config struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Sink upserts one document per (job_id, url), HTML included.
type Sink struct {
	coll   collection
	client *mongo.Client
}

// New connects to MongoDB and pings the server.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URI == "" || cfg.Database == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("mongo uri, database and collection are required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return &Sink{
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		client: client,
	}, nil
}

// NewWithCollection builds a sink on an existing collection (tests).
func NewWithCollection(coll collection) *Sink {
	return &Sink{coll: coll}
}

// Deliver implements crawler.PageSink.
func (s *Sink) Deliver(ctx context.Context, page crawler.Page) error {
	filter, update := upsertDocument(page)
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongodb upsert: %w", err)
	}
	return nil
}

func upsertDocument(page crawler.Page) (bson.D, bson.D) {
	links := page.Links
	if links == nil {
		links = []string{}
	}
	filter := bson.D{{Key: "job_id", Value: page.JobID}, {Key: "url", Value: page.URL}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "title", Value: page.Title},
		{Key: "links", Value: links},
		{Key: "depth", Value: page.Depth},
		{Key: "status_code", Value: page.StatusCode},
		{Key: "content_type", Value: page.ContentType},
		{Key: "content_hash", Value: page.ContentHash},
		{Key: "html", Value: string(page.HTML)},
		{Key: "fetched_at", Value: page.FetchedAt},
	}}}
	return filter, update
}

// Close disconnects the client.
func (s *Sink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongodb disconnect: %w", err)
	}
	return nil
}
