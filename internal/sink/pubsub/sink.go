// Package pubsub publishes pages to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/sink"
)

// Config names the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Sink publishes one JSON envelope per page, HTML inlined.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New dials Pub/Sub and resolves the topic.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Sink{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// NewWithTopic wraps an existing topic (primarily for testing).
func NewWithTopic(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic}
}

// Deliver publishes the page and waits for the server acknowledgement.
func (s *Sink) Deliver(ctx context.Context, page crawler.Page) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(sink.NewEnvelope(page, true))
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": page.JobID,
			"url":    page.URL,
			"depth":  strconv.Itoa(page.Depth),
		},
	}
	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *Sink) Close() error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
