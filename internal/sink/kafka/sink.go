// Package kafka publishes page envelopes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/sink"
)

// Config addresses the broker and topic.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes one message per page, keyed by URL so that redeliveries land
// on the same partition.
type Sink struct {
	writer messageWriter
}

// New builds a sink backed by a kafka.Writer.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	return &Sink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
	}, nil
}

// NewWithWriter builds a sink using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Sink {
	return &Sink{writer: writer}
}

// Deliver implements crawler.PageSink.
func (s *Sink) Deliver(ctx context.Context, page crawler.Page) error {
	payload, err := json.Marshal(sink.NewEnvelope(page, true))
	if err != nil {
		return fmt.Errorf("encode page: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(page.URL),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "job_id", Value: []byte(page.JobID)},
			{Key: "depth", Value: []byte(strconv.Itoa(page.Depth))},
		},
		Time: page.FetchedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
