// Package logsink writes one structured log line per page.
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Sink logs page metadata at info level.
type Sink struct {
	logger *zap.Logger
}

// New returns a log Sink.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger.Named("sink")}
}

// Deliver implements crawler.PageSink.
func (s *Sink) Deliver(_ context.Context, page crawler.Page) error {
	title := ""
	if page.Title != nil {
		title = *page.Title
	}
	s.logger.Info("page",
		zap.String("job_id", page.JobID),
		zap.String("url", page.URL),
		zap.String("title", title),
		zap.Int("depth", page.Depth),
		zap.Int("links", len(page.Links)),
		zap.Int("bytes", len(page.HTML)),
		zap.String("content_hash", page.ContentHash),
	)
	return nil
}
