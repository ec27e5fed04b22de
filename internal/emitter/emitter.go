// Package emitter hands pages to the downstream pipeline asynchronously.
//
// Emit only enqueues. A fixed set of delivery goroutines drains the buffer
// into a crawler.PageSink with retry. Each delivery attempt is bounded by
// DeliverTimeout and a full buffer is waited on for at most EnqueueTimeout,
// so a hung sink costs a worker dropped pages, never a stuck loop.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// Config tunes buffering and delivery.
type Config struct {
	BufferSize  int
	Concurrency int
	Retry       RetryPolicy
	// DeliverTimeout bounds a single Deliver call.
	DeliverTimeout time.Duration
	// EnqueueTimeout bounds how long Emit waits for a free buffer slot.
	EnqueueTimeout time.Duration
}

// Emitter implements crawler.PageEmitter.
type Emitter struct {
	sink   crawler.PageSink
	state  crawler.JobState
	retry  RetryPolicy
	logger *zap.Logger

	deliverTimeout time.Duration
	enqueueTimeout time.Duration

	queue chan crawler.Page
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// stop aborts in-progress retries when Close gives up waiting.
	stop     context.Context
	stopFunc context.CancelFunc
}

// New starts the delivery goroutines. state may be nil, in which case
// successful deliveries are not recorded.
func New(cfg Config, sink crawler.PageSink, state crawler.JobState, logger *zap.Logger) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stop, stopFunc := context.WithCancel(context.Background())
	e := &Emitter{
		sink:           sink,
		state:          state,
		retry:          cfg.Retry,
		logger:         logger.Named("emitter"),
		deliverTimeout: cfg.DeliverTimeout,
		enqueueTimeout: cfg.EnqueueTimeout,
		queue:          make(chan crawler.Page, cfg.BufferSize),
		stop:           stop,
		stopFunc:       stopFunc,
	}
	for i := 0; i < cfg.Concurrency; i++ {
		e.wg.Add(1)
		go e.deliverLoop()
	}
	return e
}

// Emit enqueues page for delivery. While the buffer is full it waits until
// ctx ends or EnqueueTimeout passes, then drops the page with an error.
func (e *Emitter) Emit(ctx context.Context, page crawler.Page) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return crawler.ErrEmitterClosed
	}
	select {
	case e.queue <- page:
		return nil
	default:
	}
	timer := time.NewTimer(e.enqueueTimeout)
	defer timer.Stop()
	select {
	case e.queue <- page:
		return nil
	case <-ctx.Done():
		metrics.ObserveEmit(metrics.EmitFailed)
		return fmt.Errorf("emit page: %w", ctx.Err())
	case <-timer.C:
		metrics.ObserveEmit(metrics.EmitFailed)
		return fmt.Errorf("emit page after %s: %w", e.enqueueTimeout, crawler.ErrEmitterFull)
	}
}

// Close stops accepting pages and waits for the buffer to drain. If ctx ends
// first, pending retries are abandoned and ctx's error is returned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stopFunc()
		return nil
	case <-ctx.Done():
		e.stopFunc()
		<-done
		return fmt.Errorf("drain emitter: %w", ctx.Err())
	}
}

func (e *Emitter) deliverLoop() {
	defer e.wg.Done()
	for page := range e.queue {
		e.deliver(page)
	}
}

func (e *Emitter) deliver(page crawler.Page) {
	logger := e.logger.With(zap.String("job_id", page.JobID), zap.String("url", page.URL))
	for attempt := 1; ; attempt++ {
		err := e.attempt(page)
		if err == nil {
			metrics.ObserveEmit(metrics.EmitDelivered)
			e.recordEmitted(page, logger)
			return
		}
		if !e.retry.ShouldRetry(err, attempt) {
			metrics.ObserveEmit(metrics.EmitFailed)
			logger.Error("page delivery failed", zap.Int("attempts", attempt), zap.Error(err))
			return
		}
		metrics.ObserveEmit(metrics.EmitRetried)
		wait := e.retry.Backoff(attempt)
		logger.Warn("page delivery failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if !sleep(e.stop, wait) {
			metrics.ObserveEmit(metrics.EmitFailed)
			logger.Error("page delivery abandoned", zap.Int("attempts", attempt), zap.Error(err))
			return
		}
	}
}

func (e *Emitter) attempt(page crawler.Page) error {
	ctx, cancel := context.WithTimeout(e.stop, e.deliverTimeout)
	defer cancel()
	return e.sink.Deliver(ctx, page)
}

func (e *Emitter) recordEmitted(page crawler.Page, logger *zap.Logger) {
	if e.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.state.MarkEmitted(ctx, page.JobID, page.URL); err != nil {
		level := zap.WarnLevel
		if errors.Is(err, crawler.ErrStoreUnavailable) {
			level = zap.ErrorLevel
		}
		logger.Log(level, "record emitted page", zap.Error(err))
	}
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
