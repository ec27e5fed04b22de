// Package dispatcher fans a job's workers out and collects their results.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/JakeFAU/campus-crawler/internal/worker"
)

// Runner is the part of worker.Worker the dispatcher needs.
type Runner interface {
	Run(ctx context.Context) (worker.Stats, error)
}

// Dispatcher runs a fixed pool of workers to completion.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers []Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Run starts all workers and blocks until every one has stopped. Stats are
// returned in worker order. A failing worker does not stop the others; their
// errors are combined.
func (d *Dispatcher) Run(ctx context.Context) ([]worker.Stats, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		err   error
		stats = make([]worker.Stats, len(d.workers))
	)
	for i, w := range d.workers {
		wg.Add(1)
		go func(i int, wk Runner) {
			defer wg.Done()
			s, runErr := wk.Run(ctx)
			stats[i] = s
			if runErr != nil {
				mu.Lock()
				err = multierr.Append(err, fmt.Errorf("worker %s: %w", s.WorkerID, runErr))
				mu.Unlock()
			}
		}(i, w)
	}
	wg.Wait()
	return stats, err
}
