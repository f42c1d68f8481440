// Package dispatcher runs the fixed-size worker pool.
package dispatcher

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/research"
	"github.com/JakeFAU/company-research/internal/worker"
)

// DefaultSize is the pool size used when none is configured.
func DefaultSize() int {
	return runtime.NumCPU() * 2
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
}

// New creates a Dispatcher over prebuilt workers.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// NewPool builds size workers sharing queue and handler. Non-positive sizes
// fall back to DefaultSize.
func NewPool(
	size int,
	queue research.Queue,
	handler worker.Handler,
	cfg worker.Config,
	logger *zap.Logger,
) *Dispatcher {
	if size <= 0 {
		size = DefaultSize()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		workers = append(workers, worker.New(queue, handler, cfg, logger.Named("worker").With(zap.Int("index", i))))
	}
	return New(workers)
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one has exited. Workers
// exit when ctx finishes or the queue closes, after their current job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}
