// Package worker implements the executor loop of the worker pool.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/metrics"
	"github.com/JakeFAU/company-research/internal/research"
)

// Handler runs one delivered job. The orchestrator implements it.
type Handler interface {
	Handle(ctx context.Context, job research.JobRef) error
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single attempt. Zero means no bound.
	JobTimeout time.Duration
	// ErrorPause is how long the loop backs off after a failed dequeue.
	ErrorPause time.Duration
}

// Worker consumes queue items and hands them to the Handler.
type Worker struct {
	queue   research.Queue
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(queue research.Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming jobs until ctx finishes or the queue closes. A job
// that has started runs to completion even if ctx is canceled meanwhile.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, research.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorPause):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("task_id", job.TaskID))
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job research.JobRef) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx := context.WithoutCancel(ctx)
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, w.cfg.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.handler.Handle(jobCtx, job); err != nil {
		w.logger.Error("job handling failed",
			zap.String("task_id", job.TaskID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("job handled", zap.String("task_id", job.TaskID), zap.Duration("elapsed", time.Since(start)))
}
