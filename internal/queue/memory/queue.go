// Package memory provides an in-process job queue for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/company-research/internal/research"
)

// Queue is a bounded in-memory queue with context-aware operations. Jobs
// still buffered at Close are dropped; their tasks are re-enqueued by
// recovery on the next start.
type Queue struct {
	ch        chan research.JobRef
	done      chan struct{}
	closeOnce sync.Once
}

var _ research.Queue = (*Queue)(nil)

// NewQueue constructs a queue buffering up to capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan research.JobRef, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job, blocking while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, job research.JobRef) error {
	select {
	case <-q.done:
		return research.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return research.ErrQueueClosed
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (research.JobRef, error) {
	select {
	case <-ctx.Done():
		return research.JobRef{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return research.JobRef{}, research.ErrQueueClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close wakes blocked callers; later calls fail with research.ErrQueueClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
