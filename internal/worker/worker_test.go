package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/queue/memory"
	"github.com/JakeFAU/company-research/internal/research"
)

type handlerFunc func(ctx context.Context, job research.JobRef) error

func (f handlerFunc) Handle(ctx context.Context, job research.JobRef) error {
	return f(ctx, job)
}

type recorder struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recorder) Handle(_ context.Context, job research.JobRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.TaskID)
	if job.TaskID == "bad" {
		return errors.New("store unavailable")
	}
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

func TestWorker_ProcessesJobsInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	rec := &recorder{}
	w := New(q, rec, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for _, id := range []string{"a", "bad", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), research.JobRef{TaskID: id}))
	}
	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "bad", "c"}, rec.seen())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_FinishesInFlightJobAfterCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var jobErr error
	w := New(q, handlerFunc(func(ctx context.Context, _ research.JobRef) error {
		close(started)
		<-release
		jobErr = ctx.Err()
		return nil
	}), Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.NoError(t, q.Enqueue(context.Background(), research.JobRef{TaskID: "slow"}))
	<-started

	cancel()
	select {
	case <-done:
		t.Fatal("worker returned while a job was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain")
	}
	assert.NoError(t, jobErr)
}

func TestWorker_JobTimeout(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	result := make(chan error, 1)
	w := New(q, handlerFunc(func(ctx context.Context, _ research.JobRef) error {
		<-ctx.Done()
		result <- ctx.Err()
		return nil
	}), Config{JobTimeout: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	require.NoError(t, q.Enqueue(ctx, research.JobRef{TaskID: "stuck"}))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("job timeout not applied")
	}
}

func TestWorker_StopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &recorder{}, Config{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

type flakyQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *flakyQueue) Enqueue(context.Context, research.JobRef) error { return nil }

func (q *flakyQueue) Dequeue(ctx context.Context) (research.JobRef, error) {
	q.mu.Lock()
	q.calls++
	n := q.calls
	q.mu.Unlock()
	switch n {
	case 1:
		return research.JobRef{}, errors.New("connection reset")
	case 2:
		return research.JobRef{TaskID: "after-error"}, nil
	default:
		<-ctx.Done()
		return research.JobRef{}, ctx.Err()
	}
}

func (q *flakyQueue) Close() {}

func TestWorker_ContinuesAfterDequeueError(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w := New(&flakyQueue{}, rec, Config{ErrorPause: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"after-error"}, rec.seen())
}
