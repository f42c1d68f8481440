// Package redis implements the job queue on a Redis list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/research"
)

// DefaultKey is the list holding queued jobs.
const DefaultKey = "research:jobs"

// Config controls the Redis queue.
type Config struct {
	Key string
	// PollTimeout bounds each BRPOP so Close is noticed. Redis counts it in
	// whole seconds.
	PollTimeout time.Duration
}

// Queue pushes JSON job references with LPUSH and pops them with BRPOP,
// giving FIFO order across any number of processes.
type Queue struct {
	client    goredis.UniversalClient
	cfg       Config
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

var _ research.Queue = (*Queue)(nil)

// New wraps client. The caller keeps ownership of the client.
func New(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Enqueue appends job to the list.
func (q *Queue) Enqueue(ctx context.Context, job research.JobRef) error {
	if q.closed() {
		return research.ErrQueueClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.cfg.Key, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available, ctx ends or the queue closes.
// Payloads that do not decode are dropped with a warning.
func (q *Queue) Dequeue(ctx context.Context) (research.JobRef, error) {
	for {
		if q.closed() {
			return research.JobRef{}, research.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return research.JobRef{}, fmt.Errorf("dequeue canceled: %w", err)
		}

		res, err := q.client.BRPop(ctx, q.cfg.PollTimeout, q.cfg.Key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return research.JobRef{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return research.JobRef{}, fmt.Errorf("redis brpop: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}
		var job research.JobRef
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil || job.TaskID == "" {
			q.logger.Warn("dropping malformed job payload", zap.String("payload", res[1]), zap.Error(err))
			continue
		}
		return job, nil
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}

// Close stops further Enqueue and Dequeue calls. Jobs already in the list
// stay there for the next consumer.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
