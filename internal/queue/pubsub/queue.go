// Package pubsub implements the job queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/research"
)

// Config names the topic and subscription carrying jobs.
type Config struct {
	TopicID        string
	SubscriptionID string
	// MaxOutstanding bounds messages held by this process but not yet
	// handed to a worker.
	MaxOutstanding int
}

// Queue publishes job references to a topic and pulls them from a
// subscription. Messages are acked when handed to a worker; a lost attempt
// is reclaimed by orchestrator recovery rather than by redelivery.
type Queue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	msgs      chan *pubsub.Message
	done      chan struct{}
	cancel    context.CancelFunc
	receiving sync.WaitGroup
	closeOnce sync.Once
}

var _ research.Queue = (*Queue)(nil)

// New starts pulling from the subscription. The caller keeps ownership of
// client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub queue requires topic and subscription ids")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sub := client.Subscription(cfg.SubscriptionID)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	sub.ReceiveSettings.NumGoroutines = 1

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		topic:  client.Topic(cfg.TopicID),
		sub:    sub,
		logger: logger,
		msgs:   make(chan *pubsub.Message),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.receiving.Add(1)
	go q.receive(ctx)
	return q, nil
}

func (q *Queue) receive(ctx context.Context) {
	defer q.receiving.Done()
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		select {
		case q.msgs <- msg:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Enqueue publishes job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job research.JobRef) error {
	select {
	case <-q.done:
		return research.ErrQueueClosed
	default:
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"task_id": job.TaskID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue returns the next job and acks its message.
func (q *Queue) Dequeue(ctx context.Context) (research.JobRef, error) {
	for {
		select {
		case <-ctx.Done():
			return research.JobRef{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return research.JobRef{}, research.ErrQueueClosed
		case msg := <-q.msgs:
			msg.Ack()
			var job research.JobRef
			if err := json.Unmarshal(msg.Data, &job); err != nil || job.TaskID == "" {
				q.logger.Warn("dropping malformed job message", zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
			return job, nil
		}
	}
}

// Close stops receiving, nacks undelivered messages and flushes pending
// publishes.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.cancel()
		q.receiving.Wait()
		q.topic.Stop()
	})
}
