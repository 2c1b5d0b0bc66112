package analytics

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/pricing-engine/internal/pricing"
	"github.com/noah-isme/pricing-engine/internal/resilience"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher implements pricing.EventSink by enqueueing one task per batch.
// A breaker stops enqueue attempts while Redis is failing.
type Publisher struct {
	Client   Enqueuer
	Breaker  *resilience.Breaker
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

var _ pricing.EventSink = (*Publisher)(nil)

// Publish enqueues events for the worker.
func (p *Publisher) Publish(ctx context.Context, events []pricing.RuleEvent) error {
	if p == nil || p.Client == nil || len(events) == 0 {
		return nil
	}
	task, err := NewLogTask(events)
	if err != nil {
		return err
	}

	queue := p.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	opts := []asynq.Option{asynq.Queue(queue)}
	if p.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.MaxRetry))
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	enqueue := func(ctx context.Context) error {
		_, err := p.Client.EnqueueContext(ctx, task, opts...)
		return err
	}
	if p.Breaker == nil {
		return enqueue(ctx)
	}
	return p.Breaker.Do(ctx, enqueue)
}
