package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

// Handler processes one dequeued task. A Transient error causes bounded
// in-place retries; any other error drops the task.
type Handler func(ctx context.Context, task *Task) error

// ConsumerConfig sizes one queue's worker pool.
type ConsumerConfig struct {
	Workers int
	Backoff backoff.Config
}

// DefaultConsumerBackoff bounds in-place retries of transient task failures.
func DefaultConsumerBackoff() backoff.Config {
	return backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		MaxRetries: 5,
	}
}

// Consume runs cfg.Workers goroutines handling tasks from the named queue
// until ctx is canceled, then waits for in-flight handlers to finish.
func Consume(ctx context.Context, q *Queues, name Name, cfg ConsumerConfig, handle Handler) {
	wg := sync.WaitGroup{}
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeLoop(ctx, q, name, cfg, handle)
		}()
	}
	wg.Wait()
}

func consumeLoop(ctx context.Context, q *Queues, name Name, cfg ConsumerConfig, handle Handler) {
	for ctx.Err() == nil {
		task, err := q.Dequeue(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			level.Error(log.Logger).Log("msg", "dequeue failed", "queue", name, "err", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		err = handleWithRetries(ctx, cfg.Backoff, task, handle)
		if err != nil {
			if verrors.Retryable(err) {
				// Out of retries. Leave the task on the processing list so it
				// is re-enqueued on next boot.
				level.Error(log.Logger).Log("msg", "task failed, will be recovered on restart", "queue", name, "kind", task.Kind, "err", err)
				continue
			}
			level.Error(log.Logger).Log("msg", "task dropped", "queue", name, "kind", task.Kind, "err", err)
		}

		if ackErr := q.Ack(context.WithoutCancel(ctx), name, task); ackErr != nil {
			level.Warn(log.Logger).Log("msg", "failed to ack task", "queue", name, "err", ackErr)
		}
	}
}

func handleWithRetries(ctx context.Context, cfg backoff.Config, task *Task, handle Handler) error {
	b := backoff.New(ctx, cfg)
	var err error
	for b.Ongoing() {
		err = handle(ctx, task)
		if err == nil || !verrors.Retryable(err) {
			return err
		}
		b.Wait()
	}
	if err != nil {
		return err
	}
	return b.Err()
}
