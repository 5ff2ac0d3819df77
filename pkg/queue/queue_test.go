package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil/pkg/verrors"
)

func testQueues(t *testing.T) *Queues {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(Config{
		KeyPrefix:  "test",
		PopTimeout: 50 * time.Millisecond,
	}, client)
}

type testBody struct {
	N int `json:"n"`
}

func TestEnqueueDequeueAck(t *testing.T) {
	q := testQueues(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Evaluate, KindEvaluate, testBody{N: 7}))

	depth, err := q.Depth(ctx, Evaluate)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	task, err := q.Dequeue(ctx, Evaluate)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, KindEvaluate, task.Kind)

	body := testBody{}
	require.NoError(t, task.Decode(&body))
	assert.Equal(t, 7, body.N)

	require.NoError(t, q.Ack(ctx, Evaluate, task))

	// nothing left on queue or processing list
	recovered, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q := testQueues(t)

	task, err := q.Dequeue(context.Background(), Notify)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestRecoverRequeuesUnacked(t *testing.T) {
	q := testQueues(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Ingest, KindIngestBatch, testBody{N: 1}))
	require.NoError(t, q.Enqueue(ctx, Ingest, KindIngestBatch, testBody{N: 2}))

	// dequeue both without acking, simulating a crash mid-task
	first, err := q.Dequeue(ctx, Ingest)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Dequeue(ctx, Ingest)
	require.NoError(t, err)
	require.NotNil(t, second)

	recovered, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	depth, err := q.Depth(ctx, Ingest)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestFIFOOrder(t *testing.T) {
	q := testQueues(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Notify, KindNotifyOpen, testBody{N: i}))
	}

	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx, Notify)
		require.NoError(t, err)
		require.NotNil(t, task)

		body := testBody{}
		require.NoError(t, task.Decode(&body))
		assert.Equal(t, i, body.N)
		require.NoError(t, q.Ack(ctx, Notify, task))
	}
}

func TestConsumeHandlesAndStops(t *testing.T) {
	q := testQueues(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	require.NoError(t, q.Enqueue(ctx, Evaluate, KindEvaluate, testBody{N: 1}))
	require.NoError(t, q.Enqueue(ctx, Evaluate, KindEvaluate, testBody{N: 2}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, q, Evaluate, ConsumerConfig{Workers: 2, Backoff: DefaultConsumerBackoff()}, func(_ context.Context, _ *Task) error {
			handled.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return handled.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain on cancel")
	}
}

func TestConsumeDropsPermanentFailures(t *testing.T) {
	q := testQueues(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, q.Enqueue(ctx, Notify, KindNotifyOpen, testBody{N: 1}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, q, Notify, ConsumerConfig{Workers: 1, Backoff: DefaultConsumerBackoff()}, func(_ context.Context, _ *Task) error {
			calls.Add(1)
			return verrors.Errorf(verrors.Validation, "bad payload")
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	// task was acked despite the failure: a validation error never retries
	recovered, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.EqualValues(t, 1, calls.Load())
}
