// Package flushqueues provides sets of priority queues that admit at most one
// in-flight op per key. The notifier uses them to serialize sends per incident
// subject: a new notify op for a subject whose send is still in flight is
// coalesced away.
package flushqueues

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type ExclusiveQueues struct {
	queues     []*PriorityQueue
	index      *atomic.Int32
	activeKeys sync.Map
	stopped    atomic.Bool
}

// New creates a new set of flush queues with a prom gauge to track current depth
func New(queues int, metric prometheus.Gauge) *ExclusiveQueues {
	f := &ExclusiveQueues{
		queues: make([]*PriorityQueue, queues),
		index:  atomic.NewInt32(0),
	}

	for j := 0; j < queues; j++ {
		f.queues[j] = NewPriorityQueue(metric)
	}

	return f
}

// Enqueue adds the op to the next queue and prevents any other items to be
// added with this key. Returns the op that owns the key: op itself when
// admitted, the already-active op when coalesced, so callers can await it.
func (f *ExclusiveQueues) Enqueue(op Op) Op {
	existing, loaded := f.activeKeys.LoadOrStore(op.Key(), op)
	if loaded {
		return existing.(Op)
	}

	f.Requeue(op)
	return op
}

// Dequeue removes the next op from the requested queue. After dequeueing the
// calling process either needs to call Clear or Requeue.
func (f *ExclusiveQueues) Dequeue(q int) Op {
	return f.queues[q].Dequeue()
}

// Requeue adds an op that is presumed to already be covered by activeKeys
func (f *ExclusiveQueues) Requeue(op Op) {
	if f.stopped.Load() {
		return
	}
	queueIndex := int(f.index.Inc()) % len(f.queues)
	f.queues[queueIndex].Enqueue(op)
}

// Clear unblocks the requested op. This should be called only after the op
// completed successfully or was dropped for good.
func (f *ExclusiveQueues) Clear(op Op) {
	f.activeKeys.Delete(op.Key())
}

func (f *ExclusiveQueues) IsEmpty() bool {
	for _, queue := range f.queues {
		if queue.Length() > 0 {
			return false
		}
	}
	return true
}

// Stop closes all queues
func (f *ExclusiveQueues) Stop() {
	f.stopped.Store(true)
	for _, q := range f.queues {
		q.Close()
	}
}
