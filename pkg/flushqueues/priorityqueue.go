package flushqueues

import (
	"container/heap"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Op is an operation that can be queued. Ops with the same Key are considered
// duplicates; higher Priority dequeues first.
type Op interface {
	Key() string
	Priority() int64
}

// PriorityQueue is a blocking priority queue.
type PriorityQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	closed bool
	hit    map[string]struct{}
	queue  queue
	depth  prometheus.Gauge
}

type item struct {
	index int
	op    Op
}

type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool { return q[i].op.Priority() > q[j].op.Priority() }

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	n := len(*q)
	y := x.(*item)
	y.index = n
	*q = append(*q, y)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	y := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return y
}

// NewPriorityQueue makes a new priority queue.
func NewPriorityQueue(depth prometheus.Gauge) *PriorityQueue {
	pq := &PriorityQueue{
		hit:   map[string]struct{}{},
		depth: depth,
	}
	pq.cond = sync.NewCond(&pq.lock)
	return pq
}

// Length returns the length of the queue.
func (pq *PriorityQueue) Length() int {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	return len(pq.queue)
}

// Close signals that the queue should be closed when it is empty. A closed
// queue is immutable.
func (pq *PriorityQueue) Close() {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	pq.closed = true
	pq.cond.Broadcast()
}

// Enqueue adds an operation to the queue in priority order. Returns true if
// added, false if the operation was already on the queue.
func (pq *PriorityQueue) Enqueue(op Op) bool {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	if pq.closed {
		panic("enqueue on closed queue")
	}

	_, enqueued := pq.hit[op.Key()]
	if enqueued {
		return false
	}

	pq.hit[op.Key()] = struct{}{}
	heap.Push(&pq.queue, &item{op: op})
	pq.cond.Broadcast()
	if pq.depth != nil {
		pq.depth.Inc()
	}
	return true
}

// Dequeue will return the op with the highest priority; block if queue is
// empty; returns nil if queue is closed.
func (pq *PriorityQueue) Dequeue() Op {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	for len(pq.queue) == 0 && !pq.closed {
		pq.cond.Wait()
	}

	if len(pq.queue) == 0 && pq.closed {
		return nil
	}

	it := heap.Pop(&pq.queue).(*item)
	delete(pq.hit, it.op.Key())
	if pq.depth != nil {
		pq.depth.Dec()
	}
	return it.op
}
