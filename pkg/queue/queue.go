// Package queue implements the at-least-once task queues backing the worker
// runtime. Tasks are JSON blobs on Redis lists; a dequeue atomically moves the
// task onto a per-queue processing list, an ack removes it, and anything left
// on a processing list from a previous run is pushed back onto the queue at
// boot.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// Name identifies one of the fixed queues.
type Name string

const (
	Ingest    Name = "ingest"
	Evaluate  Name = "evaluate"
	HTTP      Name = "http"
	Notify    Name = "notify"
	Heartbeat Name = "heartbeat"
	Outbox    Name = "outbox"
)

// Names lists every queue, in no particular order.
var Names = []Name{Ingest, Evaluate, HTTP, Notify, Heartbeat, Outbox}

var (
	metricEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "queue_enqueued_total",
		Help:      "The total number of tasks enqueued per queue.",
	}, []string{"queue"})
	metricAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "queue_acked_total",
		Help:      "The total number of tasks acknowledged per queue.",
	}, []string{"queue"})
	metricRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "queue_recovered_total",
		Help:      "The total number of unacked tasks re-enqueued at boot per queue.",
	}, []string{"queue"})
)

type Config struct {
	Address    string        `yaml:"address"`
	KeyPrefix  string        `yaml:"key_prefix"`
	PopTimeout time.Duration `yaml:"pop_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "redis://localhost:6379/0", "Redis URL of the queue backend.")
	f.StringVar(&cfg.KeyPrefix, prefix+".key-prefix", "vigil", "Prefix applied to all queue keys.")
	f.DurationVar(&cfg.PopTimeout, prefix+".pop-timeout", 5*time.Second, "Blocking pop timeout. Bounds worker shutdown latency.")
}

// Task is the unit of work moved through a queue.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	raw string
}

// Decode unmarshals the task body into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Body, v)
}

// Queues is a handle on the shared Redis queue backend.
type Queues struct {
	cfg    Config
	client *redis.Client
}

func New(cfg Config) (*Queues, error) {
	opts, err := redis.ParseURL(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid queue address: %w", err)
	}

	return &Queues{
		cfg:    cfg,
		client: redis.NewClient(opts),
	}, nil
}

// NewWithClient is used by tests to run against miniredis.
func NewWithClient(cfg Config, client *redis.Client) *Queues {
	return &Queues{cfg: cfg, client: client}
}

func (q *Queues) key(name Name) string {
	return fmt.Sprintf("%s:queue:%s", q.cfg.KeyPrefix, name)
}

func (q *Queues) processingKey(name Name) string {
	return fmt.Sprintf("%s:processing:%s", q.cfg.KeyPrefix, name)
}

// Enqueue pushes a task with the given kind and JSON-marshalable body.
func (q *Queues) Enqueue(ctx context.Context, name Name, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s task: %w", kind, err)
	}

	task := Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Body:       raw,
		EnqueuedAt: time.Now().UTC(),
	}

	buf, err := json.Marshal(task)
	if err != nil {
		return err
	}

	if err := q.client.LPush(ctx, q.key(name), buf).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", name, err)
	}
	metricEnqueued.WithLabelValues(string(name)).Inc()
	return nil
}

// Dequeue blocks up to the configured pop timeout and returns the next task,
// or nil if none arrived. The task stays on the processing list until Ack.
func (q *Queues) Dequeue(ctx context.Context, name Name) (*Task, error) {
	raw, err := q.client.BLMove(ctx, q.key(name), q.processingKey(name), "RIGHT", "LEFT", q.cfg.PopTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", name, err)
	}

	task := &Task{}
	if err := json.Unmarshal([]byte(raw), task); err != nil {
		// a malformed entry would wedge the processing list forever, drop it
		_ = q.client.LRem(ctx, q.processingKey(name), 1, raw).Err()
		return nil, fmt.Errorf("dropped malformed task on %s: %w", name, err)
	}
	task.raw = raw

	return task, nil
}

// Ack removes a completed task from the processing list.
func (q *Queues) Ack(ctx context.Context, name Name, task *Task) error {
	if err := q.client.LRem(ctx, q.processingKey(name), 1, task.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task on %s: %w", name, err)
	}
	metricAcked.WithLabelValues(string(name)).Inc()
	return nil
}

// Recover moves tasks stranded on processing lists back onto their queues.
// Called once at boot, before workers start.
func (q *Queues) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, name := range Names {
		for {
			_, err := q.client.LMove(ctx, q.processingKey(name), q.key(name), "RIGHT", "LEFT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return total, fmt.Errorf("failed to recover %s: %w", name, err)
			}
			metricRecovered.WithLabelValues(string(name)).Inc()
			total++
		}
	}
	return total, nil
}

// Depth returns the current length of the queue.
func (q *Queues) Depth(ctx context.Context, name Name) (int64, error) {
	return q.client.LLen(ctx, q.key(name)).Result()
}

func (q *Queues) Close() error {
	return q.client.Close()
}
