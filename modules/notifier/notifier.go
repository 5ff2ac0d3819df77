// Package notifier delivers incident notifications over Slack and email. It
// consumes notify tasks, applies the per-client cooldown to reminders,
// serializes sends per subject through flush queues and records every attempt
// in the notification log.
package notifier

import (
	"context"
	"flag"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/flushqueues"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

var timeNow = time.Now

var (
	metricSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifier_sends_total",
		Help:      "The total number of provider send attempts by result.",
	}, []string{"provider", "result"})
	metricSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "notifier_suppressed_total",
		Help:      "The total number of notifications suppressed before any send.",
	}, []string{"reason"})
	metricFlushQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "notifier_flush_queue_length",
		Help:      "The current number of notify ops waiting on flush queues.",
	})
)

type SlackConfig struct {
	// Stub short-circuits sends to a log line. Used in development and tests.
	Stub    bool          `yaml:"stub"`
	Timeout time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type Config struct {
	Queues      int            `yaml:"queues"`
	SendTimeout time.Duration  `yaml:"send_timeout"`
	Retry       backoff.Config `yaml:"retry"`
	Slack       SlackConfig    `yaml:"slack"`
	Email       EmailConfig    `yaml:"email"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Queues, prefix+".queues", 2, "Number of notification flush queues.")
	f.DurationVar(&cfg.SendTimeout, prefix+".send-timeout", 10*time.Second, "Timeout of a single provider send.")
	f.BoolVar(&cfg.Slack.Stub, prefix+".slack.stub", os.Getenv("STUB_SLACK") == "true", "Log Slack sends instead of calling the webhook.")
	f.DurationVar(&cfg.Slack.Timeout, prefix+".slack.timeout", 10*time.Second, "HTTP timeout of Slack webhook calls.")
	f.StringVar(&cfg.Email.Host, prefix+".email.host", "", "SMTP host. Empty disables the email provider.")
	f.IntVar(&cfg.Email.Port, prefix+".email.port", 587, "SMTP port.")
	f.StringVar(&cfg.Email.Username, prefix+".email.username", "", "SMTP username.")
	f.StringVar(&cfg.Email.Password, prefix+".email.password", "", "SMTP password.")
	f.StringVar(&cfg.Email.From, prefix+".email.from", "vigil@localhost", "From address of alert emails.")
	cfg.Retry = backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: time.Minute,
		MaxRetries: 3,
	}
}

type Notifier struct {
	services.Service

	cfg       Config
	store     storage.Store
	overrides overrides.Interface
	queues    *queue.Queues

	flushq *flushqueues.ExclusiveQueues
	wg     sync.WaitGroup

	slack Provider
	email Provider

	now func() time.Time
}

func New(cfg Config, store storage.Store, o overrides.Interface, queues *queue.Queues) *Notifier {
	n := &Notifier{
		cfg:       cfg,
		store:     store,
		overrides: o,
		queues:    queues,
		flushq:    flushqueues.New(cfg.Queues, metricFlushQueueLength),
		slack:     withBreaker(newSlackProvider(cfg.Slack)),
		email:     withBreaker(newEmailProvider(cfg.Email)),
		now:       func() time.Time { return timeNow().UTC() },
	}
	n.Service = services.NewBasicService(n.starting, n.running, n.stopping)
	return n
}

func (n *Notifier) starting(_ context.Context) error {
	for i := 0; i < n.cfg.Queues; i++ {
		n.wg.Add(1)
		go n.flushLoop(i)
	}
	return nil
}

func (n *Notifier) running(ctx context.Context) error {
	// handle blocks until delivery settles, so run one consumer per flush
	// queue to keep subjects flowing in parallel
	queue.Consume(ctx, n.queues, queue.Notify, queue.ConsumerConfig{
		Workers: n.cfg.Queues,
		Backoff: queue.DefaultConsumerBackoff(),
	}, n.handle)
	return nil
}

func (n *Notifier) stopping(_ error) error {
	n.flushq.Stop()
	n.wg.Wait()
	return nil
}

// notifyOp is one queued delivery. Keyed by kind and subject so an in-flight
// reminder coalesces duplicate reminders but never swallows a resolve.
type notifyOp struct {
	kind string
	task queue.NotifyTask
	ts   time.Time

	err  error
	done chan struct{}
}

func newNotifyOp(kind string, task queue.NotifyTask, ts time.Time) *notifyOp {
	return &notifyOp{kind: kind, task: task, ts: ts, done: make(chan struct{})}
}

func (o *notifyOp) Key() string { return o.kind + "/" + o.task.Subject.Key() }

// Priority orders older ops first.
func (o *notifyOp) Priority() int64 { return -o.ts.UnixNano() }

func (o *notifyOp) finish(err error) {
	o.err = err
	close(o.done)
}

// handle blocks until the op, or the in-flight op it coalesced into, has been
// processed. The queue entry is only acked once delivery settled; a crash
// before that leaves it on the processing list for boot recovery.
func (n *Notifier) handle(ctx context.Context, task *queue.Task) error {
	var nt queue.NotifyTask
	if err := task.Decode(&nt); err != nil {
		return verrors.E(verrors.Invariant, err)
	}

	op := n.flushq.Enqueue(newNotifyOp(task.Kind, nt, n.now())).(*notifyOp)
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return verrors.E(verrors.Transient, ctx.Err())
	}
}

func (n *Notifier) flushLoop(idx int) {
	defer n.wg.Done()
	for {
		o := n.flushq.Dequeue(idx)
		if o == nil {
			return
		}
		op := o.(*notifyOp)
		err := n.process(context.Background(), op)
		if err != nil {
			level.Error(log.Logger).Log("msg", "notification delivery failed", "kind", op.kind, "subject", op.task.Subject.Key(), "err", err)
		}
		// the key must be free before waiters are released, otherwise a task
		// arriving right after the ack could attach to a finished op
		n.flushq.Clear(op)
		op.finish(err)
	}
}

func (n *Notifier) process(ctx context.Context, op *notifyOp) error {
	eff, err := n.overrides.ForClient(ctx, op.task.ClientID)
	if err != nil {
		return err
	}

	if op.kind == queue.KindNotifyReminder {
		due, err := n.reminderDue(ctx, op.task.IncidentID, eff.ReminderCooldown)
		if err != nil {
			return err
		}
		if !due {
			metricSuppressed.WithLabelValues("cooldown").Inc()
			return nil
		}
	}

	type delivery struct {
		provider  Provider
		msg       Message
		recipient string
	}
	var deliveries []delivery
	if eff.SlackWebhookURL != "" {
		recipient := eff.SlackChannelName
		if recipient == "" {
			recipient = "webhook"
		}
		deliveries = append(deliveries, delivery{
			provider:  n.slack,
			recipient: recipient,
			msg: Message{
				Recipient: eff.SlackWebhookURL,
				Channel:   eff.SlackChannelName,
				Title:     op.task.Title,
				Body:      op.task.Body,
				Severity:  op.task.Severity,
			},
		})
	}
	if eff.NotificationEmail != "" && n.cfg.Email.Host != "" {
		deliveries = append(deliveries, delivery{
			provider:  n.email,
			recipient: eff.NotificationEmail,
			msg: Message{
				Recipient: eff.NotificationEmail,
				Title:     op.task.Title,
				Body:      op.task.Body,
				Severity:  op.task.Severity,
			},
		})
	}

	if len(deliveries) == 0 {
		metricSuppressed.WithLabelValues("no_recipients").Inc()
		level.Debug(log.Logger).Log("msg", "notification suppressed, no recipients configured", "client", op.task.ClientID)
		return nil
	}

	var lastErr error
	for _, d := range deliveries {
		if err := n.sendWithRetries(ctx, d.provider, d.recipient, d.msg, op); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// reminderDue applies the cooldown: due when no successful send exists yet, or
// the last one is at least one cooldown old. A zero cooldown never suppresses.
func (n *Notifier) reminderDue(ctx context.Context, incidentID uuid.UUID, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	last, err := n.store.LastSuccessfulSend(ctx, incidentID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return n.now().Sub(*last) >= cooldown, nil
}

func (n *Notifier) sendWithRetries(ctx context.Context, p Provider, recipient string, msg Message, op *notifyOp) error {
	b := backoff.New(ctx, n.cfg.Retry)
	var err error
	for b.Ongoing() {
		err = n.sendOnce(ctx, p, recipient, msg, op)
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

// sendOnce runs the per-attempt protocol: pending log row, provider call,
// success/failed update. Every attempt leaves its own row.
func (n *Notifier) sendOnce(ctx context.Context, p Provider, recipient string, msg Message, op *notifyOp) error {
	incidentID := op.task.IncidentID
	logID, err := n.store.InsertNotificationLog(ctx, model.NotificationLog{
		ClientID:   op.task.ClientID,
		IncidentID: &incidentID,
		AlertID:    op.task.AlertID,
		Provider:   p.Name(),
		Recipient:  recipient,
	})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	sendErr := p.Send(sendCtx, msg)
	cancel()

	now := n.now()
	if sendErr != nil {
		metricSends.WithLabelValues(p.Name(), "failed").Inc()
		if logErr := n.store.FinishNotificationLog(ctx, logID, model.NotificationFailed, nil, sendErr.Error()); logErr != nil {
			level.Warn(log.Logger).Log("msg", "failed to record notification failure", "err", logErr)
		}
		return sendErr
	}

	metricSends.WithLabelValues(p.Name(), "success").Inc()
	if err := n.store.FinishNotificationLog(ctx, logID, model.NotificationSuccess, &now, ""); err != nil {
		return err
	}
	return n.store.SetIncidentNotified(ctx, incidentID, now)
}
