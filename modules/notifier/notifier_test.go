package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/verrors"
)

type fakeProvider struct {
	name  string
	sent  []Message
	errs  []error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, msg Message) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fixture struct {
	n     *Notifier
	store storage.Store
	slack *fakeProvider
	email *fakeProvider
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	cfg := Config{
		Queues:      1,
		SendTimeout: time.Second,
		Retry:       backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 3},
		Email:       EmailConfig{Host: "smtp.example.com", Port: 587, From: "vigil@example.com"},
	}
	f := &fixture{
		store: store,
		slack: &fakeProvider{name: "slack"},
		email: &fakeProvider{name: "email"},
		now:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.n = New(cfg, store, overrides.New(overrides.Config{}, store), nil)
	f.n.slack = f.slack
	f.n.email = f.email
	f.n.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) settings(t *testing.T, clientID uuid.UUID, mutate func(*model.ClientSettings)) {
	t.Helper()
	cs := &model.ClientSettings{ClientID: clientID, AlertGroupingEnabled: true, NotifyOnResolve: true}
	mutate(cs)
	require.NoError(t, f.store.PutClientSettings(context.Background(), cs))
}

func op(kind string, clientID, incidentID uuid.UUID) *notifyOp {
	return &notifyOp{
		kind: kind,
		task: queue.NotifyTask{
			IncidentID: incidentID,
			ClientID:   clientID,
			Subject:    model.HTTPSubject(clientID, uuid.New()),
			Title:      "api is down",
			Body:       "Incident open.",
			Severity:   "warning",
		},
	}
}

func TestOpenNotificationSendsToAllRecipients(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
		cs.SlackChannelName = "#ops"
		cs.NotificationEmail = "ops@example.com"
	})

	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, incidentID)))
	require.Len(t, f.slack.sent, 1)
	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "https://hooks.slack.com/services/T/B/x", f.slack.sent[0].Recipient)
	assert.Equal(t, "ops@example.com", f.email.sent[0].Recipient)

	logs, err := f.store.ListNotifications(context.Background(), clientID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, model.NotificationSuccess, l.Status)
		require.NotNil(t, l.SentAt)
	}
}

func TestSuppressedWithoutRecipients(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.New()

	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, uuid.New())))
	assert.Zero(t, f.slack.calls)
	assert.Zero(t, f.email.calls)

	logs, err := f.store.ListNotifications(context.Background(), clientID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs, "suppressed notifications leave no log rows")
}

func TestReminderCooldown(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
		cs.ReminderNotificationSeconds = 600
	})

	// first send establishes the cooldown anchor
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, incidentID)))
	require.Equal(t, 1, f.slack.calls)

	// reminder within the cooldown is suppressed
	f.now = f.now.Add(5 * time.Minute)
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyReminder, clientID, incidentID)))
	assert.Equal(t, 1, f.slack.calls)

	// reminder after the cooldown goes out
	f.now = f.now.Add(6 * time.Minute)
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyReminder, clientID, incidentID)))
	assert.Equal(t, 2, f.slack.calls)
}

func TestFailedSendsDoNotAdvanceCooldown(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
		cs.ReminderNotificationSeconds = 600
	})

	f.slack.errs = []error{verrors.Errorf(verrors.PermanentProvider, "webhook gone")}
	err := f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, incidentID))
	require.Error(t, err)

	// no success row exists, so the first reminder is immediately due
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyReminder, clientID, incidentID)))
	assert.Len(t, f.slack.sent, 1)
}

func TestResolveIsNotRateLimited(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
		cs.ReminderNotificationSeconds = 3600
	})

	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, incidentID)))
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyResolve, clientID, incidentID)))
	assert.Equal(t, 2, f.slack.calls, "resolve must bypass the cooldown")
}

func TestTransientFailureRetriedThenLogged(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
	})

	f.slack.errs = []error{
		verrors.Errorf(verrors.Transient, "503 from slack"),
		nil,
	}
	require.NoError(t, f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, incidentID)))
	assert.Equal(t, 2, f.slack.calls)

	logs, err := f.store.ListNotifications(context.Background(), clientID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2, "each attempt leaves a row")

	statuses := map[model.NotificationStatus]int{}
	for _, l := range logs {
		statuses[l.Status]++
	}
	assert.Equal(t, 1, statuses[model.NotificationFailed])
	assert.Equal(t, 1, statuses[model.NotificationSuccess])
}

func TestPermanentFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
	})

	f.slack.errs = []error{verrors.Errorf(verrors.PermanentProvider, "404 from slack")}
	err := f.n.process(context.Background(), op(queue.KindNotifyOpen, clientID, uuid.New()))
	require.Error(t, err)
	assert.Equal(t, 1, f.slack.calls)
}

func TestStubSlackShortCircuits(t *testing.T) {
	p := newSlackProvider(SlackConfig{Stub: true, Timeout: time.Second})
	err := p.Send(context.Background(), Message{Recipient: "https://hooks.slack.com/services/T/B/x", Title: "t", Body: "b"})
	assert.NoError(t, err)
}

// gatedProvider blocks every send until release is closed.
type gatedProvider struct {
	release chan struct{}
	calls   int
}

func (g *gatedProvider) Name() string { return "slack" }

func (g *gatedProvider) Send(_ context.Context, _ Message) error {
	g.calls++
	<-g.release
	return nil
}

func notifyQueueTask(t *testing.T, kind string, nt queue.NotifyTask) *queue.Task {
	t.Helper()
	buf, err := json.Marshal(nt)
	require.NoError(t, err)
	return &queue.Task{ID: uuid.New().String(), Kind: kind, Body: buf}
}

func TestHandleAcksOnlyAfterDelivery(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
	})

	gate := &gatedProvider{release: make(chan struct{})}
	f.n.slack = gate

	require.NoError(t, f.n.starting(context.Background()))
	t.Cleanup(func() { _ = f.n.stopping(nil) })

	task := notifyQueueTask(t, queue.KindNotifyOpen, queue.NotifyTask{
		IncidentID: incidentID,
		ClientID:   clientID,
		Subject:    model.HTTPSubject(clientID, uuid.New()),
		Title:      "api is down",
	})
	done := make(chan error, 1)
	go func() { done <- f.n.handle(context.Background(), task) }()

	// a crash in this window must leave the task on the processing list, so
	// handle cannot have returned yet
	select {
	case <-done:
		t.Fatal("task settled before the provider send finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handle never returned")
	}
}

func TestHandleSurfacesDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
	})

	require.NoError(t, f.n.starting(context.Background()))
	t.Cleanup(func() { _ = f.n.stopping(nil) })

	f.slack.errs = []error{verrors.Errorf(verrors.PermanentProvider, "webhook gone")}
	err := f.n.handle(context.Background(), notifyQueueTask(t, queue.KindNotifyOpen, queue.NotifyTask{
		IncidentID: uuid.New(),
		ClientID:   clientID,
		Subject:    model.HTTPSubject(clientID, uuid.New()),
		Title:      "api is down",
	}))
	require.Error(t, err)
	assert.True(t, verrors.Is(err, verrors.PermanentProvider))
}

func TestCoalescedTasksSettleTogether(t *testing.T) {
	f := newFixture(t)
	clientID, incidentID := uuid.New(), uuid.New()
	f.settings(t, clientID, func(cs *model.ClientSettings) {
		cs.SlackWebhookURL = "https://hooks.slack.com/services/T/B/x"
	})

	gate := &gatedProvider{release: make(chan struct{})}
	f.n.slack = gate

	require.NoError(t, f.n.starting(context.Background()))
	t.Cleanup(func() { _ = f.n.stopping(nil) })

	nt := queue.NotifyTask{
		IncidentID: incidentID,
		ClientID:   clientID,
		Subject:    model.HTTPSubject(clientID, uuid.New()),
		Title:      "api is down",
	}
	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- f.n.handle(context.Background(), notifyQueueTask(t, queue.KindNotifyReminder, nt)) }()
	go func() { second <- f.n.handle(context.Background(), notifyQueueTask(t, queue.KindNotifyReminder, nt)) }()

	time.Sleep(100 * time.Millisecond)
	close(gate.release)

	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("coalesced task never settled")
		}
	}
	assert.Equal(t, 1, gate.calls, "duplicate reminders coalesce into one send")
}

func TestNotifyOpKeying(t *testing.T) {
	clientID, targetID := uuid.New(), uuid.New()
	a := &notifyOp{kind: queue.KindNotifyReminder, task: queue.NotifyTask{Subject: model.HTTPSubject(clientID, targetID)}}
	b := &notifyOp{kind: queue.KindNotifyReminder, task: queue.NotifyTask{Subject: model.HTTPSubject(clientID, targetID)}}
	c := &notifyOp{kind: queue.KindNotifyResolve, task: queue.NotifyTask{Subject: model.HTTPSubject(clientID, targetID)}}

	assert.Equal(t, a.Key(), b.Key(), "same-kind ops for a subject coalesce")
	assert.NotEqual(t, a.Key(), c.Key(), "a resolve never coalesces into a reminder")
}
