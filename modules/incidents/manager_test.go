package incidents

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhq/vigil/modules/evaluator"
	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
)

func testManager(t *testing.T) (*Manager, storage.Store, *queue.Queues) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(
		queue.Config{KeyPrefix: "test", PopTimeout: 50 * time.Millisecond},
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	)
	t.Cleanup(func() { _ = q.Close() })

	store := storage.NewMemory()
	return NewManager(store, overrides.New(overrides.Config{}, store), q), store, q
}

func nextNotify(t *testing.T, q *queue.Queues) *queue.Task {
	t.Helper()
	task, err := q.Dequeue(context.Background(), queue.Notify)
	require.NoError(t, err)
	return task
}

func TestRaiseOpensOnceThenReminds(t *testing.T) {
	m, store, q := testManager(t)
	ctx := context.Background()

	subject := model.HTTPSubject(uuid.New(), uuid.New())
	intent := evaluator.Intent{
		Subject:    subject,
		Severity:   model.SeverityWarning,
		Title:      "api is down",
		ObservedAt: time.Now().UTC(),
	}

	require.NoError(t, m.Raise(ctx, intent))
	task := nextNotify(t, q)
	require.NotNil(t, task)
	assert.Equal(t, queue.KindNotifyOpen, task.Kind)

	var nt queue.NotifyTask
	require.NoError(t, task.Decode(&nt))
	assert.Equal(t, "api is down", nt.Title)

	// second raise for the same subject reuses the incident
	require.NoError(t, m.Raise(ctx, intent))
	task = nextNotify(t, q)
	require.NotNil(t, task)
	assert.Equal(t, queue.KindNotifyReminder, task.Kind)

	var nt2 queue.NotifyTask
	require.NoError(t, task.Decode(&nt2))
	assert.Equal(t, nt.IncidentID, nt2.IncidentID)

	open, err := store.ListIncidents(ctx, subject.ClientID, storage.IncidentFilter{Status: model.IncidentOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestClearResolvesAndNotifies(t *testing.T) {
	m, store, q := testManager(t)
	ctx := context.Background()

	subject := model.MetricSubject(uuid.New(), uuid.New())
	require.NoError(t, m.Raise(ctx, evaluator.Intent{Subject: subject, Severity: model.SeverityCritical, Title: "cpu high", ObservedAt: time.Now().UTC()}))
	_ = nextNotify(t, q)

	require.NoError(t, m.Clear(ctx, subject, time.Now().UTC()))
	task := nextNotify(t, q)
	require.NotNil(t, task)
	assert.Equal(t, queue.KindNotifyResolve, task.Kind)

	open, err := store.ListIncidents(ctx, subject.ClientID, storage.IncidentFilter{Status: model.IncidentOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClearWithoutOpenIncidentIsNoop(t *testing.T) {
	m, _, q := testManager(t)

	require.NoError(t, m.Clear(context.Background(), model.MetricSubject(uuid.New(), uuid.New()), time.Now().UTC()))
	task := nextNotify(t, q)
	assert.Nil(t, task)
}

func TestClearHonorsNotifyOnResolveOptOut(t *testing.T) {
	m, store, q := testManager(t)
	ctx := context.Background()

	subject := model.HTTPSubject(uuid.New(), uuid.New())
	require.NoError(t, store.PutClientSettings(ctx, &model.ClientSettings{
		ClientID:             subject.ClientID,
		AlertGroupingEnabled: true,
		NotifyOnResolve:      false,
	}))

	require.NoError(t, m.Raise(ctx, evaluator.Intent{Subject: subject, Severity: model.SeverityWarning, Title: "down", ObservedAt: time.Now().UTC()}))
	_ = nextNotify(t, q)

	require.NoError(t, m.Clear(ctx, subject, time.Now().UTC()))
	task := nextNotify(t, q)
	assert.Nil(t, task, "resolve notification must be suppressed")

	// the incident itself still resolves
	resolved, err := store.ListIncidents(ctx, subject.ClientID, storage.IncidentFilter{Status: model.IncidentResolved})
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}
