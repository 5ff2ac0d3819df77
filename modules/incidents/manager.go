// Package incidents owns the incident lifecycle. A subject has at most one
// OPEN incident; the database's partial unique indexes enforce that even
// across processes, and the manager maps conflicts back to idempotent raises.
package incidents

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/evaluator"
	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

var (
	metricIncidentsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "incidents_opened_total",
		Help:      "The total number of incidents opened.",
	})
	metricIncidentsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "incidents_resolved_total",
		Help:      "The total number of incidents resolved.",
	})
)

type Manager struct {
	store     storage.Store
	overrides overrides.Interface
	queues    *queue.Queues
}

var _ evaluator.IncidentSink = (*Manager)(nil)

func NewManager(store storage.Store, o overrides.Interface, queues *queue.Queues) *Manager {
	return &Manager{store: store, overrides: o, queues: queues}
}

// Raise opens an incident for the subject, or refreshes the existing OPEN one.
// A fresh incident produces an open notification intent; a refresh produces a
// reminder intent, which the notifier gates on the cooldown.
func (m *Manager) Raise(ctx context.Context, intent evaluator.Intent) error {
	inc := model.Incident{
		ClientID:       intent.Subject.ClientID,
		Severity:       intent.Severity,
		Title:          intent.Title,
		OpenedAt:       intent.ObservedAt,
		LastObservedAt: &intent.ObservedAt,
	}
	switch intent.Subject.Kind {
	case model.SubjectHTTP:
		id := intent.Subject.TargetID
		inc.HTTPTargetID = &id
	default:
		id := intent.Subject.TargetID
		inc.MetricInstanceID = &id
	}

	got, created, err := m.store.OpenIncident(ctx, inc)
	if err != nil {
		return err
	}

	kind := queue.KindNotifyReminder
	if created {
		kind = queue.KindNotifyOpen
		metricIncidentsOpened.Inc()
		level.Info(log.Logger).Log("msg", "incident opened", "incident", got.ID, "subject", intent.Subject.Key(), "severity", got.Severity)
	}

	return m.queues.Enqueue(ctx, queue.Notify, kind, queue.NotifyTask{
		IncidentID: got.ID,
		AlertID:    intent.AlertID,
		ClientID:   got.ClientID,
		Subject:    intent.Subject,
		Title:      got.Title,
		Body:       fmt.Sprintf("Incident open since %s.", got.OpenedAt.Format(time.RFC3339)),
		Severity:   string(got.Severity),
	})
}

// Clear resolves the subject's OPEN incident. Clearing a subject with no open
// incident is a no-op, so repeated recoveries are idempotent. The resolve
// notification is suppressed when the client opted out.
func (m *Manager) Clear(ctx context.Context, subject model.Subject, at time.Time) error {
	inc, err := m.store.ResolveIncident(ctx, subject, at)
	if verrors.Is(err, verrors.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metricIncidentsResolved.Inc()
	level.Info(log.Logger).Log("msg", "incident resolved", "incident", inc.ID, "subject", subject.Key())

	eff, err := m.overrides.ForClient(ctx, subject.ClientID)
	if err != nil {
		return err
	}
	if !eff.NotifyOnResolve {
		return nil
	}

	return m.queues.Enqueue(ctx, queue.Notify, queue.KindNotifyResolve, queue.NotifyTask{
		IncidentID: inc.ID,
		ClientID:   inc.ClientID,
		Subject:    subject,
		Title:      "Resolved: " + inc.Title,
		Body:       fmt.Sprintf("Incident resolved at %s.", at.Format(time.RFC3339)),
		Severity:   string(model.SeverityInfo),
	})
}
