// Package evaluator turns observations into alerting state. It consumes
// evaluate tasks, compares the newest observation of a subject against its
// threshold, applies the grace period and consecutive-failures gates, persists
// the resulting state and hands incident intents to the incident manager on
// transitions.
package evaluator

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/modules/overrides"
	"github.com/vigilhq/vigil/modules/storage"
	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/queue"
	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

var (
	metricEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "evaluator_evaluations_total",
		Help:      "The total number of subject evaluations by resulting state.",
	}, []string{"kind", "state"})
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "evaluator_transitions_total",
		Help:      "The total number of effective state transitions.",
	}, []string{"kind", "to"})
)

type Config struct {
	Workers int `yaml:"workers"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "Number of evaluation workers.")
}

// Intent asks the incident manager to raise an incident for a subject.
type Intent struct {
	Subject    model.Subject
	Severity   model.Severity
	Title      string
	ObservedAt time.Time

	// AlertID ties the intent to the firing threshold alert, when one exists.
	// HTTP subjects have no thresholds and carry none.
	AlertID *uuid.UUID
}

// IncidentSink receives the evaluator's verdicts. Raise is delivered on every
// CRITICAL observation so the manager can refresh the open incident and decide
// on reminders; Clear is delivered only when a subject leaves CRITICAL.
type IncidentSink interface {
	Raise(ctx context.Context, intent Intent) error
	Clear(ctx context.Context, subject model.Subject, at time.Time) error
}

type Evaluator struct {
	services.Service

	cfg       Config
	store     storage.Store
	overrides overrides.Interface
	sink      IncidentSink
	queues    *queue.Queues

	now func() time.Time
}

func New(cfg Config, store storage.Store, o overrides.Interface, sink IncidentSink, queues *queue.Queues) *Evaluator {
	e := &Evaluator{
		cfg:       cfg,
		store:     store,
		overrides: o,
		sink:      sink,
		queues:    queues,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.Service = services.NewBasicService(nil, e.running, nil)
	return e
}

func (e *Evaluator) running(ctx context.Context) error {
	queue.Consume(ctx, e.queues, queue.Evaluate, queue.ConsumerConfig{
		Workers: e.cfg.Workers,
		Backoff: queue.DefaultConsumerBackoff(),
	}, e.handle)
	return nil
}

func (e *Evaluator) handle(ctx context.Context, task *queue.Task) error {
	var t queue.EvaluateTask
	if err := task.Decode(&t); err != nil {
		return verrors.E(verrors.Invariant, err)
	}
	return e.EvaluateSubject(ctx, t.Subject, t.Outcome)
}

// EvaluateSubject runs one evaluation under the subject lock. Exported so the
// heartbeat sweeper can evaluate synthetic subjects inline.
func (e *Evaluator) EvaluateSubject(ctx context.Context, subject model.Subject, outcome *queue.ProbeOutcome) error {
	return e.store.WithSubjectLock(ctx, subject, func(ctx context.Context) error {
		if subject.Kind == model.SubjectHTTP {
			return e.evaluateHTTP(ctx, subject, outcome)
		}
		return e.evaluateMetric(ctx, subject)
	})
}

func (e *Evaluator) evaluateMetric(ctx context.Context, subject model.Subject) error {
	ec, err := e.store.GetEvalContext(ctx, subject.TargetID)
	if err != nil {
		return err
	}

	eff, err := e.overrides.ForClient(ctx, ec.ClientID)
	if err != nil {
		return err
	}

	now := e.now()
	raw := model.StateUnknown
	muted := ec.Instance.Paused || !ec.Instance.AlertEnabled
	if !muted && ec.Threshold != nil && ec.Sample != nil {
		matched, ok := Compare(ec.Sample.Value, ec.Threshold.Comparison, ec.Threshold.Value)
		switch {
		case !ok:
			raw = model.StateUnknown
		case matched:
			raw = model.StateCritical
		default:
			raw = model.StateNormal
		}
	}

	prev := storage.EvalState{
		State:               ec.Instance.State,
		CriticalSince:       ec.Instance.CriticalSince,
		ConsecutiveFailures: ec.Instance.ConsecutiveFailures,
	}
	next := applyGates(prev, raw, now, eff.GracePeriod, eff.ConsecutiveFailuresThreshold)
	metricEvaluations.WithLabelValues(string(subject.Kind), string(next.State)).Inc()

	if next.State == model.StateCritical {
		intent := Intent{
			Subject:    subject,
			Severity:   model.SeverityCritical,
			Title:      fmt.Sprintf("metric %s breached its threshold", ec.Definition.Name),
			ObservedAt: now,
		}
		if ec.Threshold != nil {
			intent.Severity = ec.Threshold.Severity
			intent.Title = fmt.Sprintf("metric %s is %s (%s %s)",
				ec.Definition.Name, ec.Sample.Value, ec.Threshold.Comparison, ec.Threshold.Value)

			alert, created, err := e.store.UpsertFiringAlert(ctx, model.Alert{
				ClientID:         ec.ClientID,
				ThresholdID:      ec.Threshold.ID,
				MachineID:        ec.Instance.MachineID,
				MetricInstanceID: &ec.Instance.ID,
				Severity:         intent.Severity,
				CurrentValue:     ec.Sample.Value.String(),
				Message:          intent.Title,
				TriggeredAt:      now,
			})
			if err != nil {
				return err
			}
			if created {
				level.Info(log.Logger).Log("msg", "alert firing", "alert", alert.ID, "subject", subject.Key())
			}
			intent.AlertID = &alert.ID
		}
		if err := e.sink.Raise(ctx, intent); err != nil {
			return err
		}
	} else if prev.State == model.StateCritical && muted {
		// muting an alerting subject clears its incident
		if err := e.sink.Clear(ctx, subject, now); err != nil {
			return err
		}
	} else if prev.State == model.StateCritical && next.State == model.StateNormal {
		if err := e.sink.Clear(ctx, subject, now); err != nil {
			return err
		}
	}

	if ec.Threshold != nil && next.State != model.StateCritical {
		if _, err := e.store.ResolveAlertsForThreshold(ctx, ec.Threshold.ID, now); err != nil {
			return err
		}
	}

	if next.State != prev.State {
		metricTransitions.WithLabelValues(string(subject.Kind), string(next.State)).Inc()
		level.Debug(log.Logger).Log("msg", "state transition", "subject", subject.Key(), "from", prev.State, "to", next.State)
	}
	return e.store.SetInstanceEvalState(ctx, subject.TargetID, next)
}

func (e *Evaluator) evaluateHTTP(ctx context.Context, subject model.Subject, outcome *queue.ProbeOutcome) error {
	if outcome == nil {
		return verrors.Errorf(verrors.Invariant, "http subject %s has no probe outcome", subject.Key())
	}

	target, err := e.store.GetHTTPTarget(ctx, subject.TargetID)
	if err != nil {
		return err
	}

	eff, err := e.overrides.ForClient(ctx, target.ClientID)
	if err != nil {
		return err
	}

	now := outcome.Ts
	if now.IsZero() {
		now = e.now()
	}

	raw := model.StateCritical
	if outcome.OK {
		raw = model.StateNormal
	}
	if !target.IsActive {
		raw = model.StateUnknown
	}

	prev := storage.EvalState{
		State:               target.State,
		CriticalSince:       target.CriticalSince,
		ConsecutiveFailures: target.ConsecutiveFailures,
	}
	next := applyGates(prev, raw, now, eff.GracePeriod, eff.ConsecutiveFailuresThreshold)
	metricEvaluations.WithLabelValues(string(subject.Kind), string(next.State)).Inc()

	if next.State == model.StateCritical {
		title := fmt.Sprintf("%s is unreachable", target.Name)
		if outcome.Status != 0 {
			title = fmt.Sprintf("%s returned unexpected status %d", target.Name, outcome.Status)
		}
		if err := e.sink.Raise(ctx, Intent{Subject: subject, Severity: model.SeverityWarning, Title: title, ObservedAt: now}); err != nil {
			return err
		}
	} else if prev.State == model.StateCritical {
		if err := e.sink.Clear(ctx, subject, now); err != nil {
			return err
		}
	}

	if next.State != prev.State {
		metricTransitions.WithLabelValues(string(subject.Kind), string(next.State)).Inc()
		level.Debug(log.Logger).Log("msg", "state transition", "subject", subject.Key(), "from", prev.State, "to", next.State)
	}
	return e.store.SetTargetEvalState(ctx, subject.TargetID, next)
}

// applyGates folds a raw verdict into the persisted evaluation state. A
// CRITICAL verdict becomes effective only once it has been held for the grace
// period AND the consecutive-failures threshold is met; until then the
// previously effective state stands. Any non-CRITICAL verdict resets both
// gates.
func applyGates(prev storage.EvalState, raw model.State, now time.Time, grace time.Duration, consecutive int) storage.EvalState {
	if raw != model.StateCritical {
		return storage.EvalState{State: raw}
	}

	since := prev.CriticalSince
	if since == nil {
		t := now
		since = &t
	}
	failures := prev.ConsecutiveFailures + 1

	effective := prev.State
	if now.Sub(*since) >= grace && (consecutive <= 0 || failures >= consecutive) {
		effective = model.StateCritical
	}

	return storage.EvalState{State: effective, CriticalSince: since, ConsecutiveFailures: failures}
}
