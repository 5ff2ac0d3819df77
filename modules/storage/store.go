package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil/pkg/model"
)

// BatchMetric is one metric of an ingest batch, already coerced to the wire
// kind by the handler.
type BatchMetric struct {
	Name  string
	Type  model.ValueKind
	Value model.Value
	Unit  string
}

// EvalContext is everything the evaluator needs to evaluate one metric
// instance: the instance, its definition, the owning client, the newest
// sample and the (optional) threshold.
type EvalContext struct {
	Instance   model.MetricInstance
	Definition model.MetricDefinition
	ClientID   uuid.UUID
	Sample     *model.Sample
	Threshold  *model.Threshold
}

// EvalState is the per-subject evaluator bookkeeping persisted between
// evaluations.
type EvalState struct {
	State               model.State
	CriticalSince       *time.Time
	ConsecutiveFailures int
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Status model.IncidentStatus // empty = all
	Limit  int
}

// Store is the shared relational state. All mutating multi-row operations are
// transactional inside the implementation; no method holds a transaction
// across an external call.
type Store interface {
	// API keys / auth.
	AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error

	// Machines.
	UpsertMachine(ctx context.Context, clientID uuid.UUID, fingerprint, hostname, os string, seenAt time.Time) (*model.Machine, error)
	ListMachines(ctx context.Context, clientID uuid.UUID) ([]*model.Machine, error)
	ListActiveMachines(ctx context.Context) ([]*model.Machine, error)

	// Ingest dedup. Returns false without side effects when (client_id,
	// ingest_id) already exists.
	InsertIngestEvent(ctx context.Context, ev model.IngestEvent) (bool, error)

	// ApplyIngestBatch resolves/creates definitions and instances, appends
	// one sample per metric and updates last values, all in one transaction.
	// A type-drift conflict fails the whole batch with a validation error.
	// Returns the affected metric instance IDs in batch order.
	ApplyIngestBatch(ctx context.Context, clientID, machineID uuid.UUID, sentAt, receivedAt time.Time, metrics []BatchMetric) ([]uuid.UUID, error)

	// Metric definitions / instances.
	GetMetricDefinition(ctx context.Context, clientID uuid.UUID, name string) (*model.MetricDefinition, error)
	EnsureDefinition(ctx context.Context, clientID uuid.UUID, name string, kind model.ValueKind, unit string, suggested bool) (*model.MetricDefinition, error)
	EnsureInstance(ctx context.Context, machineID, definitionID uuid.UUID) (*model.MetricInstance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*model.MetricInstance, error)
	ListInstances(ctx context.Context, clientID uuid.UUID) ([]*model.MetricInstance, error)
	SetInstanceAlerting(ctx context.Context, id uuid.UUID, enabled bool) error
	SetInstancePaused(ctx context.Context, id uuid.UUID, paused bool) error
	AppendSample(ctx context.Context, instanceID uuid.UUID, v model.Value, ts, sentAt time.Time) error

	// Thresholds. EnsureDefaultThreshold is a no-op if the instance already
	// has one.
	GetThreshold(ctx context.Context, instanceID uuid.UUID) (*model.Threshold, error)
	EnsureDefaultThreshold(ctx context.Context, th model.Threshold) (*model.Threshold, error)

	// Evaluation bookkeeping.
	GetEvalContext(ctx context.Context, instanceID uuid.UUID) (*EvalContext, error)
	SetInstanceEvalState(ctx context.Context, instanceID uuid.UUID, st EvalState) error
	SetTargetEvalState(ctx context.Context, targetID uuid.UUID, st EvalState) error

	// WithSubjectLock serializes fn against all other subject-locked work on
	// the same subject.
	WithSubjectLock(ctx context.Context, subject model.Subject, fn func(context.Context) error) error

	// HTTP targets.
	CreateHTTPTarget(ctx context.Context, t *model.HTTPTarget) (*model.HTTPTarget, error)
	UpdateHTTPTarget(ctx context.Context, t *model.HTTPTarget) error
	DeleteHTTPTarget(ctx context.Context, clientID, id uuid.UUID) error
	GetHTTPTarget(ctx context.Context, id uuid.UUID) (*model.HTTPTarget, error)
	ListHTTPTargets(ctx context.Context, clientID uuid.UUID) ([]*model.HTTPTarget, error)
	DueHTTPTargets(ctx context.Context, now time.Time) ([]*model.HTTPTarget, error)
	RecordProbeResult(ctx context.Context, id uuid.UUID, at time.Time, status, latencyMS int) error

	// Incidents. OpenIncident relies on the partial unique index as the
	// conflict oracle: on conflict it returns the existing OPEN incident with
	// created=false and touches last_observed_at.
	OpenIncident(ctx context.Context, inc model.Incident) (*model.Incident, bool, error)
	ResolveIncident(ctx context.Context, subject model.Subject, at time.Time) (*model.Incident, error)
	GetOpenIncident(ctx context.Context, subject model.Subject) (*model.Incident, error)
	GetIncident(ctx context.Context, id uuid.UUID) (*model.Incident, error)
	SetIncidentNotified(ctx context.Context, id uuid.UUID, at time.Time) error
	ListIncidents(ctx context.Context, clientID uuid.UUID, filter IncidentFilter) ([]*model.Incident, error)

	// Alerts. UpsertFiringAlert inserts a FIRING alert, or refreshes the
	// existing one for the same (threshold, machine) with the latest observed
	// value; created reports which happened. ResolveAlertsForThreshold flips
	// every FIRING alert of the threshold to RESOLVED and returns the count.
	UpsertFiringAlert(ctx context.Context, a model.Alert) (*model.Alert, bool, error)
	ResolveAlertsForThreshold(ctx context.Context, thresholdID uuid.UUID, at time.Time) (int, error)
	ListAlerts(ctx context.Context, clientID uuid.UUID, limit int) ([]*model.Alert, error)

	// Notifications.
	InsertNotificationLog(ctx context.Context, entry model.NotificationLog) (uuid.UUID, error)
	FinishNotificationLog(ctx context.Context, id uuid.UUID, status model.NotificationStatus, sentAt *time.Time, errMsg string) error
	LastSuccessfulSend(ctx context.Context, incidentID uuid.UUID) (*time.Time, error)
	ListNotifications(ctx context.Context, clientID uuid.UUID, limit int) ([]*model.NotificationLog, error)

	// Client settings. GetClientSettings returns a zero-value row (all
	// defaults deferred to overrides) when none exists.
	GetClientSettings(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error)
	PutClientSettings(ctx context.Context, s *model.ClientSettings) error
}
