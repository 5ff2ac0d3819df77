package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil/pkg/model"
)

// Task kinds. One kind per queue except notify, which distinguishes the three
// notification flavors.
const (
	KindIngestBatch    = "ingest_batch"
	KindEvaluate       = "evaluate"
	KindNotifyOpen     = "notify_open"
	KindNotifyReminder = "notify_reminder"
	KindNotifyResolve  = "notify_resolve"
)

// IngestMetric is one metric of an accepted agent batch.
type IngestMetric struct {
	Name  string          `json:"name"`
	Type  model.ValueKind `json:"type"`
	Value model.Value     `json:"value"`
	Unit  string          `json:"unit,omitempty"`
}

// IngestBatchTask carries an accepted, validated agent batch from the HTTP
// handler to the ingest workers.
type IngestBatchTask struct {
	ClientID  uuid.UUID      `json:"client_id"`
	MachineID uuid.UUID      `json:"machine_id"`
	IngestID  string         `json:"ingest_id"`
	SentAt    time.Time      `json:"sent_at"`
	Metrics   []IngestMetric `json:"metrics"`
}

// EvaluateTask references either a metric instance (newest sample is loaded
// by the evaluator) or an HTTP probe outcome.
type EvaluateTask struct {
	Subject model.Subject `json:"subject"`

	// Probe outcome, set only for http subjects.
	Outcome *ProbeOutcome `json:"outcome,omitempty"`
}

// ProbeOutcome is the record of one HTTP check.
type ProbeOutcome struct {
	OK        bool      `json:"ok"`
	Status    int       `json:"status"`
	LatencyMS int       `json:"latency_ms"`
	Ts        time.Time `json:"ts"`
}

// NotifyTask asks the notifier to deliver for an incident. The kind is
// carried on the queue Task.
type NotifyTask struct {
	IncidentID uuid.UUID     `json:"incident_id"`
	AlertID    *uuid.UUID    `json:"alert_id,omitempty"`
	ClientID   uuid.UUID     `json:"client_id"`
	Subject    model.Subject `json:"subject"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	Severity   string        `json:"severity"`
}
