// Package model holds the persisted entities shared by all modules. All
// entities except Client are owned by a client and live only as long as the
// client does; references between them are plain foreign keys rooted at
// Client, never object graphs.
package model

import (
	"time"

	"github.com/google/uuid"
)

// State is the alerting state of a subject. Transitions are driven solely by
// the evaluator.
type State string

const (
	StateUnknown  State = "UNKNOWN"
	StateNormal   State = "NORMAL"
	StateCritical State = "CRITICAL"
)

// Comparison is the closed set of threshold operators.
type Comparison string

const (
	CompareGT       Comparison = "gt"
	CompareLT       Comparison = "lt"
	CompareGE       Comparison = "ge"
	CompareLE       Comparison = "le"
	CompareEQ       Comparison = "eq"
	CompareNE       Comparison = "ne"
	CompareContains Comparison = "contains"
)

func (c Comparison) Valid() bool {
	switch c {
	case CompareGT, CompareLT, CompareGE, CompareLE, CompareEQ, CompareNE, CompareContains:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertFiring   AlertStatus = "FIRING"
	AlertResolved AlertStatus = "RESOLVED"
)

// Alert is one threshold breach on one machine. Incidents group and dedupe
// per subject for notification purposes; alerts keep the raw per-threshold
// history, including the observed value at trigger time. At most one FIRING
// alert exists per (threshold, machine).
type Alert struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	ClientID         uuid.UUID   `db:"client_id" json:"client_id"`
	ThresholdID      uuid.UUID   `db:"threshold_id" json:"threshold_id"`
	MachineID        uuid.UUID   `db:"machine_id" json:"machine_id"`
	MetricInstanceID *uuid.UUID  `db:"metric_instance_id" json:"metric_instance_id,omitempty"`
	Status           AlertStatus `db:"status" json:"status"`
	Severity         Severity    `db:"severity" json:"severity"`
	CurrentValue     string      `db:"current_value" json:"current_value"`
	Message          string      `db:"message" json:"message"`
	TriggeredAt      time.Time   `db:"triggered_at" json:"triggered_at"`
	ResolvedAt       *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`

	// Hostname of the machine, joined in by listings.
	Hostname string `db:"-" json:"hostname,omitempty"`
}

type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentResolved IncidentStatus = "RESOLVED"
)

type Client struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type APIKey struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	ClientID   uuid.UUID  `db:"client_id" json:"client_id"`
	Key        string     `db:"key" json:"-"`
	Name       string     `db:"name" json:"name"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	MachineID  *uuid.UUID `db:"machine_id" json:"machine_id,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

type Machine struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ClientID     uuid.UUID  `db:"client_id" json:"client_id"`
	Hostname     string     `db:"hostname" json:"hostname"`
	OS           string     `db:"os" json:"os"`
	Fingerprint  string     `db:"fingerprint" json:"fingerprint"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	RegisteredAt time.Time  `db:"registered_at" json:"registered_at"`
	LastSeen     *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}

type MetricDefinition struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ClientID  uuid.UUID `db:"client_id" json:"client_id"`
	Name      string    `db:"name" json:"name"`
	ValueType ValueKind `db:"value_type" json:"value_type"`
	Unit      string    `db:"unit" json:"unit,omitempty"`
	Suggested bool      `db:"suggested" json:"suggested"`
}

type MetricInstance struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	MachineID    uuid.UUID  `db:"machine_id" json:"machine_id"`
	DefinitionID uuid.UUID  `db:"definition_id" json:"definition_id"`
	AlertEnabled bool       `db:"alert_enabled" json:"alert_enabled"`
	Paused       bool       `db:"paused" json:"paused"`
	LastValue    *Value     `db:"-" json:"last_value,omitempty"`
	LastValueAt  *time.Time `db:"last_value_at" json:"last_value_at,omitempty"`
	State        State      `db:"state" json:"state"`
	// CriticalSince backs the grace period gate: set on the first CRITICAL
	// observation, cleared by any non-CRITICAL one.
	CriticalSince *time.Time `db:"critical_since" json:"-"`
	// ConsecutiveFailures backs the consecutive-failures gate.
	ConsecutiveFailures int `db:"consecutive_failures" json:"-"`
}

type Sample struct {
	ID               int64     `db:"id" json:"id"`
	MetricInstanceID uuid.UUID `db:"metric_instance_id" json:"metric_instance_id"`
	Ts               time.Time `db:"ts" json:"ts"`
	SentAt           time.Time `db:"sent_at" json:"sent_at"`
	Value            Value     `db:"-" json:"value"`
}

type Threshold struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	MetricInstanceID uuid.UUID  `db:"metric_instance_id" json:"metric_instance_id"`
	Comparison       Comparison `db:"comparison" json:"comparison"`
	Value            Value      `db:"-" json:"value"`
	Severity         Severity   `db:"severity" json:"severity"`
}

type HTTPTarget struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ClientID            uuid.UUID  `db:"client_id" json:"client_id"`
	Name                string     `db:"name" json:"name"`
	URL                 string     `db:"url" json:"url"`
	Method              string     `db:"method" json:"method"`
	AcceptedStatusCodes []int      `db:"-" json:"accepted_status_codes"`
	TimeoutMS           int        `db:"timeout_ms" json:"timeout_ms"`
	CheckIntervalS      int        `db:"check_interval_s" json:"check_interval_s"`
	IsActive            bool       `db:"is_active" json:"is_active"`
	LastCheckAt         *time.Time `db:"last_check_at" json:"last_check_at,omitempty"`
	LastStatus          *int       `db:"last_status" json:"last_status,omitempty"`
	LastLatencyMS       *int       `db:"last_latency_ms" json:"last_latency_ms,omitempty"`
	State               State      `db:"state" json:"state"`
	CriticalSince       *time.Time `db:"critical_since" json:"-"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"-"`
}

// Accepted reports whether status is in the accepted set. An empty set
// defaults to {200}.
func (t *HTTPTarget) Accepted(status int) bool {
	if len(t.AcceptedStatusCodes) == 0 {
		return status == 200
	}
	for _, c := range t.AcceptedStatusCodes {
		if c == status {
			return true
		}
	}
	return false
}

type Incident struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	ClientID         uuid.UUID      `db:"client_id" json:"client_id"`
	HTTPTargetID     *uuid.UUID     `db:"http_target_id" json:"http_target_id,omitempty"`
	MetricInstanceID *uuid.UUID     `db:"metric_instance_id" json:"metric_instance_id,omitempty"`
	Status           IncidentStatus `db:"status" json:"status"`
	Severity         Severity       `db:"severity" json:"severity"`
	Title            string         `db:"title" json:"title"`
	OpenedAt         time.Time      `db:"opened_at" json:"opened_at"`
	ResolvedAt       *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	LastObservedAt   *time.Time     `db:"last_observed_at" json:"last_observed_at,omitempty"`
	LastNotifiedAt   *time.Time     `db:"last_notified_at" json:"last_notified_at,omitempty"`
}

type IngestEvent struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ClientID   uuid.UUID `db:"client_id" json:"client_id"`
	IngestID   string    `db:"ingest_id" json:"ingest_id"`
	MachineID  uuid.UUID `db:"machine_id" json:"machine_id"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSuccess NotificationStatus = "success"
	NotificationFailed  NotificationStatus = "failed"
)

type NotificationLog struct {
	ID         uuid.UUID          `db:"id" json:"id"`
	ClientID   uuid.UUID          `db:"client_id" json:"client_id"`
	IncidentID *uuid.UUID         `db:"incident_id" json:"incident_id,omitempty"`
	AlertID    *uuid.UUID         `db:"alert_id" json:"alert_id,omitempty"`
	Provider   string             `db:"provider" json:"provider"`
	Recipient  string             `db:"recipient" json:"recipient"`
	Status     NotificationStatus `db:"status" json:"status"`
	SentAt     *time.Time         `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	Error      string             `db:"error" json:"error,omitempty"`
}

type ClientSettings struct {
	ClientID                     uuid.UUID `db:"client_id" json:"client_id"`
	NotificationEmail            string    `db:"notification_email" json:"notification_email"`
	SlackWebhookURL              string    `db:"slack_webhook_url" json:"slack_webhook_url"`
	SlackChannelName             string    `db:"slack_channel_name" json:"slack_channel_name"`
	GracePeriodSeconds           int       `db:"grace_period_seconds" json:"grace_period_seconds"`
	ReminderNotificationSeconds  int       `db:"reminder_notification_seconds" json:"reminder_notification_seconds"`
	AlertGroupingEnabled         bool      `db:"alert_grouping_enabled" json:"alert_grouping_enabled"`
	NotifyOnResolve              bool      `db:"notify_on_resolve" json:"notify_on_resolve"`
	HeartbeatThresholdMinutes    int       `db:"heartbeat_threshold_minutes" json:"heartbeat_threshold_minutes"`
	ConsecutiveFailuresThreshold int       `db:"consecutive_failures_threshold" json:"consecutive_failures_threshold"`
}

type OutboxEvent struct {
	ID          int64      `db:"id" json:"id"`
	Kind        string     `db:"kind" json:"kind"`
	Payload     []byte     `db:"payload" json:"payload"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
}
