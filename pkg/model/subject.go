package model

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// SubjectKind distinguishes metric-instance subjects from http-target ones.
type SubjectKind string

const (
	SubjectMetric SubjectKind = "metric"
	SubjectHTTP   SubjectKind = "http"
)

// Subject is the keyed target of an incident: (client, metric_instance) or
// (client, http_target). Incident state transitions and notifications are
// serialized per subject.
type Subject struct {
	Kind     SubjectKind `json:"kind"`
	ClientID uuid.UUID   `json:"client_id"`
	TargetID uuid.UUID   `json:"target_id"`
}

func MetricSubject(clientID, instanceID uuid.UUID) Subject {
	return Subject{Kind: SubjectMetric, ClientID: clientID, TargetID: instanceID}
}

func HTTPSubject(clientID, targetID uuid.UUID) Subject {
	return Subject{Kind: SubjectHTTP, ClientID: clientID, TargetID: targetID}
}

func (s Subject) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.Kind, s.ClientID, s.TargetID)
}

// LockKey is a stable 64-bit hash of the subject, used for advisory locks.
func (s Subject) LockKey() int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.Key()))
	return int64(h.Sum64())
}
