package storage

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

const incidentColumns = `id, client_id, http_target_id, metric_instance_id, status, severity, title,
	opened_at, resolved_at, last_observed_at, last_notified_at`

func scanIncident(row sqlx.ColScanner) (*model.Incident, error) {
	inc := model.Incident{}
	var targetID, instanceID uuid.NullUUID
	var resolvedAt, lastObservedAt, lastNotifiedAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.ClientID, &targetID, &instanceID, &inc.Status, &inc.Severity, &inc.Title,
		&inc.OpenedAt, &resolvedAt, &lastObservedAt, &lastNotifiedAt)
	if err != nil {
		return nil, classify(err)
	}
	if targetID.Valid {
		inc.HTTPTargetID = &targetID.UUID
	}
	if instanceID.Valid {
		inc.MetricInstanceID = &instanceID.UUID
	}
	inc.ResolvedAt = timePtr(resolvedAt)
	inc.LastObservedAt = timePtr(lastObservedAt)
	inc.LastNotifiedAt = timePtr(lastNotifiedAt)
	return &inc, nil
}

func incidentSubject(inc model.Incident) (model.Subject, error) {
	switch {
	case inc.HTTPTargetID != nil:
		return model.HTTPSubject(inc.ClientID, *inc.HTTPTargetID), nil
	case inc.MetricInstanceID != nil:
		return model.MetricSubject(inc.ClientID, *inc.MetricInstanceID), nil
	default:
		return model.Subject{}, verrors.Errorf(verrors.Invariant, "incident has no subject")
	}
}

// subjectWhere returns the WHERE fragment matching a subject with $1 bound to
// the client id and $2 to the target id.
func subjectWhere(subject model.Subject) string {
	if subject.Kind == model.SubjectHTTP {
		return `client_id = $1 AND http_target_id = $2`
	}
	return `client_id = $1 AND metric_instance_id = $2`
}

// OpenIncident inserts a new OPEN incident. The partial unique indexes on
// (client_id, subject) WHERE status = 'OPEN' are the conflict oracle: a unique
// violation means an OPEN incident already exists, in which case it is
// returned with created=false and its last_observed_at is advanced.
func (s *pgStore) OpenIncident(ctx context.Context, inc model.Incident) (*model.Incident, bool, error) {
	subject, err := incidentSubject(inc)
	if err != nil {
		return nil, false, err
	}
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.OpenedAt.IsZero() {
		inc.OpenedAt = time.Now().UTC()
	}
	observedAt := inc.OpenedAt
	if inc.LastObservedAt != nil {
		observedAt = *inc.LastObservedAt
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO incidents (id, client_id, http_target_id, metric_instance_id, status, severity, title, opened_at, last_observed_at)
		VALUES ($1, $2, $3, $4, 'OPEN', $5, $6, $7, $8)
		RETURNING `+incidentColumns,
		inc.ID, inc.ClientID, inc.HTTPTargetID, inc.MetricInstanceID, inc.Severity, inc.Title, inc.OpenedAt, observedAt)

	created, err := scanIncident(row)
	if err == nil {
		return created, true, nil
	}
	if !verrors.Is(err, verrors.Conflict) {
		return nil, false, err
	}

	existing, err := s.touchOpenIncident(ctx, subject, observedAt)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *pgStore) touchOpenIncident(ctx context.Context, subject model.Subject, observedAt time.Time) (*model.Incident, error) {
	row := s.db.QueryRowxContext(ctx, `
		UPDATE incidents
		SET last_observed_at = GREATEST(COALESCE(last_observed_at, $3), $3)
		WHERE `+subjectWhere(subject)+` AND status = 'OPEN'
		RETURNING `+incidentColumns,
		subject.ClientID, subject.TargetID, observedAt)
	return scanIncident(row)
}

// ResolveIncident flips the OPEN incident for the subject to RESOLVED.
// NotFound when no OPEN incident exists; resolving twice is therefore visible
// to the caller and treated as a no-op there.
func (s *pgStore) ResolveIncident(ctx context.Context, subject model.Subject, at time.Time) (*model.Incident, error) {
	row := s.db.QueryRowxContext(ctx, `
		UPDATE incidents
		SET status = 'RESOLVED', resolved_at = $3
		WHERE `+subjectWhere(subject)+` AND status = 'OPEN'
		RETURNING `+incidentColumns,
		subject.ClientID, subject.TargetID, at)
	return scanIncident(row)
}

func (s *pgStore) GetOpenIncident(ctx context.Context, subject model.Subject) (*model.Incident, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE `+subjectWhere(subject)+` AND status = 'OPEN'`,
		subject.ClientID, subject.TargetID)
	return scanIncident(row)
}

func (s *pgStore) GetIncident(ctx context.Context, id uuid.UUID) (*model.Incident, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	return scanIncident(row)
}

func (s *pgStore) SetIncidentNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET last_notified_at = $2 WHERE id = $1`, id, at)
	return classify(err)
}

func (s *pgStore) ListIncidents(ctx context.Context, clientID uuid.UUID, filter IncidentFilter) ([]*model.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE client_id = $1`
	args := []any{clientID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY opened_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, classify(rows.Err())
}
