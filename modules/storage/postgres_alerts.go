package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

const alertColumns = `id, client_id, threshold_id, machine_id, metric_instance_id, status, severity,
	current_value, message, triggered_at, resolved_at, created_at`

func scanAlert(row sqlx.ColScanner) (*model.Alert, error) {
	a := model.Alert{}
	var instanceID uuid.NullUUID
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ClientID, &a.ThresholdID, &a.MachineID, &instanceID, &a.Status, &a.Severity,
		&a.CurrentValue, &a.Message, &a.TriggeredAt, &resolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if instanceID.Valid {
		a.MetricInstanceID = &instanceID.UUID
	}
	a.ResolvedAt = timePtr(resolvedAt)
	return &a, nil
}

// UpsertFiringAlert inserts a new FIRING alert. The partial unique index on
// (threshold_id, machine_id) WHERE status = 'FIRING' is the conflict oracle: a
// unique violation means the breach is already firing, in which case the
// existing alert is refreshed with the latest observation and returned with
// created=false.
func (s *pgStore) UpsertFiringAlert(ctx context.Context, a model.Alert) (*model.Alert, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now().UTC()
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO alerts (id, client_id, threshold_id, machine_id, metric_instance_id, status, severity, current_value, message, triggered_at)
		VALUES ($1, $2, $3, $4, $5, 'FIRING', $6, $7, $8, $9)
		RETURNING `+alertColumns,
		a.ID, a.ClientID, a.ThresholdID, a.MachineID, a.MetricInstanceID, a.Severity, a.CurrentValue, a.Message, a.TriggeredAt)

	created, err := scanAlert(row)
	if err == nil {
		return created, true, nil
	}
	if !verrors.Is(err, verrors.Conflict) {
		return nil, false, err
	}

	row = s.db.QueryRowxContext(ctx, `
		UPDATE alerts
		SET severity = $3, current_value = $4, message = $5
		WHERE threshold_id = $1 AND machine_id = $2 AND status = 'FIRING'
		RETURNING `+alertColumns,
		a.ThresholdID, a.MachineID, a.Severity, a.CurrentValue, a.Message)
	existing, err := scanAlert(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *pgStore) ResolveAlertsForThreshold(ctx context.Context, thresholdID uuid.UUID, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = 'RESOLVED', resolved_at = $2
		WHERE threshold_id = $1 AND status = 'FIRING'`,
		thresholdID, at)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), classify(err)
}

// ListAlerts returns the client's newest alerts with the machine hostname
// joined in.
func (s *pgStore) ListAlerts(ctx context.Context, clientID uuid.UUID, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT a.id, a.client_id, a.threshold_id, a.machine_id, a.metric_instance_id, a.status, a.severity,
			a.current_value, a.message, a.triggered_at, a.resolved_at, a.created_at, m.hostname
		FROM alerts a
		JOIN machines m ON m.id = a.machine_id
		WHERE a.client_id = $1
		ORDER BY a.triggered_at DESC
		LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		a := model.Alert{}
		var instanceID uuid.NullUUID
		var resolvedAt sql.NullTime
		err := rows.Scan(&a.ID, &a.ClientID, &a.ThresholdID, &a.MachineID, &instanceID, &a.Status, &a.Severity,
			&a.CurrentValue, &a.Message, &a.TriggeredAt, &resolvedAt, &a.CreatedAt, &a.Hostname)
		if err != nil {
			return nil, classify(err)
		}
		if instanceID.Valid {
			a.MetricInstanceID = &instanceID.UUID
		}
		a.ResolvedAt = timePtr(resolvedAt)
		out = append(out, &a)
	}
	return out, classify(rows.Err())
}
