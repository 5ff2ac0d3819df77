package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

// queryer covers both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureDefinitionTx(ctx context.Context, q queryer, clientID uuid.UUID, name string, kind model.ValueKind, unit string, suggested bool) (*model.MetricDefinition, error) {
	row := q.QueryRowxContext(ctx, `
		INSERT INTO metric_definitions (id, client_id, name, value_type, unit, suggested)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, client_id, name, value_type, unit, suggested`,
		uuid.New(), clientID, name, kind, unit, suggested)

	def := model.MetricDefinition{}
	if err := row.Scan(&def.ID, &def.ClientID, &def.Name, &def.ValueType, &def.Unit, &def.Suggested); err != nil {
		return nil, classify(err)
	}
	return &def, nil
}

func ensureInstanceTx(ctx context.Context, q queryer, machineID, definitionID uuid.UUID) (*model.MetricInstance, error) {
	row := q.QueryRowxContext(ctx, `
		INSERT INTO metric_instances (id, machine_id, definition_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_id, definition_id) DO UPDATE SET machine_id = EXCLUDED.machine_id
		RETURNING id, machine_id, definition_id, alert_enabled, paused, last_value_at, state, critical_since, consecutive_failures`,
		uuid.New(), machineID, definitionID)

	return scanInstance(row)
}

func scanInstance(row sqlx.ColScanner) (*model.MetricInstance, error) {
	inst := model.MetricInstance{}
	var lastValueAt, criticalSince sql.NullTime
	err := row.Scan(&inst.ID, &inst.MachineID, &inst.DefinitionID, &inst.AlertEnabled, &inst.Paused,
		&lastValueAt, &inst.State, &criticalSince, &inst.ConsecutiveFailures)
	if err != nil {
		return nil, classify(err)
	}
	inst.LastValueAt = timePtr(lastValueAt)
	inst.CriticalSince = timePtr(criticalSince)
	return &inst, nil
}

const instanceColumns = `id, machine_id, definition_id, alert_enabled, paused, last_value_at, state, critical_since, consecutive_failures`

func (s *pgStore) GetMetricDefinition(ctx context.Context, clientID uuid.UUID, name string) (*model.MetricDefinition, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, client_id, name, value_type, unit, suggested
		FROM metric_definitions WHERE client_id = $1 AND name = $2`, clientID, name)

	def := model.MetricDefinition{}
	err := row.Scan(&def.ID, &def.ClientID, &def.Name, &def.ValueType, &def.Unit, &def.Suggested)
	if err != nil {
		return nil, classify(err)
	}
	return &def, nil
}

func (s *pgStore) EnsureDefinition(ctx context.Context, clientID uuid.UUID, name string, kind model.ValueKind, unit string, suggested bool) (*model.MetricDefinition, error) {
	return ensureDefinitionTx(ctx, s.db, clientID, name, kind, unit, suggested)
}

func (s *pgStore) EnsureInstance(ctx context.Context, machineID, definitionID uuid.UUID) (*model.MetricInstance, error) {
	return ensureInstanceTx(ctx, s.db, machineID, definitionID)
}

func (s *pgStore) GetInstance(ctx context.Context, id uuid.UUID) (*model.MetricInstance, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+instanceColumns+` FROM metric_instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (s *pgStore) ListInstances(ctx context.Context, clientID uuid.UUID) ([]*model.MetricInstance, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT mi.id, mi.machine_id, mi.definition_id, mi.alert_enabled, mi.paused, mi.last_value_at, mi.state, mi.critical_since, mi.consecutive_failures
		FROM metric_instances mi
		JOIN machines m ON m.id = mi.machine_id
		WHERE m.client_id = $1
		ORDER BY mi.id`, clientID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*model.MetricInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, classify(rows.Err())
}

func (s *pgStore) setInstanceFlag(ctx context.Context, id uuid.UUID, column string, v bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE metric_instances SET `+column+` = $2 WHERE id = $1`, id, v)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return verrors.Errorf(verrors.NotFound, "metric instance %s not found", id)
	}
	return nil
}

func (s *pgStore) SetInstanceAlerting(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.setInstanceFlag(ctx, id, "alert_enabled", enabled)
}

func (s *pgStore) SetInstancePaused(ctx context.Context, id uuid.UUID, paused bool) error {
	return s.setInstanceFlag(ctx, id, "paused", paused)
}

func (s *pgStore) AppendSample(ctx context.Context, instanceID uuid.UUID, v model.Value, ts, sentAt time.Time) error {
	num, b, str := valueCols(v)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO samples (metric_instance_id, ts, sent_at, value_num, value_bool, value_str)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			instanceID, ts, sentAt, num, b, str); err != nil {
			return classify(err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE metric_instances
			SET last_value_num = $2, last_value_bool = $3, last_value_str = $4, last_value_at = $5
			WHERE id = $1`,
			instanceID, num, b, str, ts); err != nil {
			return classify(err)
		}
		return nil
	})
}

func (s *pgStore) GetThreshold(ctx context.Context, instanceID uuid.UUID) (*model.Threshold, error) {
	return s.getThreshold(ctx, s.db, instanceID)
}

func (s *pgStore) getThreshold(ctx context.Context, q queryer, instanceID uuid.UUID) (*model.Threshold, error) {
	row := q.QueryRowxContext(ctx, `
		SELECT t.id, t.metric_instance_id, t.comparison, t.severity, t.value_num, t.value_bool, t.value_str, d.value_type
		FROM thresholds t
		JOIN metric_instances mi ON mi.id = t.metric_instance_id
		JOIN metric_definitions d ON d.id = mi.definition_id
		WHERE t.metric_instance_id = $1`, instanceID)

	th := model.Threshold{}
	var num sql.NullFloat64
	var b sql.NullBool
	var str sql.NullString
	var kind model.ValueKind
	err := row.Scan(&th.ID, &th.MetricInstanceID, &th.Comparison, &th.Severity, &num, &b, &str, &kind)
	if err != nil {
		return nil, classify(err)
	}
	th.Value = valueFromCols(kind, num, b, str)
	return &th, nil
}

func (s *pgStore) EnsureDefaultThreshold(ctx context.Context, th model.Threshold) (*model.Threshold, error) {
	num, b, str := valueCols(th.Value)
	if th.ID == uuid.Nil {
		th.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thresholds (id, metric_instance_id, comparison, severity, value_num, value_bool, value_str)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (metric_instance_id) DO NOTHING`,
		th.ID, th.MetricInstanceID, th.Comparison, th.Severity, num, b, str)
	if err != nil {
		return nil, classify(err)
	}
	return s.GetThreshold(ctx, th.MetricInstanceID)
}

func (s *pgStore) GetEvalContext(ctx context.Context, instanceID uuid.UUID) (*EvalContext, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT mi.id, mi.machine_id, mi.definition_id, mi.alert_enabled, mi.paused, mi.last_value_at, mi.state, mi.critical_since, mi.consecutive_failures,
		       d.id, d.client_id, d.name, d.value_type, d.unit, d.suggested,
		       m.client_id
		FROM metric_instances mi
		JOIN metric_definitions d ON d.id = mi.definition_id
		JOIN machines m ON m.id = mi.machine_id
		WHERE mi.id = $1`, instanceID)

	ec := EvalContext{}
	var lastValueAt, criticalSince sql.NullTime
	err := row.Scan(
		&ec.Instance.ID, &ec.Instance.MachineID, &ec.Instance.DefinitionID, &ec.Instance.AlertEnabled, &ec.Instance.Paused,
		&lastValueAt, &ec.Instance.State, &criticalSince, &ec.Instance.ConsecutiveFailures,
		&ec.Definition.ID, &ec.Definition.ClientID, &ec.Definition.Name, &ec.Definition.ValueType, &ec.Definition.Unit, &ec.Definition.Suggested,
		&ec.ClientID)
	if err != nil {
		return nil, classify(err)
	}
	ec.Instance.LastValueAt = timePtr(lastValueAt)
	ec.Instance.CriticalSince = timePtr(criticalSince)

	sample, err := s.latestSample(ctx, instanceID, ec.Definition.ValueType)
	if err != nil && !verrors.Is(err, verrors.NotFound) {
		return nil, err
	}
	ec.Sample = sample

	th, err := s.GetThreshold(ctx, instanceID)
	if err != nil && !verrors.Is(err, verrors.NotFound) {
		return nil, err
	}
	ec.Threshold = th

	return &ec, nil
}

func (s *pgStore) latestSample(ctx context.Context, instanceID uuid.UUID, kind model.ValueKind) (*model.Sample, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, metric_instance_id, ts, sent_at, value_num, value_bool, value_str
		FROM samples WHERE metric_instance_id = $1
		ORDER BY ts DESC, id DESC LIMIT 1`, instanceID)

	sm := model.Sample{}
	var num sql.NullFloat64
	var b sql.NullBool
	var str sql.NullString
	err := row.Scan(&sm.ID, &sm.MetricInstanceID, &sm.Ts, &sm.SentAt, &num, &b, &str)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.E(verrors.NotFound, err)
	}
	if err != nil {
		return nil, classify(err)
	}
	sm.Value = valueFromCols(kind, num, b, str)
	return &sm, nil
}

func (s *pgStore) SetInstanceEvalState(ctx context.Context, instanceID uuid.UUID, st EvalState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE metric_instances
		SET state = $2, critical_since = $3, consecutive_failures = $4
		WHERE id = $1`,
		instanceID, st.State, st.CriticalSince, st.ConsecutiveFailures)
	return classify(err)
}

func (s *pgStore) SetTargetEvalState(ctx context.Context, targetID uuid.UUID, st EvalState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE http_targets
		SET state = $2, critical_since = $3, consecutive_failures = $4
		WHERE id = $1`,
		targetID, st.State, st.CriticalSince, st.ConsecutiveFailures)
	return classify(err)
}
