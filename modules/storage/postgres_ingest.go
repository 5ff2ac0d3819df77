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

func (s *pgStore) AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, client_id, key, name, is_active, machine_id, last_used_at
		FROM api_keys WHERE key = $1`, key)

	k := model.APIKey{}
	var machineID uuid.NullUUID
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.ClientID, &k.Key, &k.Name, &k.IsActive, &machineID, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, verrors.Errorf(verrors.Auth, "unknown api key")
	}
	if err != nil {
		return nil, classify(err)
	}
	if !k.IsActive {
		return nil, verrors.Errorf(verrors.Auth, "api key is disabled")
	}
	if machineID.Valid {
		k.MachineID = &machineID.UUID
	}
	k.LastUsedAt = timePtr(lastUsed)
	return &k, nil
}

func (s *pgStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return classify(err)
}

func (s *pgStore) UpsertMachine(ctx context.Context, clientID uuid.UUID, fingerprint, hostname, osName string, seenAt time.Time) (*model.Machine, error) {
	// last_seen only moves forward; hostname/os are refreshed opportunistically
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO machines (id, client_id, fingerprint, hostname, os, is_active, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (client_id, fingerprint) DO UPDATE SET
			hostname  = EXCLUDED.hostname,
			os        = EXCLUDED.os,
			last_seen = GREATEST(machines.last_seen, EXCLUDED.last_seen)
		RETURNING id, client_id, hostname, os, fingerprint, is_active, registered_at, last_seen`,
		uuid.New(), clientID, fingerprint, hostname, osName, seenAt)

	return scanMachine(row)
}

func scanMachine(row sqlx.ColScanner) (*model.Machine, error) {
	m := model.Machine{}
	var lastSeen sql.NullTime
	err := row.Scan(&m.ID, &m.ClientID, &m.Hostname, &m.OS, &m.Fingerprint, &m.IsActive, &m.RegisteredAt, &lastSeen)
	if err != nil {
		return nil, classify(err)
	}
	m.LastSeen = timePtr(lastSeen)
	return &m, nil
}

const machineColumns = `id, client_id, hostname, os, fingerprint, is_active, registered_at, last_seen`

func (s *pgStore) ListMachines(ctx context.Context, clientID uuid.UUID) ([]*model.Machine, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE client_id = $1 ORDER BY registered_at`, clientID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectMachines(rows)
}

func (s *pgStore) ListActiveMachines(ctx context.Context) ([]*model.Machine, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE is_active ORDER BY client_id, registered_at`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectMachines(rows)
}

func collectMachines(rows *sqlx.Rows) ([]*model.Machine, error) {
	var out []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (s *pgStore) InsertIngestEvent(ctx context.Context, ev model.IngestEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_events (id, client_id, ingest_id, machine_id, received_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id, ingest_id) DO NOTHING`,
		ev.ID, ev.ClientID, ev.IngestID, ev.MachineID, ev.ReceivedAt, ev.SentAt)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

func (s *pgStore) ApplyIngestBatch(ctx context.Context, clientID, machineID uuid.UUID, sentAt, receivedAt time.Time, metrics []BatchMetric) ([]uuid.UUID, error) {
	instanceIDs := make([]uuid.UUID, 0, len(metrics))

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range metrics {
			def, err := ensureDefinitionTx(ctx, tx, clientID, m.Name, m.Type, m.Unit, false)
			if err != nil {
				return err
			}
			if def.ValueType != m.Type {
				return verrors.Errorf(verrors.Validation, "metric %q is %s, got %s", m.Name, def.ValueType, m.Type)
			}
			if m.Value.Kind != def.ValueType {
				return verrors.Errorf(verrors.Validation, "metric %q carries a %s value, expected %s", m.Name, m.Value.Kind, def.ValueType)
			}

			inst, err := ensureInstanceTx(ctx, tx, machineID, def.ID)
			if err != nil {
				return err
			}
			instanceIDs = append(instanceIDs, inst.ID)

			num, b, str := valueCols(m.Value)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO samples (metric_instance_id, ts, sent_at, value_num, value_bool, value_str)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				inst.ID, receivedAt, sentAt, num, b, str); err != nil {
				return classify(err)
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE metric_instances
				SET last_value_num = $2, last_value_bool = $3, last_value_str = $4, last_value_at = $5
				WHERE id = $1`,
				inst.ID, num, b, str, receivedAt); err != nil {
				return classify(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instanceIDs, nil
}
