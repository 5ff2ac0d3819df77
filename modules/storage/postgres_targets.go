package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

const targetColumns = `id, client_id, name, url, method, accepted_status_codes, timeout_ms, check_interval_s,
	is_active, last_check_at, last_status, last_latency_ms, state, critical_since, consecutive_failures`

func scanTarget(row sqlx.ColScanner) (*model.HTTPTarget, error) {
	t := model.HTTPTarget{}
	var codes []byte
	var lastCheckAt, criticalSince sql.NullTime
	var lastStatus, lastLatency sql.NullInt64
	err := row.Scan(&t.ID, &t.ClientID, &t.Name, &t.URL, &t.Method, &codes, &t.TimeoutMS, &t.CheckIntervalS,
		&t.IsActive, &lastCheckAt, &lastStatus, &lastLatency, &t.State, &criticalSince, &t.ConsecutiveFailures)
	if err != nil {
		return nil, classify(err)
	}
	if err := json.Unmarshal(codes, &t.AcceptedStatusCodes); err != nil {
		return nil, verrors.E(verrors.Invariant, err)
	}
	t.LastCheckAt = timePtr(lastCheckAt)
	t.LastStatus = intPtr(lastStatus)
	t.LastLatencyMS = intPtr(lastLatency)
	t.CriticalSince = timePtr(criticalSince)
	return &t, nil
}

func acceptedCodesJSON(codes []int) ([]byte, error) {
	if len(codes) == 0 {
		codes = []int{200}
	}
	return json.Marshal(codes)
}

func (s *pgStore) CreateHTTPTarget(ctx context.Context, t *model.HTTPTarget) (*model.HTTPTarget, error) {
	codes, err := acceptedCodesJSON(t.AcceptedStatusCodes)
	if err != nil {
		return nil, verrors.E(verrors.Invariant, err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO http_targets (id, client_id, name, url, method, accepted_status_codes, timeout_ms, check_interval_s, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+targetColumns,
		t.ID, t.ClientID, t.Name, t.URL, t.Method, codes, t.TimeoutMS, t.CheckIntervalS, t.IsActive)

	created, err := scanTarget(row)
	if err != nil {
		if verrors.Is(err, verrors.Conflict) {
			if existing, lookupErr := s.getTargetByURL(ctx, t.ClientID, t.URL); lookupErr == nil {
				return existing, err
			}
		}
		return nil, err
	}
	return created, nil
}

// getTargetByURL resolves the existing row behind a url uniqueness conflict so
// the API can report existing_id.
func (s *pgStore) getTargetByURL(ctx context.Context, clientID uuid.UUID, url string) (*model.HTTPTarget, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+targetColumns+` FROM http_targets WHERE client_id = $1 AND url = $2`, clientID, url)
	return scanTarget(row)
}

func (s *pgStore) UpdateHTTPTarget(ctx context.Context, t *model.HTTPTarget) error {
	codes, err := acceptedCodesJSON(t.AcceptedStatusCodes)
	if err != nil {
		return verrors.E(verrors.Invariant, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE http_targets
		SET name = $3, url = $4, method = $5, accepted_status_codes = $6, timeout_ms = $7, check_interval_s = $8, is_active = $9
		WHERE id = $1 AND client_id = $2`,
		t.ID, t.ClientID, t.Name, t.URL, t.Method, codes, t.TimeoutMS, t.CheckIntervalS, t.IsActive)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, verrors.Errorf(verrors.NotFound, "http target %s not found", t.ID))
}

func (s *pgStore) DeleteHTTPTarget(ctx context.Context, clientID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM http_targets WHERE id = $1 AND client_id = $2`, id, clientID)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, verrors.Errorf(verrors.NotFound, "http target %s not found", id))
}

func (s *pgStore) GetHTTPTarget(ctx context.Context, id uuid.UUID) (*model.HTTPTarget, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT `+targetColumns+` FROM http_targets WHERE id = $1`, id)
	return scanTarget(row)
}

func (s *pgStore) ListHTTPTargets(ctx context.Context, clientID uuid.UUID) ([]*model.HTTPTarget, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT `+targetColumns+` FROM http_targets WHERE client_id = $1 ORDER BY name, id`, clientID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectTargets(rows)
}

// DueHTTPTargets returns active targets whose check interval has elapsed since
// the last check. Never-checked targets are always due.
func (s *pgStore) DueHTTPTargets(ctx context.Context, now time.Time) ([]*model.HTTPTarget, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+targetColumns+`
		FROM http_targets
		WHERE is_active
		  AND (last_check_at IS NULL OR last_check_at + make_interval(secs => check_interval_s) <= $1)
		ORDER BY last_check_at NULLS FIRST, id`, now)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return collectTargets(rows)
}

func collectTargets(rows *sqlx.Rows) ([]*model.HTTPTarget, error) {
	var out []*model.HTTPTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

func (s *pgStore) RecordProbeResult(ctx context.Context, id uuid.UUID, at time.Time, status, latencyMS int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE http_targets
		SET last_check_at = $2, last_status = $3, last_latency_ms = $4
		WHERE id = $1`,
		id, at, status, latencyMS)
	return classify(err)
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
