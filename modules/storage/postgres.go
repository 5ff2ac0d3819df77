package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/util/log"
	"github.com/vigilhq/vigil/pkg/verrors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pgUniqueViolation is the Postgres error code for unique constraint
// violations. The incident open path depends on it as the conflict oracle.
const pgUniqueViolation = "23505"

type pgStore struct {
	db *sqlx.DB
}

var _ Store = (*pgStore)(nil)

// NewPostgres opens the database and optionally runs migrations. A schema
// mismatch is fatal and prevents startup.
func NewPostgres(cfg PostgresConfig) (Store, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, verrors.E(verrors.Fatal, fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, verrors.E(verrors.Fatal, fmt.Errorf("failed to ping database: %w", err))
	}

	if cfg.Migrate {
		goose.SetBaseFS(migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, verrors.E(verrors.Fatal, err)
		}
		if err := goose.Up(db.DB, "migrations"); err != nil {
			return nil, verrors.E(verrors.Fatal, fmt.Errorf("failed to run migrations: %w", err))
		}
		level.Info(log.Logger).Log("msg", "database migrations applied")
	}

	return &pgStore{db: db}, nil
}

// NewPostgresWithDB wraps an existing connection. Used by tests with sqlmock.
func NewPostgresWithDB(db *sqlx.DB) Store {
	return &pgStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// classify maps driver errors to the error taxonomy. Anything that is not a
// recognized terminal condition counts as transient so workers retry it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return verrors.E(verrors.NotFound, err)
	}
	if isUniqueViolation(err) {
		return verrors.E(verrors.Conflict, err)
	}
	return verrors.E(verrors.Transient, err)
}

// WithSubjectLock takes a session-level advisory lock on a dedicated
// connection, runs fn, then releases the lock. This serializes incident state
// transitions per subject across all processes sharing the database.
func (s *pgStore) WithSubjectLock(ctx context.Context, subject model.Subject, fn func(context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = conn.Close() }()

	key := subject.LockKey()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return classify(err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			level.Warn(log.Logger).Log("msg", "failed to release advisory lock", "subject", subject.Key(), "err", err)
		}
	}()

	return fn(ctx)
}

func (s *pgStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// value column helpers: every typed value is stored across three nullable
// columns, exactly one of them set according to the definition kind.

func valueCols(v model.Value) (num sql.NullFloat64, b sql.NullBool, str sql.NullString) {
	switch v.Kind {
	case model.KindNumber:
		num = sql.NullFloat64{Float64: v.Num, Valid: true}
	case model.KindBool:
		b = sql.NullBool{Bool: v.Bool, Valid: true}
	case model.KindString:
		str = sql.NullString{String: v.Str, Valid: true}
	}
	return
}

func valueFromCols(kind model.ValueKind, num sql.NullFloat64, b sql.NullBool, str sql.NullString) model.Value {
	switch kind {
	case model.KindNumber:
		return model.NumberValue(num.Float64)
	case model.KindBool:
		return model.BoolValue(b.Bool)
	default:
		return model.StringValue(str.String)
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
