package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/zoptal/abkit/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock
// implements it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// preparedStatements lists queries to prepare on each new connection
// for the hot paths (assignment lookup and event insert).
var preparedStatements = map[string]string{
	"get_assignment": `SELECT session_id, experiment_id, variant_id, COALESCE(user_id, ''), assigned_at
	                   FROM assignments WHERE session_id = $1 AND experiment_id = $2`,
	"put_assignment": `INSERT INTO assignments (session_id, experiment_id, variant_id, user_id, assigned_at)
	                   VALUES ($1, $2, $3, $4, $5)
	                   ON CONFLICT (session_id, experiment_id) DO NOTHING`,
	"insert_event": `INSERT INTO events (id, name, experiment_id, variant_id, session_id, user_id, value, metadata, timestamp)
	                 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assignments (
	session_id    TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	user_id       TEXT,
	assigned_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, experiment_id)
);

CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	user_id       TEXT,
	value         DOUBLE PRECISION NOT NULL DEFAULT 0,
	metadata      JSONB,
	timestamp     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON assignments(experiment_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment_name ON events(experiment_id, name);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, sessionID, experimentID string) (*model.Assignment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, experiment_id, variant_id, COALESCE(user_id, ''), assigned_at
		 FROM assignments WHERE session_id = $1 AND experiment_id = $2`,
		sessionID, experimentID,
	)
	var a model.Assignment
	err := row.Scan(&a.SessionID, &a.ExperimentID, &a.VariantID, &a.UserID, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get assignment")
	}
	return &a, nil
}

func (s *PostgresStore) PutAssignment(ctx context.Context, a model.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (session_id, experiment_id, variant_id, user_id, assigned_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, experiment_id) DO NOTHING`,
		a.SessionID, a.ExperimentID, a.VariantID, nullable(a.UserID), a.AssignedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: put assignment")
}

func (s *PostgresStore) ListAssignments(ctx context.Context, sessionID string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, experiment_id, variant_id, COALESCE(user_id, ''), assigned_at
		 FROM assignments WHERE session_id = $1 ORDER BY assigned_at`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assignments")
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.SessionID, &a.ExperimentID, &a.VariantID, &a.UserID, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate assignments")
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev model.ConversionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var metadata any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal metadata")
		}
		metadata = string(b)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, name, experiment_id, variant_id, session_id, user_id, value, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.Name, ev.ExperimentID, ev.VariantID, ev.SessionID,
		nullable(ev.UserID), ev.Value, metadata, ev.Timestamp.UTC(),
	)
	return eris.Wrap(err, "postgres: insert event")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ConversionEvent, error) {
	query := `SELECT id, name, experiment_id, variant_id, session_id, COALESCE(user_id, ''), value, COALESCE(metadata::text, ''), timestamp
	          FROM events WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.ExperimentID != "" {
		query += ` AND experiment_id = ` + arg(filter.ExperimentID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ` + arg(filter.SessionID)
	}
	if filter.Name != "" {
		query += ` AND name = ` + arg(filter.Name)
	}
	query += ` ORDER BY timestamp`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.ConversionEvent
	for rows.Next() {
		var ev model.ConversionEvent
		var metadata string
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.ExperimentID, &ev.VariantID,
			&ev.SessionID, &ev.UserID, &ev.Value, &metadata, &ev.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal metadata")
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate events")
}

func (s *PostgresStore) Summary(ctx context.Context, experimentID string) ([]model.VariantStat, error) {
	// Events are aggregated separately from assignments so a variant
	// with N sessions does not count each event N times.
	rows, err := s.pool.Query(ctx, `
		SELECT a.variant_id, a.assignments,
		       COALESCE(e.page_views, 0), COALESCE(e.conversions, 0)
		FROM (
			SELECT variant_id, COUNT(*) AS assignments
			FROM assignments WHERE experiment_id = $1
			GROUP BY variant_id
		) a
		LEFT JOIN (
			SELECT variant_id,
			       SUM(CASE WHEN name = $2 THEN 1 ELSE 0 END) AS page_views,
			       SUM(CASE WHEN name NOT IN ($2, $3) THEN 1 ELSE 0 END) AS conversions
			FROM events WHERE experiment_id = $1
			GROUP BY variant_id
		) e ON e.variant_id = a.variant_id
		ORDER BY a.variant_id`,
		experimentID, model.EventPageView, model.EventAssignment,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summary")
	}
	defer rows.Close()

	var out []model.VariantStat
	for rows.Next() {
		var st model.VariantStat
		if err := rows.Scan(&st.VariantID, &st.Assignments, &st.PageViews, &st.Conversions); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		if st.Assignments > 0 {
			st.Rate = float64(st.Conversions) / float64(st.Assignments)
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate summary")
}
