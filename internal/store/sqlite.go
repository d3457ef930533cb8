package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/zoptal/abkit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS assignments (
	session_id    TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	user_id       TEXT,
	assigned_at   DATETIME NOT NULL,
	PRIMARY KEY (session_id, experiment_id)
);

CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	experiment_id TEXT NOT NULL,
	variant_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	user_id       TEXT,
	value         REAL NOT NULL DEFAULT 0,
	metadata      TEXT,
	timestamp     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON assignments(experiment_id);
CREATE INDEX IF NOT EXISTS idx_events_experiment_name ON events(experiment_id, name);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, sessionID, experimentID string) (*model.Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, experiment_id, variant_id, COALESCE(user_id, ''), assigned_at
		 FROM assignments WHERE session_id = ? AND experiment_id = ?`,
		sessionID, experimentID,
	)
	var a model.Assignment
	err := row.Scan(&a.SessionID, &a.ExperimentID, &a.VariantID, &a.UserID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get assignment")
	}
	return &a, nil
}

func (s *SQLiteStore) PutAssignment(ctx context.Context, a model.Assignment) error {
	// First write wins: a concurrent writer that lost the race keeps
	// the stored variant.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (session_id, experiment_id, variant_id, user_id, assigned_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, experiment_id) DO NOTHING`,
		a.SessionID, a.ExperimentID, a.VariantID, nullable(a.UserID), a.AssignedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: put assignment")
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, sessionID string) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, experiment_id, variant_id, COALESCE(user_id, ''), assigned_at
		 FROM assignments WHERE session_id = ? ORDER BY assigned_at`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assignments")
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.SessionID, &a.ExperimentID, &a.VariantID, &a.UserID, &a.AssignedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assignment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate assignments")
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev model.ConversionEvent) error {
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
			return eris.Wrap(err, "sqlite: marshal metadata")
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, name, experiment_id, variant_id, session_id, user_id, value, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.ExperimentID, ev.VariantID, ev.SessionID,
		nullable(ev.UserID), ev.Value, metadata, ev.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert event")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ConversionEvent, error) {
	query := `SELECT id, name, experiment_id, variant_id, session_id, COALESCE(user_id, ''), value, metadata, timestamp
	          FROM events WHERE 1=1`
	var args []any

	if filter.ExperimentID != "" {
		query += ` AND experiment_id = ?`
		args = append(args, filter.ExperimentID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY timestamp`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// SQLite requires a LIMIT clause before OFFSET; -1 means no limit.
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var out []model.ConversionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

func scanEvent(rows *sql.Rows) (*model.ConversionEvent, error) {
	var ev model.ConversionEvent
	var metadata sql.NullString
	if err := rows.Scan(&ev.ID, &ev.Name, &ev.ExperimentID, &ev.VariantID,
		&ev.SessionID, &ev.UserID, &ev.Value, &metadata, &ev.Timestamp); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan event")
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	return &ev, nil
}

func (s *SQLiteStore) Summary(ctx context.Context, experimentID string) ([]model.VariantStat, error) {
	// Events are aggregated separately from assignments so a variant
	// with N sessions does not count each event N times.
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.variant_id, a.assignments,
		       COALESCE(e.page_views, 0), COALESCE(e.conversions, 0)
		FROM (
			SELECT variant_id, COUNT(*) AS assignments
			FROM assignments WHERE experiment_id = ?
			GROUP BY variant_id
		) a
		LEFT JOIN (
			SELECT variant_id,
			       SUM(CASE WHEN name = ? THEN 1 ELSE 0 END) AS page_views,
			       SUM(CASE WHEN name NOT IN (?, ?) THEN 1 ELSE 0 END) AS conversions
			FROM events WHERE experiment_id = ?
			GROUP BY variant_id
		) e ON e.variant_id = a.variant_id
		ORDER BY a.variant_id`,
		experimentID, model.EventPageView, model.EventPageView, model.EventAssignment, experimentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summary")
	}
	defer rows.Close()

	var out []model.VariantStat
	for rows.Next() {
		var st model.VariantStat
		if err := rows.Scan(&st.VariantID, &st.Assignments, &st.PageViews, &st.Conversions); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		if st.Assignments > 0 {
			st.Rate = float64(st.Conversions) / float64(st.Assignments)
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate summary")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
