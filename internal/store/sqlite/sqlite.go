package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/remold/remold/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// the journal drainer is a single writer, but a reader may overlap
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			seq INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			role TEXT NOT NULL,
			generation INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_seq ON lifecycle_events(seq);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_occurred ON lifecycle_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordEvent(ctx context.Context, e store.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(event, seq, pid, role, generation, occurred_at, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		string(e.Type), e.Seq, e.PID, e.Role, e.Generation, e.OccurredAt.UTC(), e.Detail)
	return err
}

func (s *DB) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event, seq, pid, role, generation, occurred_at, detail
		FROM lifecycle_events
		ORDER BY id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]store.Event, error) {
	out := make([]store.Event, 0)
	for rows.Next() {
		var e store.Event
		var typ string
		if err := rows.Scan(&typ, &e.Seq, &e.PID, &e.Role, &e.Generation, &e.OccurredAt, &e.Detail); err != nil {
			return nil, err
		}
		e.Type = store.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
