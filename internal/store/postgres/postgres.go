package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/remold/remold/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id BIGSERIAL PRIMARY KEY,
			event TEXT NOT NULL,
			seq BIGINT NOT NULL,
			pid INTEGER NOT NULL,
			role TEXT NOT NULL,
			generation BIGINT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_seq ON lifecycle_events(seq);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_occurred ON lifecycle_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordEvent(ctx context.Context, e store.Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(event, seq, pid, role, generation, occurred_at, detail)
		VALUES($1,$2,$3,$4,$5,$6,$7);`,
		string(e.Type), e.Seq, e.PID, e.Role, e.Generation, e.OccurredAt.UTC(), e.Detail)
	return err
}

func (p *DB) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT event, seq, pid, role, generation, occurred_at, detail
		FROM lifecycle_events
		ORDER BY id DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
