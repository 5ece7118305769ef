// Package clickhouse is the native-protocol ClickHouse sink for lifecycle
// events. It speaks the binary protocol through the official client; the
// HTTP JSONEachRow variant lives in the parent history package.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/remold/remold/internal/store"
)

type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to a native-protocol endpoint ("host:9000") and verifies the
// connection with a ping before returning.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: "default", Username: "default"},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open %s: %w", addr, err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping %s: %w", addr, err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the events table when it does not exist yet.
func (s *Sink) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event String,
		seq UInt64,
		pid Int32,
		role String,
		generation UInt64,
		occurred_at DateTime64(3),
		detail String
	) ENGINE = MergeTree() ORDER BY (occurred_at, seq)`, s.table)
	return s.conn.Exec(ctx, query)
}

func (s *Sink) Send(ctx context.Context, e store.Event) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (event, seq, pid, role, generation, occurred_at, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	err := s.conn.Exec(ctx, query,
		string(e.Type), e.Seq, int32(e.PID), e.Role, e.Generation, e.OccurredAt, e.Detail)
	if err != nil {
		return fmt.Errorf("clickhouse: insert event: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
