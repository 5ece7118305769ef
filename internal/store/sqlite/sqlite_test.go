package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/remold/remold/internal/store"
)

func TestSQLiteJournal(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	events := []store.Event{
		{Type: store.EventSpawned, Seq: 1, PID: 100, Role: "mold", Generation: 1, OccurredAt: now},
		{Type: store.EventReady, Seq: 1, PID: 100, Role: "mold", Generation: 1, OccurredAt: now.Add(time.Second)},
		{Type: store.EventPromoted, Seq: 3, PID: 102, Role: "mold", Generation: 2, OccurredAt: now.Add(2 * time.Second), Detail: "threshold"},
	}
	for _, e := range events {
		if err := db.RecordEvent(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.Type, err)
		}
	}

	got, err := db.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recent returned %d events, want 2", len(got))
	}
	// newest first
	if got[0].Type != store.EventPromoted || got[0].Generation != 2 || got[0].Detail != "threshold" {
		t.Fatalf("newest event = %+v", got[0])
	}
	if got[1].Type != store.EventReady {
		t.Fatalf("second event = %+v", got[1])
	}

	all, err := db.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("recent default limit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("default limit returned %d events", len(all))
	}
}

func TestSQLiteEmptyPathRejected(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
