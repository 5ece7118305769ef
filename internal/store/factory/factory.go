package factory

import (
	"errors"
	"strings"

	"github.com/remold/remold/internal/store"
	"github.com/remold/remold/internal/store/postgres"
	"github.com/remold/remold/internal/store/sqlite"
)

// Open picks a journal backend from the configured DSN. A "postgres://" or
// "postgresql://" scheme opens the postgres backend; "sqlite://<path>" and
// bare file paths open sqlite. The returned store has not connected yet;
// callers run EnsureSchema before recording.
func Open(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	switch {
	case d == "":
		return nil, errors.New("store: empty DSN")
	case hasScheme(d, "postgres://"), hasScheme(d, "postgresql://"):
		return postgres.New(d)
	case hasScheme(d, "sqlite://"):
		return sqlite.New(d[len("sqlite://"):])
	default:
		return sqlite.New(d)
	}
}

func hasScheme(dsn, scheme string) bool {
	return len(dsn) >= len(scheme) && strings.EqualFold(dsn[:len(scheme)], scheme)
}
