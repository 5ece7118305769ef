// Package history exports lifecycle events to analytics systems. Unlike the
// journal in store, sinks are fire-and-forget: a failing sink never affects
// supervision and is only logged.
package history

import (
	"context"

	"github.com/remold/remold/internal/store"
)

// Sink is a destination for lifecycle events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e store.Event) error
}

// Fanout delivers each event to every sink, collecting the first error.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e store.Event) error {
	var first error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
