package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Recorder decouples journal writes from the caller: events go into a
// buffered queue and a background goroutine drains them to the backing
// store. When the queue is full the event is dropped and counted, never
// blocked on; the journal is observational and must not stall supervision.
type Recorder struct {
	st      Store
	queue   chan Event
	done    chan struct{}
	log     *slog.Logger
	dropped atomic.Int64
}

func NewRecorder(st Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		st:    st,
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
		log:   log,
	}
	go r.drain()
	return r
}

// Record enqueues one event. Safe for concurrent use; never blocks.
func (r *Recorder) Record(e Event) {
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.log.Warn("journal queue full, event dropped", "type", string(e.Type))
	}
}

// Dropped reports how many events were lost to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.st.RecordEvent(ctx, e); err != nil {
			r.log.Warn("journal write failed", "type", string(e.Type), "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and closes the backing store.
func (r *Recorder) Close() error {
	close(r.queue)
	<-r.done
	return r.st.Close()
}
