package shim

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remold/remold/internal/ipc"
	"github.com/remold/remold/internal/spawn"
)

type fakeWorkload struct {
	served   atomic.Uint64
	unitErr  error
	snapshot []byte
	onFork   func(*Shim) error

	mu       sync.Mutex
	absorbed [][]byte
}

func (w *fakeWorkload) ServeUnit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
	}
	w.served.Add(1)
	return w.unitErr
}

func (w *fakeWorkload) SnapshotForHandoff() ([]byte, error) { return w.snapshot, nil }

func (w *fakeWorkload) OnFork(sh *Shim) error {
	if w.onFork != nil {
		return w.onFork(sh)
	}
	return nil
}

func (w *fakeWorkload) AbsorbHandoff(data []byte) error {
	w.mu.Lock()
	w.absorbed = append(w.absorbed, data)
	w.mu.Unlock()
	return nil
}

func (w *fakeWorkload) handoffs() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.absorbed...)
}

type fakeStarter struct {
	childCalls   atomic.Int32
	siblingCalls atomic.Int32
}

func (s *fakeStarter) StartChild(role string, generation, seq uint64) (int, *ipc.Conn, error) {
	s.childCalls.Add(1)
	local, remote, err := ipc.Pair()
	if err != nil {
		return 0, nil, err
	}
	_ = remote.Close()
	return 4242, local, nil
}

func (s *fakeStarter) StartSibling(generation, seq uint64) (int, *os.File, error) {
	s.siblingCalls.Add(1)
	local, remote, err := ipc.Pair()
	if err != nil {
		return 0, nil, err
	}
	_ = remote.Close()
	f, err := local.File()
	_ = local.Close()
	if err != nil {
		return 0, nil, err
	}
	return 4243, f, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startWorker(t *testing.T, wl *fakeWorkload, st Starter) (monitor *ipc.Conn, done chan error, cancel context.CancelFunc) {
	t.Helper()
	monitor, workerEnd, err := ipc.Pair()
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	sh := New(workerEnd, wl, st, spawn.Identity{Role: spawn.RoleWorker, Seq: 9, Generation: 1}, Options{
		HeartbeatEvery:    1,
		HeartbeatInterval: 10 * time.Millisecond,
		Log:               testLogger(),
	})
	ctx, cancelFn := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- sh.Run(ctx) }()
	return monitor, done, cancelFn
}

// recvUntil reads messages until one matches type want, failing on timeout.
func recvUntil(t *testing.T, c *ipc.Conn, want ipc.MsgType) (ipc.Message, []*os.File) {
	t.Helper()
	result := make(chan struct {
		msg   ipc.Message
		files []*os.File
	}, 1)
	fail := make(chan error, 1)
	go func() {
		for {
			msg, files, err := c.Recv()
			if err != nil {
				fail <- err
				return
			}
			if msg.Type == want {
				result <- struct {
					msg   ipc.Message
					files []*os.File
				}{msg, files}
				return
			}
		}
	}()
	select {
	case r := <-result:
		return r.msg, r.files
	case err := <-fail:
		t.Fatalf("channel error while waiting for %v: %v", want, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
	return ipc.Message{}, nil
}

func TestWorkerReportsReadyThenMonotonicHeartbeats(t *testing.T) {
	wl := &fakeWorkload{}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	msg, _ := recvUntil(t, monitor, ipc.MsgReady)
	if msg.Seq != 9 || msg.Generation != 1 {
		t.Fatalf("ready carries wrong identity: %+v", msg)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		hb, _ := recvUntil(t, monitor, ipc.MsgHeartbeat)
		if hb.RequestCount < last {
			t.Fatalf("request counter moved backwards: %d -> %d", last, hb.RequestCount)
		}
		if !hb.ForkSafe {
			t.Fatalf("fresh worker reported fork-unsafe")
		}
		last = hb.RequestCount
	}
	if last == 0 {
		t.Fatalf("no units served")
	}
}

func TestWorkloadErrorsAreContained(t *testing.T) {
	wl := &fakeWorkload{unitErr: errors.New("boom")}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	recvUntil(t, monitor, ipc.MsgReady)
	// Heartbeats keep flowing and the counter keeps climbing even though
	// every unit fails.
	hb1, _ := recvUntil(t, monitor, ipc.MsgHeartbeat)
	var hb2 ipc.Message
	for i := 0; i < 20; i++ {
		hb2, _ = recvUntil(t, monitor, ipc.MsgHeartbeat)
		if hb2.RequestCount > hb1.RequestCount {
			return
		}
	}
	t.Fatalf("counter stalled at %d despite failing units", hb2.RequestCount)
}

func TestIdlePassesAreNotCounted(t *testing.T) {
	wl := &fakeWorkload{unitErr: ErrNoUnit}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	recvUntil(t, monitor, ipc.MsgReady)
	for i := 0; i < 3; i++ {
		hb, _ := recvUntil(t, monitor, ipc.MsgHeartbeat)
		if hb.RequestCount != 0 {
			t.Fatalf("idle worker counted %d units", hb.RequestCount)
		}
	}
	if wl.served.Load() == 0 {
		t.Fatalf("workload never polled")
	}
}

func TestForkUnsafeLatchReported(t *testing.T) {
	wl := &fakeWorkload{onFork: func(sh *Shim) error {
		sh.MarkForkUnsafe()
		return nil
	}}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	recvUntil(t, monitor, ipc.MsgReady)
	hb, _ := recvUntil(t, monitor, ipc.MsgHeartbeat)
	if hb.ForkSafe {
		t.Fatalf("latched worker still reports fork-safe")
	}
}

func TestLatchFromBackgroundGoroutineMidServe(t *testing.T) {
	var sh atomic.Pointer[Shim]
	wl := &fakeWorkload{onFork: func(s *Shim) error {
		sh.Store(s)
		return nil
	}}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	recvUntil(t, monitor, ipc.MsgReady)
	recvUntil(t, monitor, ipc.MsgHeartbeat)

	// the workload docs invite latching from anywhere, so trip it while the
	// serve loop is mid-flight and its heartbeats race ours
	go sh.Load().MarkForkUnsafe()

	deadline := time.Now().Add(2 * time.Second)
	for {
		hb, _ := recvUntil(t, monitor, ipc.MsgHeartbeat)
		if !hb.ForkSafe {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("latch never surfaced in heartbeats")
		}
	}
}

func TestPromotionHandshakeAndSiblingSpawn(t *testing.T) {
	st := &fakeStarter{}
	wl := &fakeWorkload{snapshot: []byte("warm-cache")}
	monitor, done, cancel := startWorker(t, wl, st)
	defer func() { cancel(); _ = monitor.Close() }()

	recvUntil(t, monitor, ipc.MsgReady)
	if err := monitor.Send(ipc.Message{Type: ipc.MsgPromoteRequest}); err != nil {
		t.Fatalf("send promote: %v", err)
	}
	ack, _ := recvUntil(t, monitor, ipc.MsgPromoteAck)
	if string(ack.Handoff) != "warm-cache" {
		t.Fatalf("promote ack lost handoff: %q", ack.Handoff)
	}

	// The promoted mold must use the sibling dance, and the new worker's
	// channel end must arrive as an attached descriptor.
	if err := monitor.Send(ipc.Message{Type: ipc.MsgSpawn, Generation: 2, Seq: 30}); err != nil {
		t.Fatalf("send spawn: %v", err)
	}
	spawned, files := recvUntil(t, monitor, ipc.MsgSpawned)
	if spawned.Err != "" {
		t.Fatalf("spawn reported failure: %s", spawned.Err)
	}
	if spawned.PID != 4243 || spawned.Seq != 30 {
		t.Fatalf("unexpected spawned report: %+v", spawned)
	}
	if len(files) != 1 {
		t.Fatalf("expected the worker channel descriptor, got %d files", len(files))
	}
	for _, f := range files {
		_ = f.Close()
	}
	if st.siblingCalls.Load() != 1 || st.childCalls.Load() != 0 {
		t.Fatalf("promoted mold used wrong spawn path: child=%d sibling=%d", st.childCalls.Load(), st.siblingCalls.Load())
	}

	if err := monitor.Send(ipc.Message{Type: ipc.MsgShutdown, Grace: time.Second}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	recvUntil(t, monitor, ipc.MsgTerminated)
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestShutdownSendsTerminated(t *testing.T) {
	wl := &fakeWorkload{}
	monitor, done, _ := startWorker(t, wl, &fakeStarter{})
	defer func() { _ = monitor.Close() }()

	recvUntil(t, monitor, ipc.MsgReady)
	if err := monitor.Send(ipc.Message{Type: ipc.MsgShutdown, Grace: time.Second}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	recvUntil(t, monitor, ipc.MsgTerminated)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shim did not exit after shutdown")
	}
}

func TestWarmthDeliveredToWorkload(t *testing.T) {
	wl := &fakeWorkload{}
	monitor, done, cancel := startWorker(t, wl, &fakeStarter{})
	defer func() { cancel(); _ = monitor.Close(); <-done }()

	recvUntil(t, monitor, ipc.MsgReady)
	if err := monitor.Send(ipc.Message{Type: ipc.MsgWarmth, Handoff: []byte("jit-state")}); err != nil {
		t.Fatalf("send warmth: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := wl.handoffs(); len(got) > 0 {
			if string(got[0]) != "jit-state" {
				t.Fatalf("handoff corrupted: %q", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workload never absorbed the handoff")
}

func TestMonitorDeathStopsWorker(t *testing.T) {
	wl := &fakeWorkload{}
	monitor, done, _ := startWorker(t, wl, &fakeStarter{})

	recvUntil(t, monitor, ipc.MsgReady)
	_ = monitor.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ipc.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker kept running after monitor death")
	}
}
