// Package shim is the per-process runtime wrapped around the embedded
// workload. It serves units of work, tracks the request counter and the
// fork-safety latch, reports heartbeats to the monitor, and carries out the
// promotion handshake that turns a warmed worker into the next mold.
package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/remold/remold/internal/ipc"
	"github.com/remold/remold/internal/spawn"
)

// Workload is what an embedding application supplies to run inside each
// worker. ServeUnit handles exactly one unit of work (one request) and should
// bound its own blocking: the shim only looks at the control channel between
// units, never mid-unit.
// ErrNoUnit is returned from ServeUnit by workloads that poll for work, to
// report an idle pass. The pass is not counted as a served unit.
var ErrNoUnit = errors.New("shim: no unit of work")

type Workload interface {
	// ServeUnit handles one unit of work, or returns ErrNoUnit when none
	// arrived. Other errors are contained: a failing unit never disturbs
	// heartbeats or control handling.
	ServeUnit(ctx context.Context) error
	// SnapshotForHandoff returns an opaque warmth blob at promotion time.
	// Return nil when there is nothing worth carrying over.
	SnapshotForHandoff() ([]byte, error)
	// OnFork runs once at process start, before serving. Use it to
	// reinitialize resources that do not survive inheritance, or call
	// MarkForkUnsafe on the shim if that is impossible.
	OnFork(sh *Shim) error
}

// HandoffReceiver is optionally implemented by workloads that can absorb the
// previous mold's warmth snapshot.
type HandoffReceiver interface {
	AbsorbHandoff(data []byte) error
}

// Starter abstracts process creation for the mold role. *spawn.Spawner
// implements it.
type Starter interface {
	StartChild(role string, generation, seq uint64) (int, *ipc.Conn, error)
	StartSibling(generation, seq uint64) (int, *os.File, error)
}

// Options tune shim behavior; zero values get defaults.
type Options struct {
	// HeartbeatEvery sends a heartbeat after this many served units.
	HeartbeatEvery uint64
	// HeartbeatInterval is the periodic heartbeat independent of traffic.
	HeartbeatInterval time.Duration
	Log               *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatEvery == 0 {
		o.HeartbeatEvery = 16
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Shim drives one supervised process.
type Shim struct {
	conn    *ipc.Conn
	wl      Workload
	starter Starter
	id      spawn.Identity
	opts    Options

	count      atomic.Uint64
	forkUnsafe atomic.Bool
	promoted   atomic.Bool
	// lastSent coalesces count-driven heartbeats; atomic because the latch
	// path may heartbeat from a workload goroutine while the serve loop runs.
	lastSent atomic.Uint64
}

func New(conn *ipc.Conn, wl Workload, starter Starter, id spawn.Identity, opts Options) *Shim {
	return &Shim{conn: conn, wl: wl, starter: starter, id: id, opts: opts.withDefaults()}
}

// RequestCount returns the number of units served so far.
func (sh *Shim) RequestCount() uint64 { return sh.count.Load() }

// ForkSafe reports the latch state.
func (sh *Shim) ForkSafe() bool { return !sh.forkUnsafe.Load() }

// MarkForkUnsafe latches this process as unusable as a fork template for the
// rest of its life. Irreversible; reported with the next heartbeat. Called by
// the workload when it starts background threads or opens resources that do
// not survive template duplication.
func (sh *Shim) MarkForkUnsafe() {
	if !sh.forkUnsafe.Swap(true) {
		sh.opts.Log.Warn("fork-safety latch tripped", "seq", sh.id.Seq)
		_ = sh.sendHeartbeat()
	}
}

type inbound struct {
	msg   ipc.Message
	files []*os.File
	err   error
}

// Run executes the role this process was spawned for and returns when the
// process should exit. ErrClosed from the control channel means the monitor
// is gone; the process exits rather than run unsupervised.
func (sh *Shim) Run(ctx context.Context) error {
	if err := sh.wl.OnFork(sh); err != nil {
		sh.opts.Log.Error("workload fork hook failed, latching fork-unsafe", "error", err)
		sh.MarkForkUnsafe()
	}

	in := make(chan inbound)
	go func() {
		for {
			msg, files, err := sh.conn.Recv()
			in <- inbound{msg: msg, files: files, err: err}
			if err != nil {
				return
			}
		}
	}()

	if err := sh.conn.Send(ipc.Message{Type: ipc.MsgReady, Seq: sh.id.Seq, Generation: sh.id.Generation}); err != nil {
		return fmt.Errorf("shim: report ready: %w", err)
	}

	if sh.id.Role == spawn.RoleMold {
		sh.promoted.Store(false)
		return sh.moldLoop(ctx, in)
	}
	return sh.serveLoop(ctx, in)
}

// serveLoop is the worker body: serve units, heartbeat, obey control.
func (sh *Shim) serveLoop(ctx context.Context, in chan inbound) error {
	tick := time.NewTicker(sh.opts.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return sh.exitTerminated(nil)
		case ev := <-in:
			done, err := sh.handleWorkerMsg(ctx, in, ev)
			if done || err != nil {
				return err
			}
			continue
		case <-tick.C:
			if err := sh.sendHeartbeat(); err != nil {
				return err
			}
			continue
		default:
		}

		if err := sh.wl.ServeUnit(ctx); err != nil {
			if errors.Is(err, ErrNoUnit) {
				continue
			}
			if ctx.Err() != nil {
				return sh.exitTerminated(nil)
			}
			// Workload errors are contained by the process boundary. Count
			// the unit anyway; the counter measures warmth, not success.
			sh.opts.Log.Debug("workload unit failed", "error", err)
		}
		n := sh.count.Add(1)
		if n-sh.lastSent.Load() >= sh.opts.HeartbeatEvery {
			if err := sh.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

func (sh *Shim) handleWorkerMsg(ctx context.Context, in chan inbound, ev inbound) (done bool, err error) {
	if ev.err != nil {
		if errors.Is(ev.err, ipc.ErrClosed) {
			sh.opts.Log.Error("monitor channel closed, exiting")
			return true, ev.err
		}
		return true, fmt.Errorf("shim: control recv: %w", ev.err)
	}
	switch ev.msg.Type {
	case ipc.MsgPromoteRequest:
		// We are between units, which is the safe boundary the handshake
		// requires. Snapshot, acknowledge, and take over as mold.
		var handoff []byte
		if b, serr := sh.wl.SnapshotForHandoff(); serr != nil {
			sh.opts.Log.Warn("handoff snapshot failed, promoting without warmth", "error", serr)
		} else {
			handoff = b
		}
		_ = sh.sendHeartbeat()
		if err := sh.conn.Send(ipc.Message{Type: ipc.MsgPromoteAck, Seq: sh.id.Seq, Handoff: handoff}); err != nil {
			return true, fmt.Errorf("shim: promote ack: %w", err)
		}
		sh.promoted.Store(true)
		sh.opts.Log.Info("promoted to mold", "seq", sh.id.Seq, "requests", sh.count.Load())
		return true, sh.moldLoop(ctx, in)
	case ipc.MsgShutdown:
		sh.opts.Log.Info("shutting down", "seq", sh.id.Seq, "grace", ev.msg.Grace)
		return true, sh.exitTerminated(nil)
	case ipc.MsgWarmth:
		if r, ok := sh.wl.(HandoffReceiver); ok && len(ev.msg.Handoff) > 0 {
			if aerr := r.AbsorbHandoff(ev.msg.Handoff); aerr != nil {
				sh.opts.Log.Warn("workload rejected handoff", "error", aerr)
			}
		}
	default:
		sh.opts.Log.Warn("unexpected control message", "type", ev.msg.Type.String())
	}
	return false, nil
}

// moldLoop is the mold body. A mold never serves traffic: it exists to keep
// the warmed template resident and to stamp out workers on demand. A mold
// born as the monitor's direct child spawns workers as its own children; a
// promoted mold must use the sibling dance so its workers outlive it.
func (sh *Shim) moldLoop(ctx context.Context, in chan inbound) error {
	// Direct children and sibling intermediates both raise SIGCHLD here;
	// collect them so nothing lingers as a zombie under the mold.
	chld := make(chan os.Signal, 8)
	signal.Notify(chld, spawn.SIGCHLD())
	defer signal.Stop(chld)

	tick := time.NewTicker(sh.opts.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return sh.exitTerminated(nil)
		case <-chld:
			spawn.Reap()
		case <-tick.C:
			if err := sh.sendHeartbeat(); err != nil {
				return err
			}
		case ev := <-in:
			if ev.err != nil {
				if errors.Is(ev.err, ipc.ErrClosed) {
					sh.opts.Log.Error("monitor channel closed, exiting")
					return ev.err
				}
				return fmt.Errorf("shim: control recv: %w", ev.err)
			}
			switch ev.msg.Type {
			case ipc.MsgSpawn:
				sh.spawnWorker(ev.msg.Generation, ev.msg.Seq)
			case ipc.MsgShutdown:
				sh.opts.Log.Info("mold draining", "seq", sh.id.Seq)
				return sh.exitTerminated(nil)
			default:
				sh.opts.Log.Warn("unexpected control message in mold", "type", ev.msg.Type.String())
			}
		}
	}
}

// spawnWorker creates one worker and reports it upward, transferring the
// monitor-side end of the new control channel over our own channel. Spawn
// failures are reported, never fatal: the monitor owns retry policy.
func (sh *Shim) spawnWorker(generation, seq uint64) {
	var (
		pid        int
		monitorEnd *os.File
		err        error
	)
	if sh.promoted.Load() {
		pid, monitorEnd, err = sh.starter.StartSibling(generation, seq)
	} else {
		var cn *ipc.Conn
		pid, cn, err = sh.starter.StartChild(spawn.RoleWorker, generation, seq)
		if err == nil {
			monitorEnd, err = cn.File()
			_ = cn.Close()
		}
	}
	if err != nil {
		sh.opts.Log.Error("worker spawn failed", "seq", seq, "error", err)
		_ = sh.conn.Send(ipc.Message{Type: ipc.MsgSpawned, Seq: seq, Generation: generation, Err: err.Error()})
		return
	}
	defer func() { _ = monitorEnd.Close() }()
	msg := ipc.Message{Type: ipc.MsgSpawned, PID: pid, Seq: seq, Generation: generation}
	if err := sh.conn.Send(msg, int(monitorEnd.Fd())); err != nil {
		sh.opts.Log.Error("failed to hand worker channel to monitor", "error", err)
	}
}

func (sh *Shim) sendHeartbeat() error {
	n := sh.count.Load()
	err := sh.conn.Send(ipc.Message{
		Type:         ipc.MsgHeartbeat,
		Seq:          sh.id.Seq,
		RequestCount: n,
		ForkSafe:     !sh.forkUnsafe.Load(),
	})
	if err != nil {
		if errors.Is(err, ipc.ErrClosed) {
			return err
		}
		return fmt.Errorf("shim: heartbeat: %w", err)
	}
	sh.lastSent.Store(n)
	return nil
}

func (sh *Shim) exitTerminated(cause error) error {
	_ = sh.conn.Send(ipc.Message{Type: ipc.MsgTerminated, Seq: sh.id.Seq})
	_ = sh.conn.Close()
	return cause
}
