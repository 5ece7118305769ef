// Package monitor implements the root coordinator: it owns the process
// registry, multiplexes every control channel and OS signal into a single
// coordination loop, reaps exits as the process-tree subreaper, and drives
// the promotion engine that turns warmed workers into the next generation's
// mold. The monitor never serves traffic itself.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remold/remold/internal/ipc"
	"github.com/remold/remold/internal/metrics"
	"github.com/remold/remold/internal/registry"
	"github.com/remold/remold/internal/spawn"
	"github.com/remold/remold/internal/store"
)

// Starter abstracts direct-child creation; *spawn.Spawner implements it.
// Sibling creation happens inside molds, never here.
type Starter interface {
	StartChild(role string, generation, seq uint64) (int, *ipc.Conn, error)
}

// Config tunes the supervisor.
type Config struct {
	// Workers is the target pool size per generation.
	Workers int
	// PromoteThreshold is the request count at which the first promotion
	// fires; it grows by PromoteGrowth after every successful promotion so a
	// long-lived pool promotes less and less often.
	PromoteThreshold uint64
	PromoteGrowth    float64
	// PromoteTimeout bounds how long a candidate may sit on a
	// PromoteRequest before the attempt moves to the next candidate.
	PromoteTimeout time.Duration
	// ShutdownGrace is how long a process gets between Shutdown and SIGKILL.
	ShutdownGrace time.Duration
	// SpawnRetry is the backoff after a failed spawn.
	SpawnRetry time.Duration
	// Tick is the coordination loop's timer granularity.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = 1000
	}
	if c.PromoteGrowth < 1 {
		c.PromoteGrowth = 2
	}
	if c.PromoteTimeout <= 0 {
		c.PromoteTimeout = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.SpawnRetry <= 0 {
		c.SpawnRetry = 500 * time.Millisecond
	}
	if c.Tick <= 0 {
		c.Tick = 50 * time.Millisecond
	}
	return c
}

type event interface{ monitorEvent() }

type evInbound struct {
	seq   uint64
	msg   ipc.Message
	files []*os.File
}

type evClosed struct{ seq uint64 }

type evPromote struct{}

type evShutdown struct{ done chan struct{} }

func (evInbound) monitorEvent()  {}
func (evClosed) monitorEvent()   {}
func (evPromote) monitorEvent()  {}
func (evShutdown) monitorEvent() {}

// Monitor is the root coordinator process's supervision core.
type Monitor struct {
	cfg     Config
	reg     *registry.Registry
	starter Starter
	log     *slog.Logger
	eng     *engine

	events chan event

	// OS hooks, swappable in tests.
	subreap func() error
	kill    func(pid int)
	reap    func() []spawn.Exit
	sweep   func() ([]int, error)

	// journal callback; nil disables recording
	record func(store.Event)

	stopping atomic.Bool

	// observability mirrors, readable without touching loop-owned state
	generation atomic.Uint64
	phaseName  atomic.Value // string
	degraded   atomic.Bool
	attempted  atomic.Uint64
	succeeded  atomic.Uint64
	aborted    atomic.Uint64
}

// New builds a monitor around cfg and starter.
func New(cfg Config, starter Starter) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		reg:     registry.New(),
		starter: starter,
		log:     slog.Default(),
		events:  make(chan event, 256),
		subreap: spawn.Subreap,
		kill:    spawn.Kill,
		reap:    spawn.Reap,
		sweep:   spawn.ChildPIDs,
	}
	m.phaseName.Store("booting")
	m.eng = newEngine(m)
	return m
}

// SetLogger replaces the default logger. Call before Run.
func (m *Monitor) SetLogger(l *slog.Logger) { m.log = l }

// SetRecorder installs a journal callback invoked for every lifecycle event.
// Call before Run. The callback must not block the coordination loop.
func (m *Monitor) SetRecorder(fn func(store.Event)) { m.record = fn }

// Registry exposes the process registry for read-only observability use.
func (m *Monitor) Registry() *registry.Registry { return m.reg }

// Status is a point-in-time observability snapshot.
type Status struct {
	Generation          uint64            `json:"generation"`
	Phase               string            `json:"phase"`
	Degraded            bool              `json:"degraded"`
	PromotionsAttempted uint64            `json:"promotions_attempted"`
	PromotionsSucceeded uint64            `json:"promotions_succeeded"`
	PromotionsAborted   uint64            `json:"promotions_aborted"`
	Processes           []registry.Record `json:"-"`
}

func (m *Monitor) Status() Status {
	return Status{
		Generation:          m.generation.Load(),
		Phase:               m.phaseName.Load().(string),
		Degraded:            m.degraded.Load(),
		PromotionsAttempted: m.attempted.Load(),
		PromotionsSucceeded: m.succeeded.Load(),
		PromotionsAborted:   m.aborted.Load(),
		Processes:           m.reg.Snapshot(),
	}
}

// TriggerPromote requests a manual promotion, bypassing the threshold.
func (m *Monitor) TriggerPromote() {
	select {
	case m.events <- evPromote{}:
	default:
	}
}

// Shutdown asks the running coordination loop to drain the pool and return.
func (m *Monitor) Shutdown() <-chan struct{} {
	done := make(chan struct{})
	select {
	case m.events <- evShutdown{done: done}:
	default:
		close(done)
	}
	return done
}

// Run executes the coordination loop until ctx is canceled or Shutdown is
// requested. Marking ourselves subreaper before the first spawn is a hard
// startup invariant: without it, sibling-spawned workers fall to pid 1.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.subreap(); err != nil {
		return fmt.Errorf("monitor: subreaper registration: %w", err)
	}
	m.sweepLeftovers()

	chld := make(chan os.Signal, 16)
	signal.Notify(chld, spawn.SIGCHLD())
	defer signal.Stop(chld)
	usr := make(chan os.Signal, 4)
	signal.Notify(usr, unix.SIGUSR1)
	defer signal.Stop(usr)

	m.eng.start(time.Now())

	tick := time.NewTicker(m.cfg.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-chld:
			m.handleExits(m.reap())
		case <-usr:
			m.eng.forcePromote(time.Now())
		case ev := <-m.events:
			switch e := ev.(type) {
			case evInbound:
				m.handleMessage(e)
			case evClosed:
				m.handleClosed(e.seq)
			case evPromote:
				m.eng.forcePromote(time.Now())
			case evShutdown:
				m.stopAll()
				close(e.done)
				return nil
			}
		case now := <-tick.C:
			m.eng.tick(now)
		}
	}
}

// sweepLeftovers terminates children inherited from a previous incarnation.
// The registry needs no persistence: anything alive under us that we did not
// spawn this run is, by definition, stale.
func (m *Monitor) sweepLeftovers() {
	pids, err := m.sweep()
	if err != nil {
		m.log.Warn("process tree sweep failed", "error", err)
		return
	}
	for _, pid := range pids {
		m.log.Warn("terminating leftover child from previous run", "pid", pid)
		m.kill(pid)
	}
	if len(pids) > 0 {
		m.handleExits(m.reap())
	}
}

// watch pumps one control channel into the coordination loop.
func (m *Monitor) watch(seq uint64, c *ipc.Conn) {
	go func() {
		for {
			msg, files, err := c.Recv()
			if err != nil {
				if !errors.Is(err, ipc.ErrClosed) {
					// A malformed frame means the protocol state is corrupt;
					// a corrupted registry is worse than a restart.
					panic(fmt.Sprintf("monitor: protocol corruption on channel seq %d: %v", seq, err))
				}
				m.events <- evClosed{seq: seq}
				return
			}
			m.events <- evInbound{seq: seq, msg: msg, files: files}
		}
	}()
}

func (m *Monitor) handleMessage(e evInbound) {
	defer closeFiles(e.files)
	switch e.msg.Type {
	case ipc.MsgHeartbeat:
		m.reg.ApplyHeartbeat(e.seq, e.msg.RequestCount, e.msg.ForkSafe)
		if rec, ok := m.reg.Get(e.seq); ok {
			metrics.SetRequestCount(rec.Seq, rec.Role.String(), rec.RequestCount)
			metrics.SetForkSafe(rec.Seq, rec.ForkSafe)
		}
	case ipc.MsgReady:
		if err := m.reg.SetState(e.seq, registry.StateReady); err != nil {
			m.log.Warn("ready from unknown process", "seq", e.seq)
			return
		}
		rec, _ := m.reg.Get(e.seq)
		m.log.Info("process ready", "seq", e.seq, "pid", rec.PID, "role", rec.Role.String(), "generation", rec.Generation)
		m.journal(store.EventReady, rec, "")
		m.eng.onReady(time.Now(), e.seq)
	case ipc.MsgSpawned:
		m.handleSpawned(e)
	case ipc.MsgPromoteAck:
		m.eng.onPromoteAck(time.Now(), e.seq, e.msg.Handoff)
	case ipc.MsgTerminated:
		m.retire(e.seq, "terminated cleanly")
	default:
		m.log.Warn("unexpected control message", "seq", e.seq, "type", e.msg.Type.String())
	}
}

// handleSpawned adopts a process spawned by a mold. The new process is not
// our child in any exec.Cmd sense; its channel arrives as a transferred
// descriptor and its exit will arrive through the subreaper's reap loop.
func (m *Monitor) handleSpawned(e evInbound) {
	msg := e.msg
	if msg.Err != "" {
		m.log.Warn("mold reported spawn failure", "seq", msg.Seq, "error", msg.Err)
		m.eng.onSpawnFailed(time.Now(), msg.Seq)
		return
	}
	if len(e.files) != 1 {
		panic(fmt.Sprintf("monitor: spawned report for seq %d carried %d descriptors", msg.Seq, len(e.files)))
	}
	conn, err := ipc.FromFile(e.files[0])
	if err != nil {
		panic(fmt.Sprintf("monitor: adopting channel for seq %d: %v", msg.Seq, err))
	}
	rec, err := m.reg.Add(msg.Seq, msg.PID, registry.RoleWorker, msg.Generation, conn)
	if err != nil {
		// PID collision with a live record is a registry-corruption class
		// problem; fail loudly rather than supervise blind.
		panic(fmt.Sprintf("monitor: adopt seq %d: %v", msg.Seq, err))
	}
	metrics.IncSpawn(registry.RoleWorker.String())
	m.journal(store.EventSpawned, rec, "")
	m.watch(msg.Seq, conn)
	m.eng.onSpawned(time.Now(), msg.Seq, conn)
}

func (m *Monitor) handleClosed(seq uint64) {
	m.retire(seq, "control channel closed")
}

func (m *Monitor) handleExits(exits []spawn.Exit) {
	for _, ex := range exits {
		rec, ok := m.reg.LookupPID(ex.PID)
		if !ok {
			continue // intermediates and already-retired processes
		}
		m.retire(rec.Seq, fmt.Sprintf("exit status %d", spawn.ExitCode(ex.Status)))
	}
}

// retire finalizes a process exactly once, whatever signal arrived first:
// clean Terminated message, channel EOF, or the reaped exit status.
func (m *Monitor) retire(seq uint64, cause string) {
	rec, ok := m.reg.Get(seq)
	if !ok || rec.State == registry.StateTerminated {
		return
	}
	if err := m.reg.SetState(seq, registry.StateTerminated); err != nil {
		return
	}
	if rec.Channel != nil {
		_ = rec.Channel.Close()
	}
	m.log.Info("process retired", "seq", seq, "pid", rec.PID, "role", rec.Role.String(), "cause", cause)
	metrics.IncExit(rec.Role.String())
	metrics.ClearProcess(rec.Seq)
	m.journal(store.EventExited, rec, cause)
	metrics.SetServing(m.reg.ServingCount())
	m.eng.onExit(time.Now(), rec)
}

// startMold spawns a direct-child mold and registers it.
func (m *Monitor) startMold(generation uint64) (uint64, error) {
	seq := m.reg.NextSeq()
	pid, conn, err := m.starter.StartChild(spawn.RoleMold, generation, seq)
	if err != nil {
		return 0, err
	}
	rec, aerr := m.reg.Add(seq, pid, registry.RoleMold, generation, conn)
	if aerr != nil {
		panic(fmt.Sprintf("monitor: register mold seq %d: %v", seq, aerr))
	}
	metrics.IncSpawn(registry.RoleMold.String())
	m.journal(store.EventSpawned, rec, "")
	m.watch(seq, conn)
	m.log.Info("mold spawned", "seq", seq, "pid", pid, "generation", generation)
	return seq, nil
}

// requestSpawn asks the current mold for one worker and returns the seq the
// new process will carry.
func (m *Monitor) requestSpawn(moldSeq, generation uint64) (uint64, bool) {
	mold, ok := m.reg.Get(moldSeq)
	if !ok || !mold.Live() || mold.Channel == nil {
		return 0, false
	}
	seq := m.reg.NextSeq()
	err := mold.Channel.Send(ipc.Message{Type: ipc.MsgSpawn, Generation: generation, Seq: seq})
	if err != nil {
		m.log.Warn("spawn request to mold failed", "mold", moldSeq, "error", err)
		return 0, false
	}
	return seq, true
}

// sendShutdown moves a process into draining and arms the kill fallback.
// The monitor never trusts a child to terminate itself on time.
func (m *Monitor) sendShutdown(now time.Time, seq uint64) {
	rec, ok := m.reg.Get(seq)
	if !ok || !rec.Live() {
		return
	}
	_ = m.reg.SetState(seq, registry.StateDraining)
	m.journal(store.EventShutdownRequested, rec, "")
	if rec.Channel != nil {
		if err := rec.Channel.Send(ipc.Message{Type: ipc.MsgShutdown, Grace: m.cfg.ShutdownGrace}); err != nil {
			// Peer is gone or going; the exit path will finish the job.
			m.log.Debug("shutdown send failed", "seq", seq, "error", err)
		}
	}
	m.eng.armKill(seq, now.Add(m.cfg.ShutdownGrace))
}

// stopAll drains the entire pool: shutdown everyone, keep consuming exit
// events, and escalate to SIGKILL at the grace deadline.
func (m *Monitor) stopAll() {
	m.stopping.Store(true)
	m.phaseName.Store("stopping")
	now := time.Now()
	for _, rec := range m.reg.Snapshot() {
		if rec.Live() {
			m.sendShutdown(now, rec.Seq)
		}
	}
	deadline := time.After(m.cfg.ShutdownGrace + time.Second)
	tick := time.NewTicker(m.cfg.Tick)
	defer tick.Stop()
	for {
		if m.liveCount() == 0 {
			m.phaseName.Store("stopped")
			return
		}
		select {
		case ev := <-m.events:
			switch e := ev.(type) {
			case evInbound:
				if e.msg.Type == ipc.MsgTerminated {
					m.retire(e.seq, "terminated cleanly")
				}
				closeFiles(e.files)
			case evClosed:
				m.retire(e.seq, "control channel closed")
			}
		case now := <-tick.C:
			m.handleExits(m.reap())
			m.eng.expireKills(now)
		case <-deadline:
			for _, rec := range m.reg.Snapshot() {
				if rec.Live() {
					m.kill(rec.PID)
					m.retire(rec.Seq, "killed at shutdown deadline")
				}
			}
			m.phaseName.Store("stopped")
			return
		}
	}
}

func (m *Monitor) liveCount() int {
	n := 0
	for _, rec := range m.reg.Snapshot() {
		if rec.Live() {
			n++
		}
	}
	return n
}

func (m *Monitor) journal(t store.EventType, rec registry.Record, detail string) {
	if m.record == nil {
		return
	}
	m.record(store.Event{
		Type:       t,
		Seq:        rec.Seq,
		PID:        rec.PID,
		Role:       rec.Role.String(),
		Generation: rec.Generation,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	})
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
