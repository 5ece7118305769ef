package monitor

import (
	"fmt"
	"time"

	"github.com/remold/remold/internal/ipc"
	"github.com/remold/remold/internal/metrics"
	"github.com/remold/remold/internal/registry"
	"github.com/remold/remold/internal/store"
)

type phase int

const (
	phaseBooting phase = iota
	phaseReady
	phasePromoting
	phaseDraining
)

func (p phase) String() string {
	switch p {
	case phaseBooting:
		return "booting"
	case phaseReady:
		return "ready"
	case phasePromoting:
		return "promoting"
	case phaseDraining:
		return "draining"
	}
	return "unknown"
}

// engine drives promotion policy and generation rollover. All methods run on
// the coordination loop; nothing here needs a lock.
type engine struct {
	m *Monitor

	phase      phase
	generation uint64
	moldSeq    uint64
	threshold  uint64

	// current promotion round
	candidate       uint64
	promoteDeadline time.Time
	promotingSince  time.Time
	tried           map[uint64]bool

	// rollover: retirements owed to older generations, admitted one per
	// replacement so worker capacity never dips below target minus one
	drainList        []uint64
	replacementsLeft int
	pendingSpawns    map[uint64]bool
	drainingSince    time.Time

	// warmth snapshot carried across generations for sibling-spawned workers
	handoff []byte

	killAt map[uint64]time.Time

	deferredSpawns int
	spawnRetryAt   time.Time
	moldRetryAt    time.Time
	moldRetryGen   uint64
}

func newEngine(m *Monitor) *engine {
	return &engine{
		m:             m,
		tried:         make(map[uint64]bool),
		pendingSpawns: make(map[uint64]bool),
		killAt:        make(map[uint64]time.Time),
	}
}

func (e *engine) setPhase(p phase) {
	e.phase = p
	e.m.phaseName.Store(p.String())
	metrics.SetPhase(p.String())
}

func (e *engine) start(now time.Time) {
	e.threshold = e.m.cfg.PromoteThreshold
	e.spawnMold(now, 1)
}

// spawnMold starts a cold mold as a direct child; failures back off and
// retry from tick.
func (e *engine) spawnMold(now time.Time, generation uint64) {
	seq, err := e.m.startMold(generation)
	if err != nil {
		e.m.log.Error("mold spawn failed", "generation", generation, "error", err)
		e.moldRetryAt = now.Add(e.m.cfg.SpawnRetry)
		e.moldRetryGen = generation
		return
	}
	e.moldSeq = seq
	e.generation = generation
	e.m.generation.Store(generation)
	metrics.SetGeneration(generation)
	e.setPhase(phaseBooting)
}

// tick runs deadline work: kill escalation, spawn retries, threshold checks,
// and promotion timeouts.
func (e *engine) tick(now time.Time) {
	if e.m.stopping.Load() {
		return
	}
	e.expireKills(now)

	if e.deferredSpawns > 0 && !now.Before(e.spawnRetryAt) {
		n := e.deferredSpawns
		e.deferredSpawns = 0
		for i := 0; i < n; i++ {
			e.issueSpawn(now)
		}
	}
	if !e.moldRetryAt.IsZero() && !now.Before(e.moldRetryAt) {
		e.moldRetryAt = time.Time{}
		e.spawnMold(now, e.moldRetryGen)
	}

	switch e.phase {
	case phaseReady:
		cands := e.m.reg.Candidates()
		if len(cands) > 0 {
			e.clearDegraded()
			if cands[0].RequestCount >= e.threshold {
				e.beginPromotion(now, cands)
			}
		} else if e.warmestReady() >= e.threshold {
			e.markDegraded()
		}
	case phasePromoting:
		if now.After(e.promoteDeadline) {
			e.m.log.Warn("promotion handshake timed out", "seq", e.candidate)
			e.nextCandidate(now)
		}
	}
}

// forcePromote starts a promotion round regardless of the threshold.
func (e *engine) forcePromote(now time.Time) {
	if e.phase != phaseReady || e.m.stopping.Load() {
		e.m.log.Warn("manual promote ignored", "phase", e.phase.String())
		return
	}
	cands := e.m.reg.Candidates()
	if len(cands) == 0 {
		e.m.log.Warn("manual promote: no fork-safe ready workers")
		return
	}
	e.beginPromotion(now, cands)
}

func (e *engine) beginPromotion(now time.Time, cands []registry.Record) {
	e.tried = make(map[uint64]bool)
	e.promotingSince = now
	e.candidate = cands[0].Seq
	e.requestPromotion(now)
}

// requestPromotion sends the handshake to the current candidate. A candidate
// whose channel is already gone is skipped immediately.
func (e *engine) requestPromotion(now time.Time) {
	rec, ok := e.m.reg.Get(e.candidate)
	if !ok || !rec.Live() || rec.Channel == nil {
		e.nextCandidate(now)
		return
	}
	if err := rec.Channel.Send(ipc.Message{Type: ipc.MsgPromoteRequest}); err != nil {
		e.m.log.Warn("promote request failed", "seq", e.candidate, "error", err)
		e.nextCandidate(now)
		return
	}
	e.m.attempted.Add(1)
	metrics.IncPromotion("attempted")
	e.m.journal(store.EventPromoteRequested, rec, "")
	e.m.log.Info("promotion requested", "seq", e.candidate, "pid", rec.PID, "count", rec.RequestCount)
	e.promoteDeadline = now.Add(e.m.cfg.PromoteTimeout)
	e.setPhase(phasePromoting)
}

// nextCandidate abandons the current candidate and tries the next warmest,
// or aborts the round when none remain.
func (e *engine) nextCandidate(now time.Time) {
	e.tried[e.candidate] = true
	for _, c := range e.m.reg.Candidates() {
		if !e.tried[c.Seq] {
			e.candidate = c.Seq
			e.requestPromotion(now)
			return
		}
	}
	e.abortRound("no candidate completed the handshake")
}

func (e *engine) abortRound(detail string) {
	e.m.aborted.Add(1)
	metrics.IncPromotion("aborted")
	e.m.journal(store.EventPromoteAborted, registry.Record{Seq: e.candidate, Generation: e.generation}, detail)
	e.m.log.Warn("promotion round aborted", "detail", detail)
	e.candidate = 0
	e.tried = make(map[uint64]bool)
	if e.moldSeq != 0 {
		e.setPhase(phaseReady)
		return
	}
	// No mold to fall back on; rebuild cold in a fresh generation.
	e.spawnMold(time.Now(), e.generation+1)
}

// onPromoteAck completes the handshake: the candidate becomes the mold of
// the next generation and the rollover begins. An ack from anyone but the
// current candidate is a late arrival from an abandoned attempt; that
// process already stopped serving, so it is drained rather than restored.
func (e *engine) onPromoteAck(now time.Time, seq uint64, handoff []byte) {
	if e.phase != phasePromoting || seq != e.candidate {
		e.m.log.Warn("stale promote ack", "seq", seq)
		e.m.sendShutdown(now, seq)
		return
	}
	rec, ok := e.m.reg.Get(seq)
	if !ok || !rec.Live() {
		e.nextCandidate(now)
		return
	}
	newGen := e.generation + 1
	if old, ok := e.m.reg.Get(e.moldSeq); ok && old.Live() {
		// the outgoing mold must be draining before a successor is stamped
		_ = e.m.reg.SetState(e.moldSeq, registry.StateDraining)
	}
	if err := e.m.reg.Promote(seq, newGen); err != nil {
		panic(fmt.Sprintf("monitor: promote seq %d: %v", seq, err))
	}
	e.candidate = 0
	e.moldSeq = seq
	e.generation = newGen
	e.m.generation.Store(newGen)
	metrics.SetGeneration(newGen)
	e.handoff = handoff
	e.threshold = e.nextThreshold()
	e.m.succeeded.Add(1)
	metrics.IncPromotion("succeeded")
	metrics.ObservePromoting(now.Sub(e.promotingSince).Seconds())
	promoted, _ := e.m.reg.Get(seq)
	e.m.journal(store.EventPromoted, promoted, "")
	e.m.log.Info("worker promoted to mold", "seq", seq, "pid", promoted.PID, "generation", newGen, "next_threshold", e.threshold)
	e.beginRollout(now)
}

func (e *engine) nextThreshold() uint64 {
	next := uint64(float64(e.threshold) * e.m.cfg.PromoteGrowth)
	if next <= e.threshold {
		next = e.threshold + 1
	}
	return next
}

// beginRollout schedules the one-in-one-out replacement of every live
// process outside the current generation. Workers drain first; old molds,
// which serve nothing, go last.
func (e *engine) beginRollout(now time.Time) {
	e.drainList = e.drainList[:0]
	var molds []uint64
	for _, r := range e.m.reg.Snapshot() {
		if !r.Live() || r.Generation == e.generation || r.Seq == e.moldSeq {
			continue
		}
		if r.Role == registry.RoleMold {
			molds = append(molds, r.Seq)
			continue
		}
		e.drainList = append(e.drainList, r.Seq)
	}
	e.drainList = append(e.drainList, molds...)
	e.replacementsLeft = e.m.cfg.Workers
	e.drainingSince = now
	e.setPhase(phaseDraining)
	e.issueSpawn(now)
}

// fillPool runs when a cold mold reports ready. A first boot fills the pool
// in one burst; a rebuild after mold loss rolls the surviving generation
// over one worker at a time.
func (e *engine) fillPool(now time.Time) {
	for _, r := range e.m.reg.Snapshot() {
		if r.Live() && r.Role == registry.RoleWorker && r.Generation != e.generation {
			e.beginRollout(now)
			return
		}
	}
	for i := 0; i < e.m.cfg.Workers; i++ {
		e.issueSpawn(now)
	}
}

func (e *engine) issueSpawn(now time.Time) {
	seq, ok := e.m.requestSpawn(e.moldSeq, e.generation)
	if !ok {
		e.deferSpawn(now)
		return
	}
	e.pendingSpawns[seq] = true
}

func (e *engine) deferSpawn(now time.Time) {
	e.deferredSpawns++
	e.spawnRetryAt = now.Add(e.m.cfg.SpawnRetry)
}

// onSpawned hands the warmth snapshot to a freshly adopted worker of the
// current generation.
func (e *engine) onSpawned(now time.Time, seq uint64, conn *ipc.Conn) {
	if len(e.handoff) == 0 {
		return
	}
	rec, ok := e.m.reg.Get(seq)
	if !ok || rec.Generation != e.generation {
		return
	}
	if err := conn.Send(ipc.Message{Type: ipc.MsgWarmth, Handoff: e.handoff}); err != nil {
		e.m.log.Debug("warmth delivery failed", "seq", seq, "error", err)
	}
}

func (e *engine) onSpawnFailed(now time.Time, seq uint64) {
	delete(e.pendingSpawns, seq)
	e.deferSpawn(now)
}

// onReady admits a process into service and, mid-rollover, retires exactly
// one older member per admitted replacement.
func (e *engine) onReady(now time.Time, seq uint64) {
	wasPending := e.pendingSpawns[seq]
	delete(e.pendingSpawns, seq)
	rec, ok := e.m.reg.Get(seq)
	if !ok {
		return
	}
	if seq == e.moldSeq {
		e.fillPool(now)
		return
	}
	metrics.SetServing(e.m.reg.ServingCount())
	switch e.phase {
	case phaseBooting:
		if e.readyWorkers() >= e.m.cfg.Workers {
			e.setPhase(phaseReady)
		}
	case phaseDraining:
		if wasPending && rec.Generation == e.generation && e.replacementsLeft > 0 {
			e.replacementsLeft--
			e.retireNext(now)
			if e.replacementsLeft > 0 {
				e.issueSpawn(now)
			} else {
				for len(e.drainList) > 0 {
					e.retireNext(now)
				}
			}
		}
		e.checkDrainDone(now)
	}
}

// onExit reconciles a retirement with whatever was in flight. Runs after the
// registry already marked the record terminated.
func (e *engine) onExit(now time.Time, rec registry.Record) {
	delete(e.killAt, rec.Seq)
	wasPending := e.pendingSpawns[rec.Seq]
	delete(e.pendingSpawns, rec.Seq)
	e.dropFromDrain(rec.Seq)
	if e.m.stopping.Load() {
		return
	}
	if rec.Seq == e.moldSeq {
		e.onMoldExit(now)
		return
	}
	if e.phase == phasePromoting && rec.Seq == e.candidate {
		e.nextCandidate(now)
	}
	switch {
	case wasPending:
		// died before admission; the slot is still owed
		e.issueSpawn(now)
	case rec.Role == registry.RoleWorker && rec.Generation == e.generation &&
		(e.phase == phaseReady || e.phase == phaseDraining || e.phase == phaseBooting) &&
		rec.State != registry.StateDraining:
		e.issueSpawn(now)
	}
	if e.phase == phaseDraining {
		e.checkDrainDone(now)
	}
}

// onMoldExit handles loss of the template. A warm candidate rebuilds it
// through an immediate promotion; with none available the pool limps on
// while a cold mold boots in a fresh generation.
func (e *engine) onMoldExit(now time.Time) {
	e.moldSeq = 0
	if cands := e.m.reg.Candidates(); len(cands) > 0 {
		e.m.log.Warn("mold lost; promoting warmest worker to rebuild it")
		e.beginPromotion(now, cands)
		return
	}
	e.m.log.Warn("mold lost with no promotable worker; cold restart")
	e.spawnMold(now, e.generation+1)
}

// retireNext shuts down the oldest member still owed a retirement.
func (e *engine) retireNext(now time.Time) {
	for len(e.drainList) > 0 {
		seq := e.drainList[0]
		e.drainList = e.drainList[1:]
		if rec, ok := e.m.reg.Get(seq); ok && rec.Live() {
			e.m.sendShutdown(now, seq)
			return
		}
	}
}

func (e *engine) dropFromDrain(seq uint64) {
	for i, s := range e.drainList {
		if s == seq {
			e.drainList = append(e.drainList[:i], e.drainList[i+1:]...)
			return
		}
	}
}

// checkDrainDone finishes the rollover once every member outside the
// current generation is gone, then prunes their records.
func (e *engine) checkDrainDone(now time.Time) {
	if e.phase != phaseDraining || e.replacementsLeft > 0 || len(e.drainList) > 0 {
		return
	}
	old := make(map[uint64]bool)
	for _, r := range e.m.reg.Snapshot() {
		if r.Generation == e.generation {
			continue
		}
		if r.Live() {
			return
		}
		old[r.Generation] = true
	}
	for gen := range old {
		e.m.reg.PruneTerminated(gen)
		e.m.journal(store.EventGenerationRetired, registry.Record{Generation: gen}, "")
		e.m.log.Info("generation retired", "generation", gen)
	}
	metrics.ObserveDraining(now.Sub(e.drainingSince).Seconds())
	metrics.SetServing(e.m.reg.ServingCount())
	e.setPhase(phaseReady)
}

func (e *engine) armKill(seq uint64, at time.Time) {
	e.killAt[seq] = at
}

// expireKills escalates to SIGKILL any draining process past its grace.
func (e *engine) expireKills(now time.Time) {
	var due []uint64
	for seq, at := range e.killAt {
		if now.After(at) {
			due = append(due, seq)
		}
	}
	for _, seq := range due {
		delete(e.killAt, seq)
		rec, ok := e.m.reg.Get(seq)
		if !ok || !rec.Live() {
			continue
		}
		e.m.log.Warn("grace expired, killing", "seq", seq, "pid", rec.PID)
		e.m.journal(store.EventKilled, rec, "")
		e.m.kill(rec.PID)
		e.m.retire(seq, "killed after grace expired")
	}
}

func (e *engine) readyWorkers() int {
	n := 0
	for _, r := range e.m.reg.Snapshot() {
		if r.Role == registry.RoleWorker && r.Generation == e.generation && r.State == registry.StateReady {
			n++
		}
	}
	return n
}

// warmestReady reports the highest request count among ready workers,
// fork-safe or not, for degraded-mode detection.
func (e *engine) warmestReady() uint64 {
	var max uint64
	for _, r := range e.m.reg.Snapshot() {
		if r.Role == registry.RoleWorker && r.State == registry.StateReady && r.RequestCount > max {
			max = r.RequestCount
		}
	}
	return max
}

func (e *engine) markDegraded() {
	if e.m.degraded.CompareAndSwap(false, true) {
		metrics.SetDegraded(true)
		e.m.journal(store.EventDegraded, registry.Record{Generation: e.generation}, "threshold crossed with no fork-safe worker")
		e.m.log.Warn("degraded: threshold crossed but every worker is latched fork-unsafe", "threshold", e.threshold)
	}
}

func (e *engine) clearDegraded() {
	if e.m.degraded.CompareAndSwap(true, false) {
		metrics.SetDegraded(false)
		e.m.log.Info("degraded state cleared")
	}
}
