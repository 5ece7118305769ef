package registry

import (
	"math/rand"
	"testing"
)

func TestAddRejectsDuplicateLivePID(t *testing.T) {
	g := New()
	if _, err := g.Add(g.NextSeq(), 100, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := g.Add(g.NextSeq(), 100, RoleWorker, 1, nil); err == nil {
		t.Fatalf("expected duplicate live pid to be rejected")
	}
}

func TestPIDReuseAfterTermination(t *testing.T) {
	g := New()
	s1 := g.NextSeq()
	if _, err := g.Add(s1, 100, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.SetState(s1, StateTerminated); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// The OS may hand the same PID to a new process; a dead record must not
	// block it.
	s2 := g.NextSeq()
	if _, err := g.Add(s2, 100, RoleWorker, 2, nil); err != nil {
		t.Fatalf("add after termination: %v", err)
	}
	if r, ok := g.LookupPID(100); !ok || r.Seq != s2 {
		t.Fatalf("LookupPID resolved stale record: %+v ok=%v", r, ok)
	}
}

func TestHeartbeatMonotonicAndIdempotent(t *testing.T) {
	g := New()
	seq := g.NextSeq()
	if _, err := g.Add(seq, 1, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	g.ApplyHeartbeat(seq, 10, true)
	g.ApplyHeartbeat(seq, 10, true) // replay
	if r, _ := g.Get(seq); r.RequestCount != 10 {
		t.Fatalf("replayed heartbeat changed state: %d", r.RequestCount)
	}
	g.ApplyHeartbeat(seq, 5, true) // stale
	if r, _ := g.Get(seq); r.RequestCount != 10 {
		t.Fatalf("stale heartbeat moved counter backwards: %d", r.RequestCount)
	}
}

func TestHeartbeatRandomInterleavingsKeepCounterMonotonic(t *testing.T) {
	g := New()
	seq := g.NextSeq()
	if _, err := g.Add(seq, 1, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	counts := make([]uint64, 200)
	for i := range counts {
		counts[i] = uint64(i)
	}
	rng.Shuffle(len(counts), func(i, j int) { counts[i], counts[j] = counts[j], counts[i] })

	var high uint64
	for _, c := range counts {
		g.ApplyHeartbeat(seq, c, true)
		if c > high {
			high = c
		}
		r, _ := g.Get(seq)
		if r.RequestCount != high {
			t.Fatalf("counter %d after applying %d (high water %d)", r.RequestCount, c, high)
		}
	}
}

func TestForkSafeLatchIsOneWay(t *testing.T) {
	g := New()
	seq := g.NextSeq()
	if _, err := g.Add(seq, 1, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	g.ApplyHeartbeat(seq, 1, false)
	g.ApplyHeartbeat(seq, 2, true) // must not reset the latch
	if r, _ := g.Get(seq); r.ForkSafe {
		t.Fatalf("fork-safe latch was reset")
	}
}

func TestPromoteEnforcesSingleCurrentMold(t *testing.T) {
	g := New()
	mold := g.NextSeq()
	if _, err := g.Add(mold, 1, RoleMold, 1, nil); err != nil {
		t.Fatalf("add mold: %v", err)
	}
	_ = g.SetState(mold, StateReady)
	w := g.NextSeq()
	if _, err := g.Add(w, 2, RoleWorker, 1, nil); err != nil {
		t.Fatalf("add worker: %v", err)
	}
	_ = g.SetState(w, StateReady)

	if err := g.Promote(w, 2); err == nil {
		t.Fatalf("promote succeeded while old mold still current")
	}
	if err := g.SetState(mold, StateDraining); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := g.Promote(w, 2); err != nil {
		t.Fatalf("promote with draining old mold: %v", err)
	}
	cur, ok := g.CurrentMold()
	if !ok || cur.Seq != w || cur.Generation != 2 {
		t.Fatalf("current mold wrong: %+v ok=%v", cur, ok)
	}
}

func TestCandidatesOrderAndFiltering(t *testing.T) {
	g := New()
	add := func(pid int, count uint64, safe bool, st State) uint64 {
		seq := g.NextSeq()
		if _, err := g.Add(seq, pid, RoleWorker, 1, nil); err != nil {
			t.Fatalf("add: %v", err)
		}
		_ = g.SetState(seq, st)
		g.ApplyHeartbeat(seq, count, safe)
		return seq
	}
	add(1, 50, true, StateReady)
	warm := add(2, 1000, true, StateReady)
	add(3, 2000, false, StateReady)   // warmest but latched unsafe
	add(4, 5000, true, StateSpawning) // not ready
	add(5, 3000, true, StateDraining) // leaving

	cands := g.Candidates()
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Seq != warm {
		t.Fatalf("warmest eligible worker not first: %+v", cands[0])
	}
}

func TestPruneTerminated(t *testing.T) {
	g := New()
	s1 := g.NextSeq()
	_, _ = g.Add(s1, 1, RoleWorker, 1, nil)
	s2 := g.NextSeq()
	_, _ = g.Add(s2, 2, RoleWorker, 1, nil)
	_ = g.SetState(s1, StateTerminated)

	if n := g.PruneTerminated(1); n != 1 {
		t.Fatalf("pruned %d records, want 1", n)
	}
	if g.Size() != 1 {
		t.Fatalf("registry size %d after prune", g.Size())
	}
	if _, ok := g.Get(s2); !ok {
		t.Fatalf("live record pruned")
	}
}
