// Package registry is the monitor's in-memory bookkeeping of every live
// process. The monitor's coordination loop is the only writer; reads are
// shared with the admin surface, so access is guarded by a single mutex.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remold/remold/internal/ipc"
)

// Role tags what a process is to the supervisor.
type Role int

const (
	RoleWorker Role = iota
	RoleMold
)

func (r Role) String() string {
	if r == RoleMold {
		return "mold"
	}
	return "worker"
}

// State tracks a process through its lifetime.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Record describes one live process. PIDs are reused by the OS, so records
// are keyed by Seq, a monotonically increasing spawn sequence number; PID is
// only trusted while the record is live.
type Record struct {
	Seq          uint64
	PID          int
	Role         Role
	Generation   uint64
	RequestCount uint64
	ForkSafe     bool
	State        State
	StartedAt    time.Time
	Channel      *ipc.Conn
}

// Live reports whether the process still participates in the pool.
func (r Record) Live() bool { return r.State != StateTerminated }

// Registry holds the records. Methods that mutate records are only called
// from the monitor's coordination loop; Snapshot and the read accessors are
// safe for concurrent use by the observability surfaces.
type Registry struct {
	mu      sync.RWMutex
	nextSeq uint64
	records map[uint64]*Record
}

func New() *Registry {
	return &Registry{records: make(map[uint64]*Record)}
}

// NextSeq reserves a spawn sequence number. Sequence numbers are never
// recycled, which is what disambiguates PID reuse.
func (g *Registry) NextSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSeq++
	return g.nextSeq
}

// Add inserts a record for a freshly spawned process in StateSpawning.
// Two live records may never share a PID.
func (g *Registry) Add(seq uint64, pid int, role Role, generation uint64, ch *ipc.Conn) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.records {
		if r.PID == pid && r.Live() {
			return Record{}, fmt.Errorf("registry: live record for pid %d already exists (seq %d)", pid, r.Seq)
		}
	}
	if _, ok := g.records[seq]; ok {
		return Record{}, fmt.Errorf("registry: seq %d already registered", seq)
	}
	rec := &Record{
		Seq:        seq,
		PID:        pid,
		Role:       role,
		Generation: generation,
		ForkSafe:   true,
		State:      StateSpawning,
		StartedAt:  time.Now(),
		Channel:    ch,
	}
	g.records[seq] = rec
	return *rec, nil
}

// Get returns a copy of the record for seq.
func (g *Registry) Get(seq uint64) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[seq]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// LookupPID finds the live record owning pid, if any.
func (g *Registry) LookupPID(pid int) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.records {
		if r.PID == pid && r.Live() {
			return *r, true
		}
	}
	return Record{}, false
}

// ApplyHeartbeat folds a heartbeat into the record. The request counter is
// monotonic last-writer-wins: stale or replayed counts are ignored, so
// applying the same heartbeat twice is a no-op. The fork-safety latch only
// moves one way.
func (g *Registry) ApplyHeartbeat(seq uint64, count uint64, forkSafe bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[seq]
	if !ok || !r.Live() {
		return
	}
	if count > r.RequestCount {
		r.RequestCount = count
	}
	if !forkSafe {
		r.ForkSafe = false
	}
}

// LatchForkUnsafe forces the latch for seq. Irreversible.
func (g *Registry) LatchForkUnsafe(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.records[seq]; ok {
		r.ForkSafe = false
	}
}

// SetState transitions a record. Terminated is terminal.
func (g *Registry) SetState(seq uint64, s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[seq]
	if !ok {
		return fmt.Errorf("registry: unknown seq %d", seq)
	}
	if r.State == StateTerminated && s != StateTerminated {
		return fmt.Errorf("registry: seq %d already terminated", seq)
	}
	r.State = s
	return nil
}

// Promote flips a worker to mold and stamps its new generation. It enforces
// the single-mold invariant: a second live mold is only legal while the
// previous one is draining. A violation here means the protocol state is
// corrupt and the caller is expected to fail loudly.
func (g *Registry) Promote(seq uint64, generation uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[seq]
	if !ok {
		return fmt.Errorf("registry: unknown seq %d", seq)
	}
	if !r.Live() {
		return fmt.Errorf("registry: seq %d is terminated", seq)
	}
	for _, other := range g.records {
		if other.Seq == seq || other.Role != RoleMold {
			continue
		}
		if other.Live() && other.State != StateDraining {
			return fmt.Errorf("registry: mold seq %d still current (state %s)", other.Seq, other.State)
		}
	}
	r.Role = RoleMold
	r.Generation = generation
	return nil
}

// CurrentMold returns the non-draining live mold, if one exists.
func (g *Registry) CurrentMold() (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.records {
		if r.Role == RoleMold && r.Live() && r.State != StateDraining {
			return *r, true
		}
	}
	return Record{}, false
}

// Generation returns copies of all records of a generation, sorted by seq.
func (g *Registry) Generation(generation uint64) []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Record
	for _, r := range g.records {
		if r.Generation == generation {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LiveCount counts non-terminated members of a generation.
func (g *Registry) LiveCount(generation uint64) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, r := range g.records {
		if r.Generation == generation && r.Live() {
			n++
		}
	}
	return n
}

// ServingCount counts processes currently able to take traffic.
func (g *Registry) ServingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, r := range g.records {
		if r.Role == RoleWorker && (r.State == StateReady || r.State == StateDraining) {
			n++
		}
	}
	return n
}

// Candidates lists promotable workers across all generations: ready,
// fork-safe, ordered by request count descending (warmest first), seq
// ascending as the tie break. Draining workers are never candidates.
func (g *Registry) Candidates() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Record
	for _, r := range g.records {
		if r.Role == RoleWorker && r.State == StateReady && r.ForkSafe {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// PruneTerminated drops terminated records of a generation and returns how
// many were removed.
func (g *Registry) PruneTerminated(generation uint64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for seq, r := range g.records {
		if r.Generation == generation && r.State == StateTerminated {
			delete(g.records, seq)
			n++
		}
	}
	return n
}

// Snapshot returns copies of every record sorted by seq, for observability.
func (g *Registry) Snapshot() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Size returns the number of records currently held.
func (g *Registry) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
