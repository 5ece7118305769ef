package ipc

import "time"

// MsgType enumerates control message kinds exchanged between the monitor
// and its molds/workers.
type MsgType int

const (
	// MsgSpawn instructs a mold to spawn one worker for Generation.
	MsgSpawn MsgType = iota
	// MsgSpawned reports a freshly spawned process. The monitor-side end of
	// the new process's control channel travels as an attached descriptor.
	MsgSpawned
	// MsgReady is sent by a worker once its workload finished initializing
	// and it is serving traffic.
	MsgReady
	// MsgHeartbeat carries the sender's request counter and fork-safety latch.
	MsgHeartbeat
	// MsgPromoteRequest asks a worker to become the next mold.
	MsgPromoteRequest
	// MsgPromoteAck confirms promotion; Handoff carries the workload's
	// opaque warmth snapshot, if any.
	MsgPromoteAck
	// MsgWarmth delivers the previous mold's opaque handoff snapshot to a
	// fresh worker. The supervisor transports the blob, never interprets it.
	MsgWarmth
	// MsgShutdown asks the receiver to drain and exit within Grace.
	MsgShutdown
	// MsgTerminated is the receiver's last message before a clean exit.
	MsgTerminated
)

func (t MsgType) String() string {
	switch t {
	case MsgSpawn:
		return "spawn"
	case MsgSpawned:
		return "spawned"
	case MsgReady:
		return "ready"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgPromoteRequest:
		return "promote-request"
	case MsgPromoteAck:
		return "promote-ack"
	case MsgWarmth:
		return "warmth"
	case MsgShutdown:
		return "shutdown"
	case MsgTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Message is the unit exchanged on a control channel. A single struct with a
// type tag keeps the gob stream free of interface registration; unused fields
// are zero. Messages are created on send and consumed on receive, never
// persisted.
type Message struct {
	Type MsgType

	// Spawn / Spawned
	PID        int
	Seq        uint64
	Generation uint64

	// Heartbeat
	RequestCount uint64
	ForkSafe     bool

	// Shutdown
	Grace time.Duration

	// PromoteAck / Warmth: opaque workload snapshot transported verbatim.
	Handoff []byte

	// Spawned / Terminated: failure detail, empty on success.
	Err string
}
