// Package spawn creates supervised processes and positions them correctly in
// the process tree. Go cannot fork bare, so new processes are re-executions
// of the current binary with their role carried in the environment and their
// control channel and the shared listener inherited as descriptors. The one
// genuinely tricky mechanism, making a process land as a sibling of its
// spawner (reparented to the subreaper monitor), lives behind StartSibling.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/remold/remold/internal/ipc"
)

// Environment and descriptor contract between spawner and spawned process.
// ExtraFiles land at descriptor 3 onward.
const (
	EnvRole       = "REMOLD_ROLE"
	EnvSeq        = "REMOLD_SEQ"
	EnvGeneration = "REMOLD_GENERATION"

	// EnvConfig carries the operator's config path into re-executed
	// processes, which start with no command line of their own.
	EnvConfig = "REMOLD_CONFIG"

	RoleMold         = "mold"
	RoleWorker       = "worker"
	RoleIntermediate = "spawn-intermediate"

	channelFd  = 3
	listenerFd = 4
)

// SpawnError wraps a failed process creation. It is transient by contract:
// callers retry with backoff or report degraded capacity, they never abort.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Op, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Identity is what a spawned process learns about itself from the environment.
type Identity struct {
	Role       string
	Seq        uint64
	Generation uint64
}

// FromEnv decodes the spawned process's identity. An empty role means the
// process was started directly by an operator, not by a spawner.
func FromEnv() (Identity, error) {
	id := Identity{Role: os.Getenv(EnvRole)}
	if id.Role == "" {
		return id, nil
	}
	var err error
	if id.Seq, err = parseUint(os.Getenv(EnvSeq)); err != nil {
		return id, fmt.Errorf("spawn: bad %s: %w", EnvSeq, err)
	}
	if id.Generation, err = parseUint(os.Getenv(EnvGeneration)); err != nil {
		return id, fmt.Errorf("spawn: bad %s: %w", EnvGeneration, err)
	}
	return id, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

// InheritChannel opens the control channel descriptor inherited from the
// spawner.
func InheritChannel() (*ipc.Conn, error) {
	f := os.NewFile(uintptr(channelFd), "control-channel")
	if f == nil {
		return nil, fmt.Errorf("spawn: control channel descriptor missing")
	}
	defer func() { _ = f.Close() }()
	return ipc.FromFile(f)
}

// InheritListener returns the shared listening socket, or nil when the pool
// runs without one.
func InheritListener() *os.File {
	return os.NewFile(uintptr(listenerFd), "shared-listener")
}

// Spawner creates new pool members.
type Spawner struct {
	// Exe is the binary to re-execute; defaults to the current executable.
	Exe string
	// BaseEnv is the environment passed through to spawned processes.
	BaseEnv []string
	// Listener is the shared listening socket inherited by every process.
	// May be nil when the workload does not use one.
	Listener *os.File
}

func (s *Spawner) exe() (string, error) {
	if s.Exe != "" {
		return s.Exe, nil
	}
	return os.Executable()
}

func (s *Spawner) env(role string, generation, seq uint64) []string {
	base := s.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		if strings.HasPrefix(kv, EnvRole+"=") || strings.HasPrefix(kv, EnvSeq+"=") || strings.HasPrefix(kv, EnvGeneration+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		EnvRole+"="+role,
		EnvSeq+"="+strconv.FormatUint(seq, 10),
		EnvGeneration+"="+strconv.FormatUint(generation, 10),
	)
}

// extraFiles builds the inherited descriptor table. The listener slot is
// always populated so descriptor numbers stay stable; /dev/null stands in
// when there is no listener.
func (s *Spawner) extraFiles(channel *os.File) ([]*os.File, func(), error) {
	listener := s.Listener
	var devnull *os.File
	if listener == nil {
		var err error
		devnull, err = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, err
		}
		listener = devnull
	}
	cleanup := func() {
		if devnull != nil {
			_ = devnull.Close()
		}
	}
	return []*os.File{channel, listener}, cleanup, nil
}

// StartChild spawns a direct child carrying role. It returns the child's pid
// and the monitor-side end of its control channel. Used by the monitor to
// create the first mold and by a direct-child mold to build its worker pool.
//
// The caller never waits on the returned pid; the subreaper's reap loop owns
// child exit collection.
func (s *Spawner) StartChild(role string, generation, seq uint64) (int, *ipc.Conn, error) {
	exe, err := s.exe()
	if err != nil {
		return 0, nil, &SpawnError{Op: "resolve-exe", Err: err}
	}
	local, remote, err := ipc.Pair()
	if err != nil {
		return 0, nil, &SpawnError{Op: "channel", Err: err}
	}
	remoteFile, err := remote.File()
	_ = remote.Close()
	if err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "channel-dup", Err: err}
	}
	defer func() { _ = remoteFile.Close() }()

	files, cleanup, err := s.extraFiles(remoteFile)
	if err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "extra-files", Err: err}
	}
	defer cleanup()

	cmd := exec.Command(exe)
	cmd.Env = s.env(role, generation, seq)
	cmd.ExtraFiles = files
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "start " + role, Err: err}
	}
	pid := cmd.Process.Pid
	// Exit collection belongs to the reap loop, not to a stray cmd.Wait.
	_ = cmd.Process.Release()
	return pid, local, nil
}

// StartSibling spawns a worker that must NOT be a child of the caller: the
// caller (a promoted mold that is itself about to be drained someday) starts
// an intermediate copy of the binary, the intermediate starts the worker and
// exits immediately, and the orphaned worker is adopted by the nearest
// subreaper, the monitor. The returned file is the monitor-side end of the
// worker's control channel; the caller hands it to the monitor over its own
// channel, since it cannot give the monitor a descriptor any other way.
func (s *Spawner) StartSibling(generation, seq uint64) (int, *os.File, error) {
	exe, err := s.exe()
	if err != nil {
		return 0, nil, &SpawnError{Op: "resolve-exe", Err: err}
	}
	local, remote, err := ipc.Pair()
	if err != nil {
		return 0, nil, &SpawnError{Op: "channel", Err: err}
	}
	remoteFile, err := remote.File()
	_ = remote.Close()
	if err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "channel-dup", Err: err}
	}
	defer func() { _ = remoteFile.Close() }()

	files, cleanup, err := s.extraFiles(remoteFile)
	if err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "extra-files", Err: err}
	}
	defer cleanup()

	cmd := exec.Command(exe)
	cmd.Env = s.env(RoleIntermediate, generation, seq)
	cmd.ExtraFiles = files
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The intermediate prints the grandchild pid on stdout and exits; it is
	// our direct child, so waiting on it here is safe and reaps it.
	out, err := cmd.Output()
	if err != nil {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "intermediate", Err: err}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		_ = local.Close()
		return 0, nil, &SpawnError{Op: "intermediate-pid", Err: fmt.Errorf("unparseable pid %q", out)}
	}

	monitorEnd, err := local.File()
	_ = local.Close()
	if err != nil {
		return 0, nil, &SpawnError{Op: "channel-dup", Err: err}
	}
	return pid, monitorEnd, nil
}

// RunIntermediate is the body of the spawn-intermediate role: start the real
// worker with the inherited descriptors, report its pid, and exit so the
// worker is orphaned onto the subreaper. It never returns on success paths
// other than to let main exit 0.
func RunIntermediate() error {
	id, err := FromEnv()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return &SpawnError{Op: "resolve-exe", Err: err}
	}

	channel := os.NewFile(uintptr(channelFd), "control-channel")
	listener := os.NewFile(uintptr(listenerFd), "shared-listener")
	defer func() {
		if channel != nil {
			_ = channel.Close()
		}
		if listener != nil {
			_ = listener.Close()
		}
	}()

	cmd := exec.Command(exe)
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvRole+"=") {
			continue
		}
		out = append(out, kv)
	}
	cmd.Env = append(out,
		EnvRole+"="+RoleWorker,
		EnvSeq+"="+strconv.FormatUint(id.Seq, 10),
		EnvGeneration+"="+strconv.FormatUint(id.Generation, 10),
	)
	cmd.ExtraFiles = []*os.File{channel, listener}
	// Our stdout is the pid pipe back to the spawner; keep it clean.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Op: "start worker", Err: err}
	}
	fmt.Println(cmd.Process.Pid)
	_ = cmd.Process.Release()
	return nil
}
