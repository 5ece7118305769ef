package spawn

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Subreap marks the calling process as a child subreaper so that orphaned
// descendants (the grandchildren created by StartSibling) are reparented to
// it instead of to pid 1. The monitor must call this before any spawning;
// without it, siblings become unmanageable.
func Subreap() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// SIGCHLD returns the child-exit signal for signal.Notify wiring.
func SIGCHLD() os.Signal { return unix.SIGCHLD }

// Exit describes one reaped process.
type Exit struct {
	PID    int
	Status unix.WaitStatus
}

// Signaled reports whether the process died from an uncaught signal.
func (e Exit) Signaled() bool { return e.Status.Signaled() }

// Reap collects every child (direct or adopted) that has exited, without
// blocking. Called by the monitor on SIGCHLD.
func Reap() []Exit {
	var exits []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return exits
		}
		exits = append(exits, Exit{PID: pid, Status: ws})
	}
}

// Terminate sends SIGTERM to the process group of pid, falling back to the
// process itself.
func Terminate(pid int) {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
}

// Kill forcefully ends the process group of pid. The monitor holds this as
// the armed fallback whenever a shutdown deadline passes.
func Kill(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// Alive probes a pid with signal 0, treating Linux zombies as dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return strings.Contains(string(b), "State:\tZ")
}

// ChildPIDs scans /proc for live processes whose parent is this process.
// The monitor uses it at startup to find leftovers of a previous incarnation
// (its registry is reconstructible from the live tree) and on demand for
// consistency sweeps.
func ChildPIDs() ([]int, error) {
	self := os.Getpid()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if ppidOf(pid) == self {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// ppidOf parses the ppid out of /proc/<pid>/stat. The comm field may contain
// spaces and parentheses, so parsing starts after the last ')'.
func ppidOf(pid int) int {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return -1
	}
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return -1
	}
	fields := strings.Fields(s[i+1:])
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

// ExitCode extracts a conventional exit code from a wait status.
func ExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}
