package spawn

import (
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestIdentityFromEnv(t *testing.T) {
	t.Setenv(EnvRole, RoleWorker)
	t.Setenv(EnvSeq, "17")
	t.Setenv(EnvGeneration, "3")
	id, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if id.Role != RoleWorker || id.Seq != 17 || id.Generation != 3 {
		t.Fatalf("identity mismatch: %+v", id)
	}
}

func TestIdentityEmptyWhenUnspawned(t *testing.T) {
	t.Setenv(EnvRole, "")
	id, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if id.Role != "" {
		t.Fatalf("expected operator start, got role %q", id.Role)
	}
}

func TestIdentityRejectsGarbage(t *testing.T) {
	t.Setenv(EnvRole, RoleWorker)
	t.Setenv(EnvSeq, "not-a-number")
	t.Setenv(EnvGeneration, "3")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for garbage seq")
	}
}

func TestStartChildMissingBinaryIsSpawnError(t *testing.T) {
	s := &Spawner{Exe: "/nonexistent/remold-test-binary"}
	_, _, err := s.StartChild(RoleWorker, 1, 1)
	if err == nil {
		t.Fatalf("expected spawn failure")
	}
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected SpawnError, got %T: %v", err, err)
	}
}

func TestEnvOverridesStaleRoleVars(t *testing.T) {
	s := &Spawner{BaseEnv: []string{EnvRole + "=stale", "PATH=/bin", EnvSeq + "=999"}}
	env := s.env(RoleMold, 2, 5)
	var role, seq string
	for _, kv := range env {
		switch {
		case kv == EnvRole+"=stale" || kv == EnvSeq+"=999":
			t.Fatalf("stale identity leaked into child env: %s", kv)
		case len(kv) > len(EnvRole) && kv[:len(EnvRole)+1] == EnvRole+"=":
			role = kv[len(EnvRole)+1:]
		case len(kv) > len(EnvSeq) && kv[:len(EnvSeq)+1] == EnvSeq+"=":
			seq = kv[len(EnvSeq)+1:]
		}
	}
	if role != RoleMold || seq != "5" {
		t.Fatalf("identity not set: role=%q seq=%q", role, seq)
	}
}

func TestChildPIDsSeesDirectChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	pids, err := ChildPIDs()
	if err != nil {
		t.Fatalf("ChildPIDs: %v", err)
	}
	found := false
	for _, p := range pids {
		if p == cmd.Process.Pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("child %d not found in %v", cmd.Process.Pid, pids)
	}
}

func TestAliveDetectsExit(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	pid := cmd.Process.Pid
	if !Alive(pid) {
		t.Fatalf("fresh child reported dead")
	}
	Kill(pid)
	_, _ = cmd.Process.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if Alive(pid) {
		t.Fatalf("killed child still reported alive")
	}
}

func TestPpidOfSelf(t *testing.T) {
	if got := ppidOf(os.Getpid()); got != os.Getppid() {
		t.Fatalf("ppidOf(self) = %d, want %d", got, os.Getppid())
	}
	if got := ppidOf(-1); got != -1 {
		t.Fatalf("ppidOf(-1) = %d, want -1", got)
	}
}
