package procmon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProcRoot builds a minimal /proc-like tree for one pid with the given
// status line, environ pairs, and optional listening-socket inode.
func fakeProcRoot(t *testing.T, pid int, state, name string, env map[string]string) string {
	t.Helper()
	root := t.TempDir()
	pidDir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))

	status := "Name:\t" + name + "\nState:\t" + state + "\nVmRSS:\t2048 kB\n"
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "status"), []byte(status), 0o644))

	var environ string
	for k, v := range env {
		environ += k + "=" + v + "\x00"
	}
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "environ"), []byte(environ), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(pidDir, "fd"), 0o755))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "tcp"),
		[]byte("  sl  local_address rem_address   st\n"), 0o644))

	return root
}

func TestListProcessesFiltersBySandboxID(t *testing.T) {
	root := fakeProcRoot(t, os.Getpid(), "R (running)", "pytest", map[string]string{"SANDBOX_ID": "sbx-1"})
	m := New(Config{ProcRoot: root})

	procs, err := m.ListProcesses(Filter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, "pytest", procs[0].Name)
	require.Equal(t, "running", procs[0].Status)
	require.InDelta(t, 2.0, procs[0].MemoryMB, 0.01)

	procs, err = m.ListProcesses(Filter{SandboxID: "sbx-other"})
	require.NoError(t, err)
	require.Empty(t, procs)
}

func TestIsZombieDetectsZombieState(t *testing.T) {
	p := SystemProcess{Status: "zombie", StartedAt: time.Now()}
	require.True(t, p.IsZombie(time.Minute, 1.0))

	running := SystemProcess{Status: "running", StartedAt: time.Now()}
	require.False(t, running.IsZombie(time.Minute, 1.0))
}

func TestIsZombieDetectsIdleOverThreshold(t *testing.T) {
	p := SystemProcess{Status: "sleeping", StartedAt: time.Now().Add(-time.Hour), CPUPercent: 0}
	require.True(t, p.IsZombie(time.Minute, 1.0))
}

func TestSnapshotCacheServesWithinTTL(t *testing.T) {
	root := fakeProcRoot(t, os.Getpid(), "R (running)", "pytest", map[string]string{"SANDBOX_ID": "sbx-1"})
	m := New(Config{ProcRoot: root, CacheTTL: time.Hour})

	first, err := m.ListProcesses(Filter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, os.RemoveAll(filepath.Join(root, strconv.Itoa(os.Getpid()))))

	second, err := m.ListProcesses(Filter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, second, 1, "cached snapshot should still be served within TTL")
}

func TestKillZombiesReturnsNilWhenNoneMatch(t *testing.T) {
	root := fakeProcRoot(t, os.Getpid(), "R (running)", "pytest", map[string]string{"SANDBOX_ID": "sbx-1"})
	m := New(Config{ProcRoot: root, CacheTTL: time.Millisecond})
	require.NoError(t, m.KillZombies(context.Background(), "sbx-1"))
}

func TestFreePortsReturnsNilWhenNoneListening(t *testing.T) {
	root := fakeProcRoot(t, os.Getpid(), "R (running)", "pytest", map[string]string{"SANDBOX_ID": "sbx-1"})
	m := New(Config{ProcRoot: root, CacheTTL: time.Millisecond})
	require.NoError(t, m.FreePorts(context.Background(), "sbx-1", 8000, 9000))
}
