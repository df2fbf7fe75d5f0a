package deadlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/lockmanager"
	"github.com/agentforge/agentcore/internal/lockstore"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct {
	released []string
	err      error
}

func (f *fakeReleaser) Release(ctx context.Context, agent, path string) error {
	if f.err != nil {
		return f.err
	}
	f.released = append(f.released, agent+":"+path)
	return nil
}

func TestAddWaitRejectsSelfEdge(t *testing.T) {
	d := New(Config{})
	require.Error(t, d.AddWait("agent-1", "agent-1", "a.py"))
}

func TestFindCyclesDetectsTwoAgentCycle(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.AddWait("agent-a", "agent-b", "b.py"))
	require.NoError(t, d.AddWait("agent-b", "agent-a", "a.py"))

	cycles := d.FindCycles()
	require.Len(t, cycles, 1)
	require.Contains(t, cycles[0], "agent-a")
	require.Contains(t, cycles[0], "agent-b")
}

func TestFindCyclesNoneWhenAcyclic(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.AddWait("agent-a", "agent-b", "b.py"))
	require.NoError(t, d.AddWait("agent-b", "agent-c", "c.py"))

	require.Empty(t, d.FindCycles())
}

func TestSelectVictimPicksLowestPriority(t *testing.T) {
	priorities := map[string]AgentPriority{
		"agent-a": {AgentID: "agent-a", Priority: 5, StartedAt: time.Now()},
		"agent-b": {AgentID: "agent-b", Priority: 3, StartedAt: time.Now()},
	}
	selection, err := SelectVictim([]string{"agent-a", "agent-b"}, priorities)
	require.NoError(t, err)
	require.Equal(t, "agent-b", selection.Victim)
}

func TestSelectVictimTieBreaksByRecency(t *testing.T) {
	now := time.Now()
	priorities := map[string]AgentPriority{
		"agent-a": {AgentID: "agent-a", Priority: 1, StartedAt: now.Add(-time.Hour)},
		"agent-b": {AgentID: "agent-b", Priority: 1, StartedAt: now},
	}
	selection, err := SelectVictim([]string{"agent-a", "agent-b"}, priorities)
	require.NoError(t, err)
	require.Equal(t, "agent-b", selection.Victim)
}

func TestSelectVictimTieBreaksLexicographically(t *testing.T) {
	now := time.Now()
	priorities := map[string]AgentPriority{
		"agent-b": {AgentID: "agent-b", Priority: 1, StartedAt: now},
		"agent-a": {AgentID: "agent-a", Priority: 1, StartedAt: now},
	}
	selection, err := SelectVictim([]string{"agent-b", "agent-a"}, priorities)
	require.NoError(t, err)
	require.Equal(t, "agent-a", selection.Victim)
}

func TestDetectAndBreakReturnsNilWhenNoCycle(t *testing.T) {
	d := New(Config{EnableAutoBreak: true})
	selection, err := d.DetectAndBreak(context.Background(), &fakeReleaser{}, nil)
	require.NoError(t, err)
	require.Nil(t, selection)
}

func TestDetectAndBreakForcesReleaseWhenAutoBreakEnabled(t *testing.T) {
	d := New(Config{EnableAutoBreak: true})
	require.NoError(t, d.AddWait("agent-a", "agent-b", "b.py"))
	require.NoError(t, d.AddWait("agent-b", "agent-a", "a.py"))

	priorities := map[string]AgentPriority{
		"agent-a": {AgentID: "agent-a", Priority: 5, StartedAt: time.Now()},
		"agent-b": {AgentID: "agent-b", Priority: 3, StartedAt: time.Now()},
	}

	releaser := &fakeReleaser{}
	selection, err := d.DetectAndBreak(context.Background(), releaser, priorities)
	require.True(t, errors.Is(err, corerr.ErrDeadlockDetected))
	require.NotNil(t, selection)
	require.Equal(t, "agent-b", selection.Victim)
	require.Equal(t, "b.py", selection.FilePath, "the released lock must be what the victim holds, not what it waits for")
	require.Equal(t, []string{"agent-b:b.py"}, releaser.released)
}

// TestDetectAndBreakReleasesLockVictimHolds exercises the S4 two-agent
// cycle against a real, ownership-checking LockManager: agent-a holds
// a.py and waits on b.py, agent-b holds b.py and waits on a.py. Victim
// selection picks agent-b (lower priority), and the only release that can
// possibly succeed against LockManager's ownership check is the lock
// agent-b actually holds: b.py.
func TestDetectAndBreakReleasesLockVictimHolds(t *testing.T) {
	dir := t.TempDir()
	store, err := lockstore.NewSQLiteStore(filepath.Join(dir, "locks.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mgr := lockmanager.New(store, nil)

	aPath := filepath.Join(dir, "a.py")
	bPath := filepath.Join(dir, "b.py")
	require.NoError(t, os.WriteFile(aPath, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(bPath, []byte("b"), 0o644))

	ctx := context.Background()
	aAcquire, err := mgr.Acquire(ctx, "agent-a", aPath, lockstore.LockTypeWrite, 60)
	require.NoError(t, err)
	require.True(t, aAcquire.Success)
	bAcquire, err := mgr.Acquire(ctx, "agent-b", bPath, lockstore.LockTypeWrite, 60)
	require.NoError(t, err)
	require.True(t, bAcquire.Success)

	det := New(Config{EnableAutoBreak: true})
	require.NoError(t, det.AddWait("agent-a", "agent-b", bPath))
	require.NoError(t, det.AddWait("agent-b", "agent-a", aPath))

	priorities := map[string]AgentPriority{
		"agent-a": {AgentID: "agent-a", Priority: 5, StartedAt: time.Now()},
		"agent-b": {AgentID: "agent-b", Priority: 3, StartedAt: time.Now()},
	}

	selection, err := det.DetectAndBreak(ctx, mgr, priorities)
	require.True(t, errors.Is(err, corerr.ErrDeadlockDetected))
	require.NotNil(t, selection)
	require.Equal(t, "agent-b", selection.Victim)
	require.Equal(t, bPath, selection.FilePath)

	_, err = store.Get(ctx, bPath)
	require.ErrorIs(t, err, lockstore.ErrNotFound, "victim's held lock must actually be released")

	record, err := store.Get(ctx, aPath)
	require.NoError(t, err)
	require.Equal(t, "agent-a", record.AgentID, "the non-victim's lock must be untouched")
}

func TestDetectAndBreakDoesNotReleaseWhenAutoBreakDisabled(t *testing.T) {
	d := New(Config{EnableAutoBreak: false})
	require.NoError(t, d.AddWait("agent-a", "agent-b", "b.py"))
	require.NoError(t, d.AddWait("agent-b", "agent-a", "a.py"))

	priorities := map[string]AgentPriority{
		"agent-a": {AgentID: "agent-a", Priority: 5, StartedAt: time.Now()},
		"agent-b": {AgentID: "agent-b", Priority: 3, StartedAt: time.Now()},
	}

	releaser := &fakeReleaser{}
	selection, err := d.DetectAndBreak(context.Background(), releaser, priorities)
	require.True(t, errors.Is(err, corerr.ErrDeadlockDetected))
	require.NotNil(t, selection)
	require.Empty(t, releaser.released)
}

func TestRemoveWaitClearsEdge(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.AddWait("agent-a", "agent-b", "b.py"))
	d.RemoveWait("agent-a")
	require.Empty(t, d.FindCycles())
}
