package lockkeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRenewer struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
}

func (f *fakeRenewer) Renew(ctx context.Context, agent, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agent+":"+path)
	if err, ok := f.errFor[agent+":"+path]; ok {
		return err
	}
	return nil
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestLockKeeperRenewsTrackedLocks(t *testing.T) {
	renewer := &fakeRenewer{}
	kk := New(renewer, Config{RenewalInterval: 10 * time.Millisecond})
	kk.Track("agent-1", "a.py")

	ctx, cancel := context.WithCancel(context.Background())
	kk.Start(ctx)
	defer cancel()
	defer kk.Stop()

	require.Eventually(t, func() bool { return renewer.callCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestLockKeeperReportsLostLockAfterMaxFailures(t *testing.T) {
	boom := errors.New("store unreachable")
	renewer := &fakeRenewer{errFor: map[string]error{"agent-1:a.py": boom}}

	var mu sync.Mutex
	var lost []LostLock
	kk := New(renewer, Config{
		RenewalInterval:        5 * time.Millisecond,
		MaxConsecutiveFailures: 2,
		OnLost: func(l LostLock) {
			mu.Lock()
			defer mu.Unlock()
			lost = append(lost, l)
		},
	})
	kk.Track("agent-1", "a.py")

	ctx, cancel := context.WithCancel(context.Background())
	kk.Start(ctx)
	defer cancel()
	defer kk.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, "agent-1", lost[0].AgentID)
	require.Equal(t, "a.py", lost[0].Path)
	mu.Unlock()
}

func TestLockKeeperUntrackStopsRenewal(t *testing.T) {
	renewer := &fakeRenewer{}
	kk := New(renewer, Config{RenewalInterval: 5 * time.Millisecond})
	kk.Track("agent-1", "a.py")

	ctx, cancel := context.WithCancel(context.Background())
	kk.Start(ctx)
	defer cancel()
	defer kk.Stop()

	require.Eventually(t, func() bool { return renewer.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	kk.Untrack("agent-1", "a.py")

	countAfterUntrack := renewer.callCount()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, renewer.callCount(), countAfterUntrack+1)
}
