// Package lockkeeper implements the background keep-alive renewer for
// locks held by long-running agent tasks.
package lockkeeper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
)

// Renewer is the narrow callback interface LockKeeper depends on: it only
// ever calls Renew, never anything else on the full LockManager, so the
// two packages don't hold references to each other.
type Renewer interface {
	Renew(ctx context.Context, agent, path string) error
}

// LostLock is reported when a tracked lock stops being renewed after
// exceeding its failure budget; the orchestrator is expected to treat the
// lock as gone.
type LostLock struct {
	AgentID string
	Path    string
	Reason  error
}

type trackedLock struct {
	agent              string
	path               string
	consecutiveFailure int
}

func key(agent, path string) string { return agent + "\x00" + path }

// LockKeeper runs a single cooperative renewal loop: concurrent renewals
// never overlap for the same path, since the loop processes one tick of
// its whole tracked set sequentially before sleeping again.
type LockKeeper struct {
	renewer                Renewer
	interval               time.Duration
	maxConsecutiveFailures int
	logger                 corelog.Logger
	onLost                 func(LostLock)

	mu    sync.Mutex
	locks map[string]*trackedLock

	stop chan struct{}
	done chan struct{}
}

// Config configures a LockKeeper.
type Config struct {
	RenewalInterval        time.Duration
	MaxConsecutiveFailures int
	Logger                 corelog.Logger
	OnLost                 func(LostLock)
}

// New creates a LockKeeper. It does not start its loop until Start is
// called.
func New(renewer Renewer, cfg Config) *LockKeeper {
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = 5 * time.Minute
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	if cfg.OnLost == nil {
		cfg.OnLost = func(LostLock) {}
	}
	return &LockKeeper{
		renewer:                renewer,
		interval:               cfg.RenewalInterval,
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		logger:                 cfg.Logger,
		onLost:                 cfg.OnLost,
		locks:                  make(map[string]*trackedLock),
	}
}

// Track starts renewing (agent, path) on every future tick until Untrack
// is called or renewal fails too many times in a row.
func (k *LockKeeper) Track(agent, path string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.locks[key(agent, path)] = &trackedLock{agent: agent, path: path}
}

// Untrack stops renewing (agent, path), used when the caller releases the
// lock itself.
func (k *LockKeeper) Untrack(agent, path string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, key(agent, path))
}

// Start launches the renewal loop in a background goroutine. Call Stop to
// terminate it.
func (k *LockKeeper) Start(ctx context.Context) {
	k.stop = make(chan struct{})
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-k.stop:
				return
			case <-ticker.C:
				k.renewAll(ctx)
			}
		}
	}()
}

// Stop terminates the renewal loop and waits for its current tick to
// finish.
func (k *LockKeeper) Stop() {
	if k.stop == nil {
		return
	}
	close(k.stop)
	<-k.done
}

// renewAll processes every tracked lock sequentially within one tick, so
// renewals for the same path never overlap.
func (k *LockKeeper) renewAll(ctx context.Context) {
	k.mu.Lock()
	keys := make([]string, 0, len(k.locks))
	for kk := range k.locks {
		keys = append(keys, kk)
	}
	sort.Strings(keys)
	tracked := make([]*trackedLock, 0, len(keys))
	for _, kk := range keys {
		tracked = append(tracked, k.locks[kk])
	}
	k.mu.Unlock()

	for _, t := range tracked {
		err := k.renewer.Renew(ctx, t.agent, t.path)
		k.mu.Lock()
		current, stillTracked := k.locks[key(t.agent, t.path)]
		if !stillTracked {
			k.mu.Unlock()
			continue
		}
		if err != nil {
			current.consecutiveFailure++
			failures := current.consecutiveFailure
			k.mu.Unlock()

			k.logger.Warn("lock renewal failed", map[string]interface{}{
				"agent": t.agent, "path": t.path, "consecutive_failures": failures, "error": err.Error(),
			})

			if failures >= k.maxConsecutiveFailures {
				k.Untrack(t.agent, t.path)
				k.logger.Error("lock assumed lost after repeated renewal failures", map[string]interface{}{
					"agent": t.agent, "path": t.path,
				})
				k.onLost(LostLock{AgentID: t.agent, Path: t.path, Reason: err})
			}
			continue
		}
		current.consecutiveFailure = 0
		k.mu.Unlock()
	}
}
