// Package deadlock maintains the Wait-For graph used as a safety net for
// any lock acquisition path that blocks outside LockManager.AcquireOrdered
// (whose canonical path ordering prevents deadlock structurally). It finds
// cycles with DFS and selects a victim to break them.
package deadlock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
)

// WaitEdge is one blocked-agent-to-lock-holder relation. Self-edges are
// never created; an edge is removed when either endpoint releases its lock
// or the waiter gives up.
type WaitEdge struct {
	WaiterAgentID string
	HolderAgentID string
	FilePath      string
	CreatedAt     time.Time
}

// AgentPriority supplies the data the victim-selection rule needs about a
// candidate: its scheduling priority and when it started, independent of
// the Wait-For graph itself.
type AgentPriority struct {
	AgentID   string
	Priority  int
	StartedAt time.Time
}

// VictimSelection is the audit record of a forced lock release: which
// agents formed the cycle, which one was chosen, and why.
type VictimSelection struct {
	CycleMembers   []string
	Victim         string
	TieBreakReason string
	FilePath       string
}

// Detector owns the live Wait-For graph. It is safe for concurrent use:
// a caller about to block adds its edge with AddWait and removes it with
// RemoveWait once the wait resolves. LockManager calls neither.
type Detector struct {
	mu              sync.Mutex
	edges           map[string]WaitEdge // keyed by waiter_agent_id, see AddWait
	maxCycleLen     int
	enableAutoBreak bool
	logger          corelog.Logger
}

// Config configures a Detector.
type Config struct {
	MaxCycleLength  int
	EnableAutoBreak bool
	Logger          corelog.Logger
}

// New creates a Detector. MaxCycleLength defaults to 10 when unset.
func New(cfg Config) *Detector {
	if cfg.MaxCycleLength <= 0 {
		cfg.MaxCycleLength = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	return &Detector{
		edges:           make(map[string]WaitEdge),
		maxCycleLen:     cfg.MaxCycleLength,
		enableAutoBreak: cfg.EnableAutoBreak,
		logger:          cfg.Logger,
	}
}

func edgeKey(waiter string) string { return waiter }

// AddWait records that waiter is blocked waiting for holder to release
// path. A self-edge (waiter == holder) is rejected, since an agent never
// waits on its own lock.
func (d *Detector) AddWait(waiter, holder, path string) error {
	if waiter == holder {
		return fmt.Errorf("deadlock: refusing self-edge for agent %q on %q", waiter, path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edges[edgeKey(waiter)] = WaitEdge{
		WaiterAgentID: waiter,
		HolderAgentID: holder,
		FilePath:      path,
		CreatedAt:     time.Now(),
	}
	return nil
}

// RemoveWait clears waiter's edge, used once its wait resolves (lock
// acquired or abandoned).
func (d *Detector) RemoveWait(waiter string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.edges, edgeKey(waiter))
}

type nodeColor int

const (
	colorUnvisited nodeColor = iota
	colorOnStack
	colorDone
)

// FindCycles runs a three-colour DFS from every active waiter, reporting
// cycles up to maxCycleLen long. Complexity is O(V+E) in the number of
// edges currently tracked.
func (d *Detector) FindCycles() [][]string {
	d.mu.Lock()
	edgesCopy := make(map[string]WaitEdge, len(d.edges))
	for k, v := range d.edges {
		edgesCopy[k] = v
	}
	d.mu.Unlock()

	colors := make(map[string]nodeColor, len(edgesCopy))
	var cycles [][]string

	var visit func(agent string, path []string)
	visit = func(agent string, path []string) {
		if len(path) > d.maxCycleLen {
			return
		}
		switch colors[agent] {
		case colorOnStack:
			cycles = append(cycles, extractCycle(path, agent))
			return
		case colorDone:
			return
		}
		colors[agent] = colorOnStack
		path = append(path, agent)

		if edge, ok := edgesCopy[agent]; ok {
			visit(edge.HolderAgentID, path)
		}

		colors[agent] = colorDone
	}

	waiters := make([]string, 0, len(edgesCopy))
	for waiter := range edgesCopy {
		waiters = append(waiters, waiter)
	}
	sort.Strings(waiters)

	for _, waiter := range waiters {
		if colors[waiter] == colorUnvisited {
			visit(waiter, nil)
		}
	}
	return cycles
}

func extractCycle(path []string, repeated string) []string {
	for i, agent := range path {
		if agent == repeated {
			cycle := append([]string{}, path[i:]...)
			return cycle
		}
	}
	return append([]string{}, path...)
}

// SelectVictim picks the agent to sacrifice from a detected cycle: lowest
// priority first, tie-broken by most recently started, then by
// lexicographically smallest agent ID. priorities must contain an entry
// for every agent in cycle.
func SelectVictim(cycle []string, priorities map[string]AgentPriority) (VictimSelection, error) {
	if len(cycle) == 0 {
		return VictimSelection{}, fmt.Errorf("deadlock: cannot select victim from empty cycle")
	}

	best := cycle[0]
	bestReason := "lowest priority"
	for _, agent := range cycle[1:] {
		if isBetterVictim(agent, best, priorities) {
			best = agent
		}
	}
	if p, ok := priorities[best]; ok {
		bestReason = fmt.Sprintf("priority=%d", p.Priority)
	}

	return VictimSelection{
		CycleMembers:   append([]string{}, cycle...),
		Victim:         best,
		TieBreakReason: bestReason,
	}, nil
}

// isBetterVictim reports whether candidate should replace current as the
// chosen victim under the priority -> recency -> lexicographic rule.
func isBetterVictim(candidate, current string, priorities map[string]AgentPriority) bool {
	cp, cOK := priorities[candidate]
	bp, bOK := priorities[current]
	if !cOK || !bOK {
		return candidate < current
	}
	if cp.Priority != bp.Priority {
		return cp.Priority < bp.Priority
	}
	if !cp.StartedAt.Equal(bp.StartedAt) {
		return cp.StartedAt.After(bp.StartedAt)
	}
	return cp.AgentID < bp.AgentID
}

// ForcedReleaser is the narrow callback DeadlockDetector uses to break a
// cycle: it releases one lock on behalf of the victim agent. Implemented
// by LockManager; DeadlockDetector never holds a reference to the full
// LockManager to avoid the cyclic dependency the original design had.
type ForcedReleaser interface {
	Release(ctx context.Context, agent, path string) error
}

// DetectAndBreak runs cycle detection and, for the first cycle found,
// selects a victim and forces a release of its contributing lock via
// releaser. If EnableAutoBreak is false, it returns corerr.ErrDeadlockDetected
// without breaking anything, leaving the caller to decide.
func (d *Detector) DetectAndBreak(ctx context.Context, releaser ForcedReleaser, priorities map[string]AgentPriority) (*VictimSelection, error) {
	cycles := d.FindCycles()
	if len(cycles) == 0 {
		return nil, nil
	}

	cycle := cycles[0]
	selection, err := SelectVictim(cycle, priorities)
	if err != nil {
		return nil, err
	}

	// The lock to force-release is the one the victim HOLDS and some other
	// cycle member is waiting for, not the one the victim is itself waiting
	// for (that lock belongs to a different agent and releasing it would
	// either no-op or fail ownership checks on the real LockManager).
	d.mu.Lock()
	var holderPath string
	var found bool
	for _, member := range selection.CycleMembers {
		if member == selection.Victim {
			continue
		}
		if edge, ok := d.edges[edgeKey(member)]; ok && edge.HolderAgentID == selection.Victim {
			holderPath = edge.FilePath
			found = true
			break
		}
	}
	d.mu.Unlock()
	if found {
		selection.FilePath = holderPath
	}

	if !d.enableAutoBreak {
		d.logger.Warn("deadlock detected, auto-break disabled", map[string]interface{}{
			"cycle": selection.CycleMembers, "victim": selection.Victim,
		})
		return &selection, corerr.New("DeadlockDetector.DetectAndBreak", "deadlock_detected", selection.Victim, corerr.ErrDeadlockDetected)
	}

	if found {
		if err := releaser.Release(ctx, selection.Victim, holderPath); err != nil {
			return &selection, fmt.Errorf("deadlock: forcing release for victim %q: %w", selection.Victim, err)
		}
		d.RemoveWait(selection.Victim)
	}

	d.logger.Warn("deadlock victim selected and broken", map[string]interface{}{
		"cycle": selection.CycleMembers, "victim": selection.Victim, "reason": selection.TieBreakReason,
	})

	return &selection, corerr.New("DeadlockDetector.DetectAndBreak", "deadlock_detected", selection.Victim, corerr.ErrDeadlockDetected)
}
