// Package lockmanager implements the two-phase, hash-tracking file lock
// manager: single acquire/release/renew, the canonical-order multi-file
// acquire that prevents deadlock structurally, and hash drift detection.
package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/filehash"
	"github.com/agentforge/agentcore/internal/lockstore"
)

// Conflict identifies the agent already holding a file when an acquire
// fails.
type Conflict struct {
	FilePath     string
	RequestingID string
	HoldingAgent string
	HeldSince    time.Time
}

// AcquireResult is the outcome of a single acquire call.
type AcquireResult struct {
	Success  bool
	Record   lockstore.LockRecord
	Conflict *Conflict
}

// DriftDetectionResult reports whether a locked file's content has changed
// since acquisition. Drift is informational: it never invalidates a lock
// on its own.
type DriftDetectionResult struct {
	FilePath      string
	DriftDetected bool
	OriginalHash  string
	CurrentHash   string
	Message       string
}

// LockManager is the two-phase, hash-tracking lock manager described by
// the core's concurrency control section. It is safe for concurrent use;
// all serialization correctness comes from the backing LockStore plus the
// canonical-ordering rule in AcquireOrdered.
type LockManager struct {
	store  lockstore.LockStore
	logger corelog.Logger
}

// New creates a LockManager backed by store.
func New(store lockstore.LockStore, logger corelog.Logger) *LockManager {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if aware, ok := logger.(corelog.ComponentAwareLogger); ok {
		logger = aware.WithComponent("lockmanager")
	}
	return &LockManager{store: store, logger: logger}
}

// Acquire attempts to take a lock on path for agent. If the path is
// unlocked or its record has expired, a fresh LockRecord is created using
// the file's current content hash. If already held by the same agent, the
// call is idempotent and succeeds without touching the stored hash. If
// held by a different agent, it fails with a Conflict.
func (m *LockManager) Acquire(ctx context.Context, agent, path string, lockType lockstore.LockType, ttlSeconds int) (AcquireResult, error) {
	existing, err := m.store.Get(ctx, path)
	if err != nil && !errors.Is(err, lockstore.ErrNotFound) {
		return AcquireResult{}, fmt.Errorf("lockmanager: querying existing lock for %q: %w", path, err)
	}

	if err == nil {
		if existing.AgentID == agent {
			m.logger.Debug("lock already held by same agent", map[string]interface{}{
				"agent": agent, "path": path,
			})
			return AcquireResult{Success: true, Record: existing}, nil
		}
		m.logger.Warn("lock conflict", map[string]interface{}{
			"path": path, "holder": existing.AgentID, "requester": agent,
		})
		return AcquireResult{
			Success: false,
			Conflict: &Conflict{
				FilePath:     path,
				RequestingID: agent,
				HoldingAgent: existing.AgentID,
				HeldSince:    existing.AcquiredAt,
			},
		}, nil
	}

	hash, err := filehash.HashFile(path)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("lockmanager: hashing %q: %w", path, err)
	}

	record := lockstore.LockRecord{
		FilePath:   path,
		AgentID:    agent,
		AcquiredAt: time.Now(),
		FileHash:   hash,
		LockType:   lockType,
		TTLSeconds: ttlSeconds,
		Metadata:   map[string]interface{}{},
	}
	if err := m.store.Set(ctx, path, record); err != nil {
		return AcquireResult{}, fmt.Errorf("lockmanager: storing lock for %q: %w", path, err)
	}

	m.logger.Info("lock acquired", map[string]interface{}{"agent": agent, "path": path})
	return AcquireResult{Success: true, Record: record}, nil
}

// OrderedResult is the outcome of AcquireOrdered.
type OrderedResult struct {
	Success  bool
	Acquired []string
	Failed   []string
}

// AcquireOrdered is the deadlock-prevention primitive: it deduplicates and
// sorts paths lexicographically, then acquires them one at a time in that
// order. Any two concurrent AcquireOrdered calls with overlapping path
// sets serialize on the smallest shared path, since both see the same
// order — no circular wait can arise. On any failure, or once elapsed
// exceeds timeout, every lock acquired so far is released in reverse
// order (LIFO rollback).
func (m *LockManager) AcquireOrdered(ctx context.Context, agent string, paths []string, lockType lockstore.LockType, ttlSeconds int, timeout time.Duration) (OrderedResult, error) {
	if len(paths) == 0 {
		return OrderedResult{}, corerr.New("LockManager.AcquireOrdered", "validation", "", corerr.ErrValidation)
	}

	sorted := dedupeAndSort(paths)
	start := time.Now()
	acquired := make([]string, 0, len(sorted))

	for _, path := range sorted {
		if time.Since(start) > timeout {
			m.rollback(ctx, agent, acquired)
			m.logger.Error("lock acquisition timeout", map[string]interface{}{
				"agent": agent, "acquired": len(acquired), "target": len(sorted),
			})
			return OrderedResult{Success: false, Acquired: nil, Failed: sorted},
				corerr.New("LockManager.AcquireOrdered", "lock_timeout", "", corerr.ErrLockTimeout)
		}

		result, err := m.Acquire(ctx, agent, path, lockType, ttlSeconds)
		if err != nil {
			m.rollback(ctx, agent, acquired)
			return OrderedResult{Success: false, Acquired: nil, Failed: sorted}, err
		}
		if !result.Success {
			m.rollback(ctx, agent, acquired)
			m.logger.Warn("lock acquisition failed mid-batch, rolling back", map[string]interface{}{
				"agent": agent, "path": path, "acquired": len(acquired),
			})
			return OrderedResult{Success: false, Acquired: nil, Failed: sorted}, nil
		}
		acquired = append(acquired, path)
	}

	return OrderedResult{Success: true, Acquired: acquired, Failed: nil}, nil
}

func (m *LockManager) rollback(ctx context.Context, agent string, acquired []string) {
	for i := len(acquired) - 1; i >= 0; i-- {
		if err := m.Release(ctx, agent, acquired[i]); err != nil {
			m.logger.Warn("rollback release failed", map[string]interface{}{
				"agent": agent, "path": acquired[i], "error": err.Error(),
			})
		}
	}
}

func dedupeAndSort(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Release succeeds only if the held record's agent matches agent.
// Non-owning releases never silently succeed.
func (m *LockManager) Release(ctx context.Context, agent, path string) error {
	existing, err := m.store.Get(ctx, path)
	if errors.Is(err, lockstore.ErrNotFound) {
		m.logger.Warn("no lock to release", map[string]interface{}{"agent": agent, "path": path})
		return corerr.New("LockManager.Release", "not_owner", path, corerr.ErrNotOwner)
	}
	if err != nil {
		return fmt.Errorf("lockmanager: querying lock for release of %q: %w", path, err)
	}
	if existing.AgentID != agent {
		m.logger.Error("cannot release lock held by another agent", map[string]interface{}{
			"agent": agent, "holder": existing.AgentID, "path": path,
		})
		return corerr.New("LockManager.Release", "not_owner", path, corerr.ErrNotOwner)
	}
	if err := m.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("lockmanager: deleting lock for %q: %w", path, err)
	}
	m.logger.Info("lock released", map[string]interface{}{"agent": agent, "path": path})
	return nil
}

// Renew verifies ownership, then updates acquired_at to now and rewrites
// the record, which resets its TTL in the store. Used by the background
// LockKeeper.
func (m *LockManager) Renew(ctx context.Context, agent, path string) error {
	existing, err := m.store.Get(ctx, path)
	if errors.Is(err, lockstore.ErrNotFound) {
		return corerr.New("LockManager.Renew", "not_owner", path, corerr.ErrNotOwner)
	}
	if err != nil {
		return fmt.Errorf("lockmanager: querying lock for renewal of %q: %w", path, err)
	}
	if existing.AgentID != agent {
		return corerr.New("LockManager.Renew", "not_owner", path, corerr.ErrNotOwner)
	}
	existing.AcquiredAt = time.Now()
	if err := m.store.Set(ctx, path, existing); err != nil {
		return fmt.Errorf("lockmanager: renewing lock for %q: %w", path, err)
	}
	return nil
}

// DetectDrift recomputes path's content hash and compares it against the
// hash stored at acquisition time.
func (m *LockManager) DetectDrift(ctx context.Context, path string) (DriftDetectionResult, error) {
	record, err := m.store.Get(ctx, path)
	if errors.Is(err, lockstore.ErrNotFound) {
		return DriftDetectionResult{FilePath: path, Message: "no lock exists"}, nil
	}
	if err != nil {
		return DriftDetectionResult{}, fmt.Errorf("lockmanager: querying lock for drift check of %q: %w", path, err)
	}

	currentHash, err := filehash.HashFile(path)
	if err != nil {
		return DriftDetectionResult{}, fmt.Errorf("lockmanager: hashing %q: %w", path, err)
	}

	if currentHash != record.FileHash {
		m.logger.Warn("hash drift detected", map[string]interface{}{
			"path": path, "original": record.FileHash, "current": currentHash,
		})
		return DriftDetectionResult{
			FilePath:      path,
			DriftDetected: true,
			OriginalHash:  record.FileHash,
			CurrentHash:   currentHash,
			Message:       "hash drift detected",
		}, nil
	}

	return DriftDetectionResult{
		FilePath:     path,
		OriginalHash: record.FileHash,
		CurrentHash:  currentHash,
		Message:      "no drift",
	}, nil
}

// ReacquireIfDrifted checks for drift on path and, if the content changed,
// releases and re-acquires the lock so the stored hash reflects current
// content. It never invalidates the lock on its own — a caller that wants
// to treat drift as fatal must inspect the returned result itself.
func (m *LockManager) ReacquireIfDrifted(ctx context.Context, agent, path string, lockType lockstore.LockType, ttlSeconds int) (DriftDetectionResult, error) {
	drift, err := m.DetectDrift(ctx, path)
	if err != nil {
		return DriftDetectionResult{}, err
	}
	if !drift.DriftDetected {
		return drift, nil
	}
	if err := m.Release(ctx, agent, path); err != nil {
		return drift, fmt.Errorf("lockmanager: releasing drifted lock for %q: %w", path, err)
	}
	if _, err := m.Acquire(ctx, agent, path, lockType, ttlSeconds); err != nil {
		return drift, fmt.Errorf("lockmanager: re-acquiring drifted lock for %q: %w", path, err)
	}
	return drift, nil
}

// ListLocks uses the store's bounded scan to enumerate held, non-expired
// locks, reaping any expired entries encountered along the way.
func (m *LockManager) ListLocks(ctx context.Context) ([]lockstore.LockRecord, error) {
	const scanBatchSize = 1000
	paths, err := m.store.Scan(ctx, scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("lockmanager: scanning lock store: %w", err)
	}

	records := make([]lockstore.LockRecord, 0, len(paths))
	for _, path := range paths {
		record, err := m.store.Get(ctx, path)
		if errors.Is(err, lockstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lockmanager: fetching record for %q: %w", path, err)
		}
		records = append(records, record)
	}
	return records, nil
}
