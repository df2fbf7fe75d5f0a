// Package lockstore defines the LockStore interface shared by the
// Redis-backed and SQLite-backed backends, and the wire representation of
// a LockRecord.
package lockstore

import (
	"context"
	"time"
)

// LockType distinguishes shared and exclusive file locks. At most one
// WRITE LockRecord may exist per file path at a time.
type LockType string

const (
	LockTypeRead  LockType = "READ"
	LockTypeWrite LockType = "WRITE"
)

// LockRecord is one held file lock. FilePath is the store's unique key.
// FileHash is the snapshot taken at acquisition time, used later for drift
// detection; it is never recomputed by the store itself.
type LockRecord struct {
	FilePath   string                 `json:"file_path"`
	AgentID    string                 `json:"agent_id"`
	AcquiredAt time.Time              `json:"acquired_at"`
	FileHash   string                 `json:"file_hash"`
	LockType   LockType               `json:"lock_type"`
	TTLSeconds int                    `json:"ttl_seconds"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r LockRecord) Expired(now time.Time) bool {
	return now.After(r.AcquiredAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// Key returns the store key for the record's file path.
func Key(filePath string) string {
	return "lock:" + filePath
}

// LockStore is satisfied by every backend (Redis-like distributed store,
// single-node SQLite WAL-mode file store). TTL enforcement lives in the
// store, not in callers: Get returns ErrNotFound for an expired record and
// MAY delete it opportunistically.
type LockStore interface {
	// Set upserts a record, resetting its TTL clock to record.AcquiredAt.
	Set(ctx context.Context, path string, record LockRecord) error
	// Get returns the record for path, or ErrNotFound if absent or expired.
	Get(ctx context.Context, path string) (LockRecord, error)
	// Delete removes the record for path. Deleting a non-existent record
	// is not an error.
	Delete(ctx context.Context, path string) error
	// Scan returns every non-expired path currently tracked, reaping
	// expired entries encountered along the way. batchSize bounds how many
	// keys are paged from the backend per round trip.
	Scan(ctx context.Context, batchSize int) ([]string, error)
	// CleanupExpired deletes every expired record and returns the count
	// removed.
	CleanupExpired(ctx context.Context) (int, error)
	// Close releases backend resources (connections, file handles).
	Close() error
}
