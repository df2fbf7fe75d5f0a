package lockstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single-node LockStore backend. It opens the database
// in WAL mode so concurrent readers (list_locks scans) don't block a
// writer holding a brief transaction for acquire/renew/release.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	logger corelog.Logger
}

// NewSQLiteStore opens (creating if needed) a WAL-mode SQLite database at
// dbPath and ensures the lock_records schema exists.
func NewSQLiteStore(dbPath string, logger corelog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lockstore: creating directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("lockstore: opening sqlite database %q: %w", dbPath, err)
	}

	store := &SQLiteStore{db: db, path: dbPath, logger: logger}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS lock_records (
		file_path   TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		file_hash   TEXT NOT NULL,
		lock_type   TEXT NOT NULL,
		ttl_seconds INTEGER NOT NULL,
		metadata    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lock_records_agent ON lock_records(agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Set(ctx context.Context, path string, record LockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("lockstore: marshal metadata for %q: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lock_records (file_path, agent_id, acquired_at, file_hash, lock_type, ttl_seconds, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			agent_id = excluded.agent_id,
			acquired_at = excluded.acquired_at,
			file_hash = excluded.file_hash,
			lock_type = excluded.lock_type,
			ttl_seconds = excluded.ttl_seconds,
			metadata = excluded.metadata`,
		path, record.AgentID, record.AcquiredAt.UTC().Format(time.RFC3339Nano),
		record.FileHash, string(record.LockType), record.TTLSeconds, string(metadata),
	)
	if err != nil {
		return corerr.New("SQLiteStore.Set", "lock_store_unavailable", path, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, found, err := s.queryOne(ctx, path)
	if err != nil {
		return LockRecord{}, corerr.New("SQLiteStore.Get", "lock_store_unavailable", path, err)
	}
	if !found {
		return LockRecord{}, ErrNotFound
	}
	if record.Expired(time.Now()) {
		return LockRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *SQLiteStore) queryOne(ctx context.Context, path string) (LockRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_path, agent_id, acquired_at, file_hash, lock_type, ttl_seconds, metadata
		FROM lock_records WHERE file_path = ?`, path)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	return record, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (LockRecord, error) {
	var (
		record       LockRecord
		acquiredAt   string
		lockType     string
		metadataJSON sql.NullString
	)
	if err := row.Scan(&record.FilePath, &record.AgentID, &acquiredAt, &record.FileHash, &lockType, &record.TTLSeconds, &metadataJSON); err != nil {
		return LockRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil {
		return LockRecord{}, fmt.Errorf("lockstore: parsing acquired_at %q: %w", acquiredAt, err)
	}
	record.AcquiredAt = ts
	record.LockType = LockType(lockType)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &record.Metadata); err != nil {
			return LockRecord{}, fmt.Errorf("lockstore: unmarshal metadata: %w", err)
		}
	}
	return record, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lock_records WHERE file_path = ?`, path); err != nil {
		return corerr.New("SQLiteStore.Delete", "lock_store_unavailable", path, err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	var expired []string
	now := time.Now()
	for offset := 0; ; offset += batchSize {
		rows, err := s.db.QueryContext(ctx, `
			SELECT file_path, agent_id, acquired_at, file_hash, lock_type, ttl_seconds, metadata
			FROM lock_records ORDER BY file_path LIMIT ? OFFSET ?`, batchSize, offset)
		if err != nil {
			return nil, corerr.New("SQLiteStore.Scan", "lock_store_unavailable", "", err)
		}
		n := 0
		for rows.Next() {
			n++
			record, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if record.Expired(now) {
				expired = append(expired, record.FilePath)
				continue
			}
			paths = append(paths, record.FilePath)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		if n < batchSize {
			break
		}
	}

	for _, path := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM lock_records WHERE file_path = ?`, path); err != nil {
			s.logger.Warn("failed reaping expired lock during scan", map[string]interface{}{
				"file_path": path, "error": err.Error(),
			})
		}
	}

	return paths, nil
}

func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT file_path, acquired_at, ttl_seconds FROM lock_records`)
	if err != nil {
		return 0, corerr.New("SQLiteStore.CleanupExpired", "lock_store_unavailable", "", err)
	}

	var expired []string
	now := time.Now()
	for rows.Next() {
		var path, acquiredAt string
		var ttl int
		if err := rows.Scan(&path, &acquiredAt, &ttl); err != nil {
			rows.Close()
			return 0, err
		}
		ts, err := time.Parse(time.RFC3339Nano, acquiredAt)
		if err != nil {
			continue
		}
		if now.After(ts.Add(time.Duration(ttl) * time.Second)) {
			expired = append(expired, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, path := range expired {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM lock_records WHERE file_path = ?`, path); err != nil {
			return 0, corerr.New("SQLiteStore.CleanupExpired", "lock_store_unavailable", path, err)
		}
	}
	return len(expired), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
