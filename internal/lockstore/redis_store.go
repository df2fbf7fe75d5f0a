package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when no non-expired record exists for a
// path.
var ErrNotFound = errors.New("lockstore: record not found")

// RedisStore is the distributed LockStore backend. It relies on Redis's own
// key expiration (SET ... EX) so an expired record simply disappears
// server-side; Get never has to special-case a record whose TTL lapsed
// between the store's SET and a reader's GET.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    corelog.Logger
}

// NewRedisStore dials redisURL (same scheme the teacher's registry accepts,
// e.g. "redis://localhost:6379") and verifies connectivity with a
// ping-and-retry loop before returning.
func NewRedisStore(redisURL, namespace string, logger corelog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("lockstore: invalid redis URL: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = client.Ping(ctx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	if pingErr != nil {
		return nil, fmt.Errorf("lockstore: redis connection failed after retries: %w", pingErr)
	}

	if namespace == "" {
		namespace = "agentcore"
	}

	return &RedisStore{client: client, namespace: namespace, logger: logger}, nil
}

func (s *RedisStore) key(path string) string {
	return s.namespace + ":" + Key(path)
}

func (s *RedisStore) Set(ctx context.Context, path string, record LockRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("lockstore: marshal record for %q: %w", path, err)
	}
	ttl := time.Duration(record.TTLSeconds) * time.Second
	if err := s.client.Set(ctx, s.key(path), data, ttl).Err(); err != nil {
		return corerr.New("RedisStore.Set", "lock_store_unavailable", path, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, path string) (LockRecord, error) {
	data, err := s.client.Get(ctx, s.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LockRecord{}, ErrNotFound
	}
	if err != nil {
		return LockRecord{}, corerr.New("RedisStore.Get", "lock_store_unavailable", path, err)
	}
	var record LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return LockRecord{}, fmt.Errorf("lockstore: unmarshal record for %q: %w", path, err)
	}
	return record, nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return corerr.New("RedisStore.Delete", "lock_store_unavailable", path, err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	pattern := s.namespace + ":lock:*"
	var paths []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, int64(batchSize)).Result()
		if err != nil {
			return nil, corerr.New("RedisStore.Scan", "lock_store_unavailable", "", err)
		}
		for _, k := range keys {
			paths = append(paths, k[len(s.namespace+":lock:"):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return paths, nil
}

// CleanupExpired is a no-op for Redis: expired records are already gone by
// the time TTL lapses, since Set uses SET ... EX rather than an
// application-level timestamp check.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
