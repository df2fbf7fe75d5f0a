package experience

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/go-redis/redis/v8"
)

// RedisRepository persists Experience records the way the teacher persists
// service registrations: a JSON blob per record plus secondary sorted sets
// for the lookups spec §6 names (by session_id, by created_at window, and
// by problem_type for SimilarSuccessRate). The schema's secondary full-text
// index over problem_description is out of scope here: it belongs to the
// external code-indexing/retrieval subsystem, not this narrow repository.
type RedisRepository struct {
	client    *redis.Client
	namespace string
	logger    corelog.Logger
}

// NewRedisRepository dials redisURL the same way lockstore.NewRedisStore
// does and verifies connectivity before returning.
func NewRedisRepository(redisURL, namespace string, logger corelog.Logger) (*RedisRepository, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("experience: invalid redis URL: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = client.Ping(pctx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	if pingErr != nil {
		return nil, fmt.Errorf("experience: redis connection failed after retries: %w", pingErr)
	}

	if namespace == "" {
		namespace = "agentcore"
	}
	return &RedisRepository{client: client, namespace: namespace, logger: logger}, nil
}

func (r *RedisRepository) recordKey(id string) string { return r.namespace + ":experience:" + id }
func (r *RedisRepository) byTimeKey() string           { return r.namespace + ":experience:by_time" }
func (r *RedisRepository) bySessionKey(sessionID string) string {
	return r.namespace + ":experience:by_session:" + sessionID
}
func (r *RedisRepository) byTypeKey(problemType string) string {
	return r.namespace + ":experience:by_type:" + problemType
}

// Record writes the JSON blob and indexes it into the time, session and
// problem-type sorted sets. Experience persistence is append-only: the
// orchestrator never updates or deletes a recorded experience.
func (r *RedisRepository) Record(ctx context.Context, exp Experience) error {
	if exp.ID == "" {
		exp.ID = fmt.Sprintf("%s-%d", exp.SessionID, time.Now().UnixNano())
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now()
	}

	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("experience: marshal record %q: %w", exp.ID, err)
	}

	score := float64(exp.CreatedAt.UnixNano())
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(exp.ID), data, 0)
	pipe.ZAdd(ctx, r.byTimeKey(), &redis.Z{Score: score, Member: exp.ID})
	if exp.SessionID != "" {
		pipe.ZAdd(ctx, r.bySessionKey(exp.SessionID), &redis.Z{Score: score, Member: exp.ID})
	}
	if exp.ProblemType != "" {
		pipe.ZAdd(ctx, r.byTypeKey(exp.ProblemType), &redis.Z{Score: score, Member: exp.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return corerr.New("RedisRepository.Record", "experience_store_unavailable", exp.ID, corerr.ErrExperienceStoreUnavailable)
	}
	return nil
}

func (r *RedisRepository) fetchMany(ctx context.Context, ids []string) ([]Experience, error) {
	out := make([]Experience, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
		if err != nil {
			r.logger.Warn("experience record missing for indexed id", map[string]interface{}{"id": id})
			continue
		}
		var exp Experience
		if err := json.Unmarshal(data, &exp); err != nil {
			return nil, fmt.Errorf("experience: unmarshal record %q: %w", id, err)
		}
		out = append(out, exp)
	}
	return out, nil
}

func (r *RedisRepository) BySession(ctx context.Context, sessionID string) ([]Experience, error) {
	ids, err := r.client.ZRange(ctx, r.bySessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, corerr.New("RedisRepository.BySession", "experience_store_unavailable", sessionID, corerr.ErrExperienceStoreUnavailable)
	}
	return r.fetchMany(ctx, ids)
}

func (r *RedisRepository) Lookback(ctx context.Context, window time.Duration) ([]Experience, error) {
	if window <= 0 {
		window = DefaultLookbackDays * 24 * time.Hour
	}
	min := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)
	ids, err := r.client.ZRangeByScore(ctx, r.byTimeKey(), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, corerr.New("RedisRepository.Lookback", "experience_store_unavailable", "", corerr.ErrExperienceStoreUnavailable)
	}
	return r.fetchMany(ctx, ids)
}

func (r *RedisRepository) SimilarSuccessRate(ctx context.Context, problemType string, window time.Duration) (float64, error) {
	if window <= 0 {
		window = DefaultLookbackDays * 24 * time.Hour
	}
	min := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)
	ids, err := r.client.ZRangeByScore(ctx, r.byTypeKey(problemType), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return 0, corerr.New("RedisRepository.SimilarSuccessRate", "experience_store_unavailable", problemType, corerr.ErrExperienceStoreUnavailable)
	}
	experiences, err := r.fetchMany(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(experiences) == 0 {
		return 0, nil
	}
	successes := 0
	for _, e := range experiences {
		if e.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(experiences)), nil
}

// Close releases the underlying Redis client.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
