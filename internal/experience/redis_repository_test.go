package experience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisRepository(t *testing.T) *RedisRepository {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	repo, err := NewRedisRepository("redis://"+mr.Addr(), "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRedisRepository_RecordAndBySession(t *testing.T) {
	repo := newTestRedisRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", ProblemType: "bugfix", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", ProblemType: "bugfix", Success: false}))
	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s2", ProblemType: "bugfix", Success: true}))

	found, err := repo.BySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, found, 2)
	for _, e := range found {
		require.NotEmpty(t, e.ID)
		require.False(t, e.CreatedAt.IsZero())
	}
}

func TestRedisRepository_Lookback(t *testing.T) {
	repo := newTestRedisRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", ProblemType: "refactor"}))

	found, err := repo.Lookback(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = repo.Lookback(ctx, -1)
	require.NoError(t, err)
	require.Len(t, found, 1, "non-positive window defaults to DefaultLookbackDays")
}

func TestRedisRepository_SimilarSuccessRate(t *testing.T) {
	repo := newTestRedisRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "security", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "security", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "security", Success: false}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "performance", Success: false}))

	rate, err := repo.SimilarSuccessRate(ctx, "security", time.Hour)
	require.NoError(t, err)
	require.InDelta(t, 2.0/3.0, rate, 1e-9)

	rate, err = repo.SimilarSuccessRate(ctx, "unseen-type", time.Hour)
	require.NoError(t, err)
	require.Zero(t, rate)
}
