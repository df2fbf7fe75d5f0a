package experience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_RecordAndBySession(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", ProblemType: "bugfix", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", ProblemType: "bugfix", Success: false}))
	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s2", ProblemType: "bugfix", Success: true}))

	got, err := repo.BySession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.BySession(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryRepository_Lookback(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}))
	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s2", CreatedAt: time.Now().Add(-1 * time.Hour)}))

	got, err := repo.Lookback(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)
}

func TestMemoryRepository_SimilarSuccessRate(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "bugfix", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "bugfix", Success: true}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "bugfix", Success: false}))
	require.NoError(t, repo.Record(ctx, Experience{ProblemType: "refactor", Success: false}))

	rate, err := repo.SimilarSuccessRate(ctx, "bugfix", 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)

	rate, err = repo.SimilarSuccessRate(ctx, "unseen", 0)
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestMemoryRepository_RecordAssignsIDAndTimestamp(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Experience{SessionID: "s1"}))
	got, err := repo.BySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}
