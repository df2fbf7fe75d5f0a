package reasoning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicStrategyIDIsStableForSameInputs(t *testing.T) {
	id1 := DeterministicStrategyID("fix the login bug", StrategyMinimal, 0)
	id2 := DeterministicStrategyID("fix the login bug", StrategyMinimal, 0)
	require.Equal(t, id1, id2)
}

func TestDeterministicStrategyIDDiffersOnIndex(t *testing.T) {
	id1 := DeterministicStrategyID("fix the login bug", StrategyMinimal, 0)
	id2 := DeterministicStrategyID("fix the login bug", StrategyMinimal, 1)
	require.NotEqual(t, id1, id2)
}

func TestFallbackGeneratorMatchesKeyword(t *testing.T) {
	g := NewFallbackGenerator()
	strat, err := g.Generate(context.Background(), "fix the failing test suite", "", StrategyMinimal, 0)
	require.NoError(t, err)
	require.NotEmpty(t, strat.FileChanges)
	require.Contains(t, strat.FileChanges, "fix_generated_test.py")
}

func TestFallbackGeneratorFallsBackToGenericTemplate(t *testing.T) {
	g := NewFallbackGenerator()
	strat, err := g.Generate(context.Background(), "completely unrelated problem statement", "", StrategyMinimal, 0)
	require.NoError(t, err)
	require.Contains(t, strat.FileChanges, "fix_generic.py")
}

func TestFallbackGeneratorProducesDeterministicStrategyID(t *testing.T) {
	g := NewFallbackGenerator()
	s1, err := g.Generate(context.Background(), "problem A", "", StrategyMinimal, 2)
	require.NoError(t, err)
	s2, err := g.Generate(context.Background(), "problem A", "", StrategyMinimal, 2)
	require.NoError(t, err)
	require.Equal(t, s1.StrategyID, s2.StrategyID)
}
