package scoring

import (
	"testing"

	"github.com/agentforge/agentcore/internal/config"
	"github.com/stretchr/testify/require"
)

func equalWeights() config.ScorerWeights {
	return config.ScorerWeights{
		Correctness:     0.35,
		Quality:         0.2,
		Security:        0.2,
		Maintainability: 0.15,
		Performance:     0.1,
	}
}

func TestScoreCorrectnessZeroWhenCompileFails(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{CompileSuccess: false, TestPassRate: 1.0})
	require.Zero(t, score.Correctness)
}

func TestScoreCorrectnessFormula(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{CompileSuccess: true, TestPassRate: 0.5})
	require.InDelta(t, 0.3+0.7*0.5, score.Correctness, 1e-9)
}

func TestScoreQualityPenalizesLintAndTypeErrors(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{LintErrors: 4, LintWarnings: 2, TypeErrors: 1})
	// penalty = 0.05*4 + 0.02*2 + 0.1*1 = 0.34, clamped under 0.6
	require.InDelta(t, 1-0.34, score.Quality, 1e-9)
}

func TestScoreQualityPenaltyClampedAtPoint6(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{LintErrors: 100})
	require.InDelta(t, 1-0.6, score.Quality, 1e-9)
}

func TestScoreQualityComplexityBonusReducesWhenComplexityIncreases(t *testing.T) {
	s := New(equalWeights())
	reduced := s.Score(Inputs{ComplexityDelta: -10})
	increased := s.Score(Inputs{ComplexityDelta: 10})
	require.Greater(t, reduced.Quality, increased.Quality)
}

func TestScoreSecuritySeverityMapping(t *testing.T) {
	s := New(equalWeights())
	require.Equal(t, 0.0, s.Score(Inputs{SecuritySeverity: SeverityCritical}).Security)
	require.Equal(t, 0.2, s.Score(Inputs{SecuritySeverity: SeverityHigh}).Security)
	require.Equal(t, 0.5, s.Score(Inputs{SecuritySeverity: SeverityMedium}).Security)
	require.Equal(t, 0.8, s.Score(Inputs{SecuritySeverity: SeverityLow}).Security)
	require.Equal(t, 1.0, s.Score(Inputs{SecuritySeverity: SeverityNone}).Security)
}

func TestScoreSecurityUnknownSeverityDefaultsToNone(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{SecuritySeverity: "bogus"})
	require.Equal(t, 1.0, score.Security)
}

func TestScoreMaintainabilityPenalizesGraphChurn(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{CFGChanges: 20, DFGChanges: 10})
	require.InDelta(t, 1-0.01*20-0.01*10, score.Maintainability, 1e-9)
}

func TestScorePerformancePenalizesSlowExecution(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{ExecutionTime: 20})
	require.InDelta(t, 1-0.05*10, score.Performance, 1e-9)
}

func TestScorePerformancePenalizesMemoryDelta(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{MemoryDeltaMB: 200})
	require.InDelta(t, 1-0.003*100, score.Performance, 1e-9)
}

func TestScoreSecurityVetoCapsTotalAtPoint4(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{
		CompileSuccess:   true,
		TestPassRate:     1.0,
		SecuritySeverity: SeverityHigh,
	})
	require.True(t, score.VetoApplied)
	require.LessOrEqual(t, score.Total, 0.4)
}

func TestScoreSecurityVetoNotAppliedBelowThreshold(t *testing.T) {
	s := New(equalWeights())
	score := s.Score(Inputs{SecuritySeverity: SeverityMedium})
	require.False(t, score.VetoApplied)
}

func TestScoreVetoCapsCriticalSeverityTotal(t *testing.T) {
	s := New(equalWeights())
	low := s.Score(Inputs{SecuritySeverity: SeverityCritical})
	require.True(t, low.VetoApplied)
	require.LessOrEqual(t, low.Total, 0.4)
}

func TestRankOrdersByTotalDescending(t *testing.T) {
	scores := []StrategyScore{
		{Total: 0.5, Confidence: 0.9},
		{Total: 0.9, Confidence: 0.5},
		{Total: 0.7, Confidence: 0.7},
	}
	ranked := Rank(scores, 0)
	require.Equal(t, []int{1, 2, 0}, []int{ranked[0].Index, ranked[1].Index, ranked[2].Index})
}

func TestRankBreaksTiesByConfidenceDescending(t *testing.T) {
	scores := []StrategyScore{
		{Total: 0.5, Confidence: 0.2},
		{Total: 0.5, Confidence: 0.9},
	}
	ranked := Rank(scores, 0)
	require.Equal(t, 1, ranked[0].Index)
	require.Equal(t, 0, ranked[1].Index)
}

func TestRankRespectsTopK(t *testing.T) {
	scores := []StrategyScore{{Total: 0.1}, {Total: 0.9}, {Total: 0.5}}
	ranked := Rank(scores, 2)
	require.Len(t, ranked, 2)
	require.Equal(t, 1, ranked[0].Index)
	require.Equal(t, 2, ranked[1].Index)
}
