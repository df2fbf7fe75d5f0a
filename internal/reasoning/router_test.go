package reasoning

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideChoosesFastForLowComplexityLowRisk(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{FileCount: 1, ImpactNodes: 2, CyclomaticComplexity: 3})
	require.Equal(t, PathFast, decision.Path)
}

func TestDecideChoosesSlowOnHighComplexity(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{FileCount: 20, ImpactNodes: 200, CyclomaticComplexity: 100})
	require.Equal(t, PathSlow, decision.Path)
	require.GreaterOrEqual(t, decision.Complexity, 0.6)
}

func TestDecideChoosesSlowOnHighRisk(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{RegressionRisk: 1.0})
	require.Equal(t, PathSlow, decision.Path)
	require.GreaterOrEqual(t, decision.Risk, 0.5)
}

func TestDecideChoosesSlowWhenTouchingSecuritySinkRegardlessOfScalars(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{TouchesSecuritySink: true})
	require.Equal(t, PathSlow, decision.Path)
}

func TestDecideTieBreaksTowardSlow(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	// complexity lands exactly at threshold 0.6: impact 100 gives 0.3*min(100/100,1)=0.3, cyclomatic 30 gives 0.5*min(30/50,1)=0.3
	decision := r.Decide(QueryFeatures{ImpactNodes: 100, CyclomaticComplexity: 0})
	require.InDelta(t, 0.3, decision.Complexity, 1e-9)

	decision = r.Decide(QueryFeatures{ImpactNodes: 100, CyclomaticComplexity: 30})
	require.InDelta(t, 0.6, decision.Complexity, 1e-9)
	require.Equal(t, PathSlow, decision.Path)
}

func TestDecideConfidenceFormula(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{SimilarSuccessRate: 0.8})
	require.InDelta(t, 1-(1-0.8)*0.3, decision.Confidence, 1e-9)
}

func TestDecideRiskIncludesPreviousAttemptsPenalty(t *testing.T) {
	r := NewRouter(DefaultThresholds())
	decision := r.Decide(QueryFeatures{PreviousAttempts: 5})
	require.InDelta(t, 0.3, decision.Risk, 1e-9) // 0.1*(5-2)
}
