// Package scoring computes the five-criteria weighted score used to rank
// candidate strategies after sandbox execution.
package scoring

import (
	"math"
	"sort"

	"github.com/agentforge/agentcore/internal/config"
)

// SecuritySeverity is the categorical finding from a strategy's static
// security scan.
type SecuritySeverity string

const (
	SeverityCritical SecuritySeverity = "critical"
	SeverityHigh     SecuritySeverity = "high"
	SeverityMedium   SecuritySeverity = "medium"
	SeverityLow      SecuritySeverity = "low"
	SeverityNone     SecuritySeverity = "none"
)

var securityScores = map[SecuritySeverity]float64{
	SeverityCritical: 0.0,
	SeverityHigh:     0.2,
	SeverityMedium:   0.5,
	SeverityLow:      0.8,
	SeverityNone:     1.0,
}

// Inputs is everything the Scorer needs about one executed strategy beyond
// the raw ExecutionResult: static analysis and graph-impact figures the
// sandbox itself does not compute.
type Inputs struct {
	CompileSuccess   bool
	TestPassRate     float64 // [0,1]
	LintErrors       int
	LintWarnings     int
	TypeErrors       int
	ComplexityDelta  int // negative = complexity reduced
	SecuritySeverity SecuritySeverity
	CFGChanges       int
	DFGChanges       int
	ExecutionTime    float64 // seconds
	MemoryDeltaMB    float64
}

// StrategyScore is the Scorer's output for one strategy: the five
// per-criterion values, the weighted total, and the confidence used for
// ranking.
type StrategyScore struct {
	Correctness     float64
	Quality         float64
	Security        float64
	Maintainability float64
	Performance     float64
	Total           float64
	Confidence      float64
	VetoApplied     bool
}

// Scorer computes StrategyScore from Inputs using a fixed weight vector.
type Scorer struct {
	weights config.ScorerWeights
}

// New creates a Scorer. Weights are assumed already validated (sum to 1.0
// within epsilon) by config.Validate.
func New(weights config.ScorerWeights) *Scorer {
	return &Scorer{weights: weights}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Score computes the five criteria, the security-veto-capped total, and a
// confidence value (the geometric mean of the five criteria, used only for
// stable ranking here — ReflectionJudge computes its own confidence).
func (s *Scorer) Score(in Inputs) StrategyScore {
	var correctness float64
	if in.CompileSuccess {
		correctness = 0.3 + 0.7*in.TestPassRate
	}

	lintPenalty := clamp(0.05*float64(in.LintErrors)+0.02*float64(in.LintWarnings)+0.1*float64(in.TypeErrors), 0, 0.6)
	complexityBonus := clamp(-0.02*float64(in.ComplexityDelta), -0.2, 0.2)
	quality := clamp(1-lintPenalty+complexityBonus, 0, 1)

	security, ok := securityScores[in.SecuritySeverity]
	if !ok {
		security = securityScores[SeverityNone]
	}

	maintainability := 1 - math.Min(0.01*math.Abs(float64(in.CFGChanges)), 0.5) - math.Min(0.01*float64(in.DFGChanges), 0.3)
	maintainability = clamp(maintainability, 0, 1)

	performance := 1.0
	if in.ExecutionTime > 10 {
		performance -= math.Min(0.5, 0.05*(in.ExecutionTime-10))
	}
	if in.MemoryDeltaMB > 100 {
		performance -= math.Min(0.3, 0.003*(in.MemoryDeltaMB-100))
	}
	performance = clamp(performance, 0, 1)

	total := s.weights.Correctness*correctness +
		s.weights.Quality*quality +
		s.weights.Security*security +
		s.weights.Maintainability*maintainability +
		s.weights.Performance*performance

	vetoApplied := false
	if in.SecuritySeverity == SeverityHigh || in.SecuritySeverity == SeverityCritical {
		if total > 0.4 {
			total = 0.4
		}
		vetoApplied = true
	}

	confidence := geometricMean([]float64{correctness, quality, security, maintainability, performance})

	return StrategyScore{
		Correctness:     correctness,
		Quality:         quality,
		Security:        security,
		Maintainability: maintainability,
		Performance:     performance,
		Total:           total,
		Confidence:      confidence,
		VetoApplied:     vetoApplied,
	}
}

func geometricMean(values []float64) float64 {
	product := 1.0
	nonzero := 0
	for _, v := range values {
		if v <= 0 {
			return 0
		}
		product *= v
		nonzero++
	}
	if nonzero == 0 {
		return 0
	}
	return math.Pow(product, 1/float64(nonzero))
}

// Ranked pairs an index (into the caller's original strategy slice) with
// its score, so Rank can return a stable order without losing the
// strategy identity.
type Ranked struct {
	Index int
	Score StrategyScore
}

// Rank stable-sorts scores by (-total, -confidence) and returns the top-K
// (or all, if k<=0 or k exceeds the input length).
func Rank(scores []StrategyScore, k int) []Ranked {
	ranked := make([]Ranked, len(scores))
	for i, sc := range scores {
		ranked[i] = Ranked{Index: i, Score: sc}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score.Total != ranked[j].Score.Total {
			return ranked[i].Score.Total > ranked[j].Score.Total
		}
		return ranked[i].Score.Confidence > ranked[j].Score.Confidence
	})
	if k <= 0 || k > len(ranked) {
		k = len(ranked)
	}
	return ranked[:k]
}
