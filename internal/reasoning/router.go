// Package reasoning implements the fast/slow routing decision, the
// Strategy generation contract and its deterministic fallback, and the
// Tree-of-Thought executor that fans strategy execution out to sandboxes.
package reasoning

// QueryFeatures summarizes one incoming task for the Router. It is produced
// by external collaborators (complexity analyzer, risk assessor, history
// lookup) the core never implements itself.
type QueryFeatures struct {
	FileCount            int
	ImpactNodes          int
	CyclomaticComplexity int
	HasTestFailure       bool
	TouchesSecuritySink  bool
	RegressionRisk       float64 // [0,1]
	SimilarSuccessRate   float64 // [0,1]
	PreviousAttempts     int
}

// Path is the routing outcome: FAST runs a single strategy directly, SLOW
// invokes the full Tree-of-Thought pipeline under the FailSafeController.
type Path string

const (
	PathFast Path = "FAST"
	PathSlow Path = "SLOW"
)

// ReasoningDecision is the Router's output, carrying the scalars that drove
// it so callers and logs can explain why a task took a given path.
type ReasoningDecision struct {
	Path       Path
	Complexity float64
	Risk       float64
	Confidence float64
}

// Thresholds configures the Router's FAST/SLOW decision boundary. Defaults
// match the reference values; instances may reconfigure them, but the
// thresholds are never shared globally across Router instances.
type Thresholds struct {
	ComplexityThreshold float64
	RiskThreshold       float64
}

// DefaultThresholds returns the reference complexity/risk cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{ComplexityThreshold: 0.6, RiskThreshold: 0.5}
}

// Router computes the FAST/SLOW routing decision for one task.
type Router struct {
	thresholds Thresholds
}

// NewRouter creates a Router with the given thresholds.
func NewRouter(thresholds Thresholds) *Router {
	return &Router{thresholds: thresholds}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// Decide computes complexity and risk from features and returns the routing
// decision. Ties (complexity/risk exactly at threshold) break toward SLOW,
// matching the "≥" comparison in both clauses.
func (r *Router) Decide(f QueryFeatures) ReasoningDecision {
	complexity := 0.2*min1(float64(f.FileCount)/10) +
		0.3*min1(float64(f.ImpactNodes)/100) +
		0.5*min1(float64(f.CyclomaticComplexity)/50)

	risk := 0.5 * f.RegressionRisk
	if f.HasTestFailure {
		risk += 0.3
	}
	if f.TouchesSecuritySink {
		risk += 0.2
	}
	if extra := float64(f.PreviousAttempts - 2); extra > 0 {
		risk += 0.1 * extra
	}
	risk = clamp01(risk)

	path := PathFast
	if complexity >= r.thresholds.ComplexityThreshold || risk >= r.thresholds.RiskThreshold || f.TouchesSecuritySink {
		path = PathSlow
	}

	confidence := 1 - (1-f.SimilarSuccessRate)*0.3

	return ReasoningDecision{Path: path, Complexity: complexity, Risk: risk, Confidence: confidence}
}
