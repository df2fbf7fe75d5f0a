package orchestrator

import (
	"context"
	"strings"

	"github.com/agentforge/agentcore/internal/experience"
	"github.com/agentforge/agentcore/internal/reasoning"
)

// FeatureExtractor is the external collaborator interface spec §4.12 step 1
// names (complexity analyzer, risk assessor, index lookup) collapsed into
// one call: given a Request it returns the QueryFeatures the Router needs.
// The core never implements the real analyzers; DefaultFeatureExtractor is
// a deterministic stand-in so the orchestrator is runnable without one.
type FeatureExtractor interface {
	Extract(ctx context.Context, req Request) (reasoning.QueryFeatures, error)
}

// securitySinkKeywords are substrings in a task description or code
// snippet that DefaultFeatureExtractor treats as touching a security sink,
// standing in for the real static-analysis pass.
var securitySinkKeywords = []string{
	"sql injection", "db.execute", "eval(", "exec(", "os.system", "subprocess.call", "pickle.loads",
}

// DefaultFeatureExtractor derives QueryFeatures heuristically from the
// request's shape and an ExperienceRepository lookback, in lieu of a real
// complexity analyzer / risk assessor / code index.
type DefaultFeatureExtractor struct {
	Experience experience.Repository
	ProblemType func(string) string
}

// Extract computes FileCount and ImpactNodes from the request directly,
// CyclomaticComplexity/HasTestFailure as simple textual heuristics over
// the code snippet, and SimilarSuccessRate from the experience repository
// when one is wired.
func (e DefaultFeatureExtractor) Extract(ctx context.Context, req Request) (reasoning.QueryFeatures, error) {
	lower := strings.ToLower(req.TaskDescription + "\n" + req.CodeSnippet)

	features := reasoning.QueryFeatures{
		FileCount:            len(req.TargetFiles),
		ImpactNodes:          len(req.TargetFiles) * 5,
		CyclomaticComplexity: estimateComplexity(req.CodeSnippet),
		HasTestFailure:       strings.Contains(lower, "test fail") || strings.Contains(lower, "failing test"),
		TouchesSecuritySink:  containsAny(lower, securitySinkKeywords),
		RegressionRisk:       0.2,
	}

	if e.Experience != nil {
		problemType := "general"
		if e.ProblemType != nil {
			problemType = e.ProblemType(req.TaskDescription)
		}
		rate, err := e.Experience.SimilarSuccessRate(ctx, problemType, 0)
		if err == nil {
			features.SimilarSuccessRate = rate
		}
	}

	return features, nil
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// estimateComplexity counts branch-like tokens as a rough cyclomatic
// complexity proxy, standing in for a real AST-based analyzer.
func estimateComplexity(snippet string) int {
	tokens := []string{"if ", "for ", "while ", "case ", "except", "catch", "&&", "||"}
	count := 1
	lower := strings.ToLower(snippet)
	for _, tok := range tokens {
		count += strings.Count(lower, tok)
	}
	return count
}
