package orchestrator

import (
	"context"
	"strings"

	"github.com/agentforge/agentcore/internal/reasoning"
	"github.com/agentforge/agentcore/internal/reflection"
	"github.com/agentforge/agentcore/internal/sandbox"
	"github.com/agentforge/agentcore/internal/scoring"
)

// ResultAnalyzer is the external collaborator interface standing in for
// the static analysis / code-indexing subsystem spec §1 places out of
// scope: it turns one sandbox ExecutionResult into the Scorer's Inputs and
// the ReflectionJudge's GraphImpact. The core never computes lint counts,
// CFG/DFG deltas or security severity itself; DefaultAnalyzer derives
// coarse values from what the sandbox already observed (violations,
// stderr, file count) so the pipeline is runnable without a real analyzer
// wired in.
type ResultAnalyzer interface {
	Analyze(ctx context.Context, strat reasoning.Strategy, result sandbox.ExecutionResult) (scoring.Inputs, reflection.GraphImpact)
}

// DefaultAnalyzer derives Scorer/Judge inputs from sandbox-observable
// signals only: policy violations become the security severity, stderr
// traceback markers become new_exceptions, and file count is a rough
// proxy for graph impact radius.
type DefaultAnalyzer struct{}

func (DefaultAnalyzer) Analyze(_ context.Context, strat reasoning.Strategy, result sandbox.ExecutionResult) (scoring.Inputs, reflection.GraphImpact) {
	severity := scoring.SeverityNone
	switch {
	case len(result.Violations) >= 2:
		severity = scoring.SeverityCritical
	case len(result.Violations) == 1:
		severity = scoring.SeverityHigh
	}

	changedFiles := len(strat.FileChanges)
	cfgChanges := changedFiles * 3
	dfgChanges := changedFiles * 2

	inputs := scoring.Inputs{
		CompileSuccess:   result.CompileSuccess,
		TestPassRate:     result.TestPassRate(),
		LintErrors:       0,
		LintWarnings:     0,
		TypeErrors:       0,
		ComplexityDelta:  0,
		SecuritySeverity: severity,
		CFGChanges:       cfgChanges,
		DFGChanges:       dfgChanges,
		ExecutionTime:    result.Duration.Seconds(),
		MemoryDeltaMB:    0,
	}

	newExceptions := strings.Count(result.Stderr, "Traceback (most recent call last)")
	impactScore := clamp01(0.05 * float64(changedFiles))
	if severity == scoring.SeverityCritical {
		impactScore = 1
	}

	graph := reflection.GraphImpact{
		ImpactScore:   impactScore,
		NewExceptions: newExceptions,
	}

	return inputs, graph
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

// toReflectionSeverity maps the Scorer's string severity onto the
// ReflectionJudge's ordered SecurityLevel so the decision table's
// "security_severity <= low" comparisons work.
func toReflectionSeverity(sev scoring.SecuritySeverity) reflection.SecurityLevel {
	switch sev {
	case scoring.SeverityCritical:
		return reflection.SecurityCritical
	case scoring.SeverityHigh:
		return reflection.SecurityHigh
	case scoring.SeverityMedium:
		return reflection.SecurityMedium
	case scoring.SeverityLow:
		return reflection.SecurityLow
	default:
		return reflection.SecurityNone
	}
}
