package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentcore/internal/config"
	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/deadlock"
	"github.com/agentforge/agentcore/internal/experience"
	"github.com/agentforge/agentcore/internal/lockkeeper"
	"github.com/agentforge/agentcore/internal/lockmanager"
	"github.com/agentforge/agentcore/internal/lockstore"
	"github.com/agentforge/agentcore/internal/reasoning"
	"github.com/agentforge/agentcore/internal/reflection"
	"github.com/agentforge/agentcore/internal/sandbox"
	"github.com/agentforge/agentcore/internal/scoring"
)

// Deps is the Orchestrator's explicit two-phase wiring: every field is
// required. New rejects any nil dependency rather than lazily constructing
// one, per the composition-root pattern this core replaces the teacher's
// singleton-attribute-cache idiom with.
type Deps struct {
	Config           *config.OrchestratorConfig
	Router           *reasoning.Router
	Generator        reasoning.StrategyGenerator
	ToTExecutor      *reasoning.ToTExecutor
	Sandboxer        reasoning.Sandboxer
	LockManager      *lockmanager.LockManager
	DeadlockDetector *deadlock.Detector
	LockKeeper       *lockkeeper.LockKeeper
	Scorer           *scoring.Scorer
	Judge            *reflection.Judge
	FailSafe         *reflection.FailSafeController
	Analyzer         ResultAnalyzer
	FeatureExtractor FeatureExtractor
	Experience       experience.Repository
	Applier          Applier
	Logger           corelog.Logger
}

// Orchestrator is the top-level coordinator: it wires the Router, ToT
// executor, Scorer, ReflectionJudge, FailSafeController, LockManager and
// ExperienceRepository together and drives one task end to end per §4.12.
type Orchestrator struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// New validates deps (rejecting nil dependencies) and returns a ready
// Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("orchestrator: Config is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("orchestrator: Router is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("orchestrator: Generator is required")
	}
	if deps.ToTExecutor == nil {
		return nil, fmt.Errorf("orchestrator: ToTExecutor is required")
	}
	if deps.Sandboxer == nil {
		return nil, fmt.Errorf("orchestrator: Sandboxer is required")
	}
	if deps.LockManager == nil {
		return nil, fmt.Errorf("orchestrator: LockManager is required")
	}
	if deps.DeadlockDetector == nil {
		return nil, fmt.Errorf("orchestrator: DeadlockDetector is required")
	}
	if deps.LockKeeper == nil {
		return nil, fmt.Errorf("orchestrator: LockKeeper is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("orchestrator: Scorer is required")
	}
	if deps.Judge == nil {
		return nil, fmt.Errorf("orchestrator: Judge is required")
	}
	if deps.FailSafe == nil {
		return nil, fmt.Errorf("orchestrator: FailSafe is required")
	}
	if deps.Analyzer == nil {
		deps.Analyzer = DefaultAnalyzer{}
	}
	if deps.FeatureExtractor == nil {
		deps.FeatureExtractor = DefaultFeatureExtractor{Experience: deps.Experience, ProblemType: ClassifyProblemType}
	}
	if deps.Experience == nil {
		deps.Experience = experience.NewMemory()
	}
	if deps.Applier == nil {
		deps.Applier = NoopApplier{}
	}
	if deps.Logger == nil {
		deps.Logger = corelog.NoOpLogger{}
	}
	if aware, ok := deps.Logger.(corelog.ComponentAwareLogger); ok {
		deps.Logger = aware.WithComponent("orchestrator")
	}

	return &Orchestrator{deps: deps, sessions: make(map[string]*AgentSession)}, nil
}

// Start launches the background loops: the LockKeeper's renewal ticker and
// a periodic Wait-For-graph cycle check, per §4.7's "runs ... periodically
// (configurable interval)".
func (o *Orchestrator) Start(ctx context.Context) {
	o.deps.LockKeeper.Start(ctx)
	go o.runDeadlockLoop(ctx)
}

// Stop terminates the LockKeeper's renewal loop. The deadlock loop exits
// on ctx cancellation.
func (o *Orchestrator) Stop() {
	o.deps.LockKeeper.Stop()
}

func (o *Orchestrator) runDeadlockLoop(ctx context.Context) {
	interval := o.deps.Config.DeadlockCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycles := o.deps.DeadlockDetector.FindCycles()
			if len(cycles) > 0 {
				o.deps.Logger.Warn("wait-for graph cycle detected on periodic check", map[string]interface{}{
					"cycle_count": len(cycles),
				})
			}
		}
	}
}

// Run validates req, routes it, executes the chosen path, records the
// resulting AgentExperience, and returns the §6 Response shape.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	if err := validate(req); err != nil {
		return Response{Errors: []string{err.Error()}}, err
	}
	if req.MaxAttempts <= 0 || req.MaxAttempts > 3 {
		req.MaxAttempts = 3
	}

	session := NewAgentSession(req.SessionID, "orchestrator-task", 0)
	o.trackSession(session)
	defer o.untrackSession(session.AgentID)

	features, err := o.deps.FeatureExtractor.Extract(ctx, req)
	if err != nil {
		return Response{Errors: []string{err.Error()}}, err
	}
	decision := o.deps.Router.Decide(features)

	var (
		resp     Response
		runErr   error
		attempts int
	)

	switch decision.Path {
	case reasoning.PathFast:
		session.Transition(SessionRunning)
		fr, ferr := o.runFast(ctx, req)
		attempts = 1
		if ferr != nil {
			runErr = ferr
			resp = Response{Path: reasoning.PathFast, Errors: []string{ferr.Error()}}
		} else {
			resp = Response{
				Path:            reasoning.PathFast,
				Verdict:         fr.decision.Verdict,
				StrategySummary: summarize(fr.strategy),
				Score:           fr.score,
			}
			o.recordExperience(ctx, req, fr.strategy, fr.score, fr.decision, fr.decision.Verdict == reflection.VerdictAccept)
		}

	default:
		outcome := o.deps.FailSafe.Wrap(ctx, o.slowPathFunc(req, session), o.fastPathFunc(req))
		resp.Path = reasoning.Path(outcome.Path)
		if outcome.Category != "" {
			resp.Errors = append(resp.Errors, string(outcome.Category))
		}
		switch result := outcome.Result.(type) {
		case slowResult:
			resp.Verdict = result.decision.Verdict
			resp.StrategySummary = summarize(result.strategy)
			resp.Score = result.score
			attempts = result.attempts
		case fastResult:
			resp.Verdict = result.decision.Verdict
			resp.StrategySummary = summarize(result.strategy)
			resp.Score = result.score
			attempts = 1
		}
		if outcome.Err != nil {
			runErr = outcome.Err
			resp.Errors = append(resp.Errors, outcome.Err.Error())
		}
	}

	resp.Attempts = attempts
	resp.ElapsedMs = time.Since(start).Milliseconds()
	return resp, runErr
}

func validate(req Request) error {
	if req.SessionID == "" {
		return corerr.New("Orchestrator.Run", "validation", "", corerr.ErrValidation)
	}
	if len(req.TargetFiles) == 0 {
		return corerr.New("Orchestrator.Run", "validation", "", corerr.ErrValidation)
	}
	return nil
}

func (o *Orchestrator) trackSession(s *AgentSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[s.AgentID] = s
}

func (o *Orchestrator) untrackSession(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[agentID]; ok {
		s.Transition(SessionTerminated)
	}
	delete(o.sessions, agentID)
}

// runFast generates one strategy, executes it in a sandbox and judges the
// result. This is the single-strategy linear path used for low-complexity,
// low-risk tasks.
func (o *Orchestrator) runFast(ctx context.Context, req Request) (fastResult, error) {
	strat, err := o.deps.Generator.Generate(ctx, req.TaskDescription, req.CodeSnippet, reasoning.StrategyMinimal, 0)
	if err != nil || len(strat.FileChanges) == 0 {
		fallback := reasoning.NewFallbackGenerator()
		strat, err = fallback.Generate(ctx, req.TaskDescription, req.CodeSnippet, reasoning.StrategyMinimal, 0)
		if err != nil {
			return fastResult{}, err
		}
	}

	sandboxID := strat.StrategyID
	if _, err := o.deps.Sandboxer.Create(sandboxID); err != nil {
		return fastResult{}, err
	}
	defer o.deps.Sandboxer.Destroy(sandboxID)

	env := map[string]string{"SANDBOX_ID": sandboxID}
	timeout := o.deps.Config.Sandbox.ExecutionTimeout
	result, err := o.deps.Sandboxer.ExecuteCode(ctx, sandboxID, strat.FileChanges, sandbox.LanguagePython, env, timeout)
	if err != nil {
		return fastResult{}, err
	}

	inputs, graph := o.deps.Analyzer.Analyze(ctx, strat, result)
	score := o.deps.Scorer.Score(inputs)
	decision := o.deps.Judge.Evaluate(reflection.Input{
		CompileSuccess:   result.CompileSuccess,
		TestPassRate:     result.TestPassRate(),
		TestsRun:         result.TestsRun,
		SecuritySeverity: toReflectionSeverity(inputs.SecuritySeverity),
		Graph:            graph,
		CriterionScores:  []float64{score.Correctness, score.Quality, score.Security, score.Maintainability, score.Performance},
	})

	if decision.Verdict == reflection.VerdictAccept {
		if err := o.deps.Applier.Apply(ctx, strat); err != nil {
			o.deps.Logger.Error("applier failed on accepted fast-path strategy", map[string]interface{}{"error": err.Error()})
		}
	}

	return fastResult{strategy: strat, score: score, decision: decision}, nil
}

func (o *Orchestrator) fastPathFunc(req Request) reflection.FastPathFunc {
	return func(ctx context.Context) (interface{}, error) {
		fr, err := o.runFast(ctx, req)
		if err != nil {
			return nil, err
		}
		o.recordExperience(ctx, req, fr.strategy, fr.score, fr.decision, fr.decision.Verdict == reflection.VerdictAccept)
		return fr, nil
	}
}

// slowPathFunc builds the FailSafeController's SlowPathFunc: it acquires
// ordered locks on the union of target files once, runs the
// generate/execute/score/judge loop with REVISE/RETRY re-entry (capped at
// req.MaxAttempts), and releases every lock in reverse acquisition order
// before returning. If lock acquisition itself fails, it demotes this
// single attempt to the fast path directly (distinct from the
// FailSafeController's cross-invocation cooldown, which counts slow-path
// runs that end in an error or a ROLLBACK verdict) — see DESIGN.md for the
// rationale.
func (o *Orchestrator) slowPathFunc(req Request, session *AgentSession) reflection.SlowPathFunc {
	return func(ctx context.Context) (interface{}, reflection.Verdict, error) {
		agentID := req.SessionID
		ordered, err := o.deps.LockManager.AcquireOrdered(ctx, agentID, req.TargetFiles, lockstore.LockTypeWrite,
			o.deps.Config.LockTTLSeconds, o.deps.Config.LockAcquireTimeout)
		if err != nil || !ordered.Success {
			o.deps.Logger.Warn("slow path lock acquisition failed, demoting this attempt to fast path", map[string]interface{}{
				"session_id": req.SessionID,
			})
			fr, ferr := o.runFast(ctx, req)
			if ferr != nil {
				return nil, reflection.VerdictRollback, ferr
			}
			o.recordExperience(ctx, req, fr.strategy, fr.score, fr.decision, fr.decision.Verdict == reflection.VerdictAccept)
			return fr, fr.decision.Verdict, nil
		}

		session.Transition(SessionRunning)
		for _, path := range ordered.Acquired {
			o.deps.LockKeeper.Track(agentID, path)
		}
		defer func() {
			for i := len(ordered.Acquired) - 1; i >= 0; i-- {
				path := ordered.Acquired[i]
				o.deps.LockKeeper.Untrack(agentID, path)
				if err := o.deps.LockManager.Release(ctx, agentID, path); err != nil {
					o.deps.Logger.Warn("releasing lock failed", map[string]interface{}{"path": path, "error": err.Error()})
				}
			}
		}()

		result, verdict, attempts, err := o.slowAttemptLoop(ctx, req, 1, reasoning.DefaultStrategyTypeMix)
		if err != nil {
			return nil, verdict, err
		}
		result.attempts = attempts
		o.recordExperience(ctx, req, result.strategy, result.score, result.decision, verdict == reflection.VerdictAccept)
		return result, verdict, nil
	}
}

// slowAttemptLoop runs one generate/execute/score/judge cycle of the
// Tree-of-Thought pipeline and re-enters itself on REVISE (same strategy
// mix) or RETRY (rotated strategy mix), capped at req.MaxAttempts.
func (o *Orchestrator) slowAttemptLoop(ctx context.Context, req Request, attempt int, typeMix []reasoning.StrategyType) (slowResult, reflection.Verdict, int, error) {
	n := o.deps.Config.StrategyFanout
	if n <= 0 {
		n = 4
	}
	strategies := o.deps.ToTExecutor.Generate(ctx, req.TaskDescription, req.CodeSnippet, typeMix, n)
	env := map[string]string{}
	outcomes := o.deps.ToTExecutor.Execute(ctx, strategies, env)

	type scored struct {
		strategy reasoning.Strategy
		score    scoring.StrategyScore
		severity scoring.SecuritySeverity
		graph    reflection.GraphImpact
		result   sandbox.ExecutionResult
	}
	var valid []scored
	for _, oc := range outcomes {
		if oc.Err != nil {
			continue
		}
		inputs, graph := o.deps.Analyzer.Analyze(ctx, oc.Strategy, oc.Result)
		score := o.deps.Scorer.Score(inputs)
		valid = append(valid, scored{strategy: oc.Strategy, score: score, severity: inputs.SecuritySeverity, graph: graph, result: oc.Result})
	}

	if len(valid) == 0 {
		return slowResult{}, reflection.VerdictRollback, attempt, nil
	}

	scores := make([]scoring.StrategyScore, len(valid))
	for i, v := range valid {
		scores[i] = v.score
	}
	ranked := scoring.Rank(scores, 1)
	best := valid[ranked[0].Index]

	decision := o.deps.Judge.Evaluate(reflection.Input{
		CompileSuccess:   best.result.CompileSuccess,
		TestPassRate:     best.result.TestPassRate(),
		TestsRun:         best.result.TestsRun,
		SecuritySeverity: toReflectionSeverity(best.severity),
		Graph:            best.graph,
		CriterionScores:  []float64{best.score.Correctness, best.score.Quality, best.score.Security, best.score.Maintainability, best.score.Performance},
	})

	result := slowResult{strategy: best.strategy, score: best.score, decision: decision, attempts: attempt}

	switch decision.Verdict {
	case reflection.VerdictAccept:
		if err := o.deps.Applier.Apply(ctx, best.strategy); err != nil {
			o.deps.Logger.Error("applier failed on accepted slow-path strategy", map[string]interface{}{"error": err.Error()})
		}
		return result, decision.Verdict, nil
	case reflection.VerdictRollback:
		return result, decision.Verdict, nil
	case reflection.VerdictRevise:
		if attempt >= req.MaxAttempts {
			return result, decision.Verdict, nil
		}
		return o.slowAttemptLoop(ctx, req, attempt+1, typeMix)
	default: // RETRY
		if attempt >= req.MaxAttempts {
			return result, decision.Verdict, nil
		}
		return o.slowAttemptLoop(ctx, req, attempt+1, rotate(typeMix))
	}
}

func rotate(mix []reasoning.StrategyType) []reasoning.StrategyType {
	if len(mix) == 0 {
		return mix
	}
	rotated := make([]reasoning.StrategyType, len(mix))
	copy(rotated, mix[1:])
	rotated[len(rotated)-1] = mix[0]
	return rotated
}

func (o *Orchestrator) recordExperience(ctx context.Context, req Request, strat reasoning.Strategy, score scoring.StrategyScore, decision reflection.Decision, success bool) {
	exp := experience.Experience{
		ID:                 uuid.NewString(),
		SessionID:          req.SessionID,
		ProblemDescription: req.TaskDescription,
		ProblemType:        ClassifyProblemType(req.TaskDescription),
		StrategyType:       string(strat.StrategyType),
		FilePaths:          req.TargetFiles,
		Success:            success,
		TotalScore:         score.Total,
		Verdict:            string(decision.Verdict),
	}
	if err := o.deps.Experience.Record(ctx, exp); err != nil {
		o.deps.Logger.Warn("experience record failed, continuing without it", map[string]interface{}{
			"session_id": req.SessionID, "error": err.Error(),
		})
	}
}

func summarize(strat reasoning.Strategy) string {
	if strat.Rationale != "" {
		return strat.Rationale
	}
	return fmt.Sprintf("%s strategy touching %d file(s)", strat.StrategyType, len(strat.FileChanges))
}
