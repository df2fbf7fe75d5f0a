package reasoning

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/resilience"
	"github.com/agentforge/agentcore/internal/sandbox"
)

// StrategyOutcome pairs one generated Strategy with its sandbox execution
// result (or the error that kept it from running at all).
type StrategyOutcome struct {
	Strategy Strategy
	Result   sandbox.ExecutionResult
	Err      error
}

// Sandboxer is the narrow interface ToTExecutor needs from a sandbox
// runner: create one sandbox per strategy and execute code in it.
type Sandboxer interface {
	Create(sandboxID string) (*sandbox.Sandbox, error)
	Destroy(sandboxID string) error
	ExecuteCode(ctx context.Context, sandboxID string, fileChanges map[string]string, language sandbox.Language, env map[string]string, timeout time.Duration) (sandbox.ExecutionResult, error)
}

// ToTExecutorConfig configures a ToTExecutor.
type ToTExecutorConfig struct {
	Generator      StrategyGenerator
	Sandboxer      Sandboxer
	MaxParallelism int // worker pool cap; <=0 defaults to min(5, GOMAXPROCS)
	PerRunTimeout  time.Duration
	Language       sandbox.Language
	Logger         corelog.Logger

	// Breaker protects the sandbox launch in executeOne from a systemic
	// sandbox-runtime outage (e.g. the container backend itself down) so a
	// bad run stops burning the full worker pool on calls doomed to time
	// out. Defaults to a breaker named "sandbox_execution" when nil.
	Breaker *resilience.CircuitBreaker
}

// ToTExecutor runs the Generate -> Execute -> Collect phases of the
// Tree-of-Thought pipeline: N strategies generated with varying
// strategy_type/index, fanned out to independent sandboxes with bounded
// parallelism, collected without one failure aborting the batch.
type ToTExecutor struct {
	cfg ToTExecutorConfig
}

// NewToTExecutor creates a ToTExecutor, filling in worker-pool and timeout
// defaults.
func NewToTExecutor(cfg ToTExecutorConfig) *ToTExecutor {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = boundedParallelism(5)
	}
	if cfg.PerRunTimeout <= 0 {
		cfg.PerRunTimeout = 30 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = sandbox.LanguagePython
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	if cfg.Breaker == nil {
		breakerCfg := resilience.DefaultConfig("sandbox_execution")
		breakerCfg.Logger = cfg.Logger
		breaker, err := resilience.New(breakerCfg)
		if err != nil {
			// DefaultConfig values are always valid; this only guards
			// against a future change to DefaultConfig breaking its own
			// invariants.
			panic(fmt.Sprintf("reasoning: default circuit breaker config rejected: %v", err))
		}
		cfg.Breaker = breaker
	}
	return &ToTExecutor{cfg: cfg}
}

func boundedParallelism(n int) int {
	if cpu := runtime.GOMAXPROCS(0); cpu < n {
		return cpu
	}
	return n
}

// Generate issues one Generate call per (strategyType, index) pair. A
// failing call falls back to the deterministic fallback generator so the
// batch always has N strategies to execute, per the provider-failure
// contract in §4.2.
func (e *ToTExecutor) Generate(ctx context.Context, problem, context_ string, typeMix []StrategyType, n int) []Strategy {
	if len(typeMix) == 0 {
		typeMix = DefaultStrategyTypeMix
	}
	fallback := NewFallbackGenerator()

	strategies := make([]Strategy, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		strategyType := typeMix[i%len(typeMix)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			strat, err := e.cfg.Generator.Generate(ctx, problem, context_, strategyType, i)
			if err != nil || len(strat.FileChanges) == 0 {
				e.cfg.Logger.Warn("strategy generator failed or returned empty changes, using fallback", map[string]interface{}{
					"strategy_type": string(strategyType), "index": i,
				})
				strat, _ = fallback.Generate(ctx, problem, context_, strategyType, i)
			}
			strategies[i] = strat
		}()
	}
	wg.Wait()
	return strategies
}

// Execute fans strategy executions out to independent sandboxes with
// bounded parallelism (min(N, configured cap)). A single strategy's
// execution failure never aborts the batch; its outcome simply carries the
// error.
func (e *ToTExecutor) Execute(ctx context.Context, strategies []Strategy, env map[string]string) []StrategyOutcome {
	outcomes := make([]StrategyOutcome, len(strategies))
	sem := make(chan struct{}, e.cfg.MaxParallelism)
	var wg sync.WaitGroup

	for i, strat := range strategies {
		i, strat := i, strat
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = e.executeOne(ctx, strat, env)
		}()
	}
	wg.Wait()
	return outcomes
}

func (e *ToTExecutor) executeOne(ctx context.Context, strat Strategy, env map[string]string) StrategyOutcome {
	sandboxID := strat.StrategyID
	sb, err := e.cfg.Sandboxer.Create(sandboxID)
	if err != nil {
		return StrategyOutcome{Strategy: strat, Err: err}
	}
	defer e.cfg.Sandboxer.Destroy(sb.ID())

	mergedEnv := make(map[string]string, len(env)+1)
	for k, v := range env {
		mergedEnv[k] = v
	}
	mergedEnv["SANDBOX_ID"] = sandboxID

	var result sandbox.ExecutionResult
	cbErr := e.cfg.Breaker.ExecuteWithTimeout(ctx, e.cfg.PerRunTimeout, func() error {
		var execErr error
		result, execErr = e.cfg.Sandboxer.ExecuteCode(ctx, sandboxID, strat.FileChanges, e.cfg.Language, mergedEnv, e.cfg.PerRunTimeout)
		return execErr
	})
	return StrategyOutcome{Strategy: strat, Result: result, Err: cbErr}
}
