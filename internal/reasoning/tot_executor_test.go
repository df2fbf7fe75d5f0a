package reasoning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/resilience"
	"github.com/agentforge/agentcore/internal/sandbox"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	failIndex int // always fails for this index, -1 means never fail
}

func (g *fakeGenerator) Generate(_ context.Context, problem, _ string, strategyType StrategyType, index int) (Strategy, error) {
	if index == g.failIndex {
		return Strategy{}, errors.New("provider unavailable")
	}
	return Strategy{
		StrategyID:   DeterministicStrategyID(problem, strategyType, index),
		StrategyType: strategyType,
		Index:        index,
		FileChanges:  map[string]string{"fix.py": "# generated\n"},
	}, nil
}

type fakeSandboxer struct {
	mu          sync.Mutex
	maxInFlight int
	inFlight    int
	failFor     map[string]error
}

func (f *fakeSandboxer) Create(sandboxID string) (*sandbox.Sandbox, error) {
	return sandbox.New(sandboxID, ""), nil
}

func (f *fakeSandboxer) Destroy(string) error { return nil }

func (f *fakeSandboxer) ExecuteCode(ctx context.Context, sandboxID string, fileChanges map[string]string, language sandbox.Language, env map[string]string, timeout time.Duration) (sandbox.ExecutionResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err, ok := f.failFor[sandboxID]; ok {
		return sandbox.ExecutionResult{}, err
	}
	return sandbox.ExecutionResult{SandboxID: sandboxID, Status: sandbox.StatusCompleted, CompileSuccess: true, TestsRun: 1, TestsPassed: 1}, nil
}

func TestGenerateProducesNStrategiesAndFallsBackOnError(t *testing.T) {
	executor := NewToTExecutor(ToTExecutorConfig{
		Generator: &fakeGenerator{failIndex: 1},
		Sandboxer: &fakeSandboxer{},
	})
	strategies := executor.Generate(context.Background(), "fix the bug", "", nil, 3)
	require.Len(t, strategies, 3)
	for _, s := range strategies {
		require.NotEmpty(t, s.FileChanges)
		require.NotEmpty(t, s.StrategyID)
	}
}

func TestExecuteRunsAllStrategiesBoundedInParallel(t *testing.T) {
	sandboxer := &fakeSandboxer{}
	executor := NewToTExecutor(ToTExecutorConfig{
		Generator:      &fakeGenerator{failIndex: -1},
		Sandboxer:      sandboxer,
		MaxParallelism: 2,
	})
	strategies := executor.Generate(context.Background(), "fix the bug", "", nil, 5)
	outcomes := executor.Execute(context.Background(), strategies, nil)

	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
		require.Equal(t, sandbox.StatusCompleted, o.Result.Status)
	}
	require.LessOrEqual(t, sandboxer.maxInFlight, 2)
}

func TestExecuteOneFailureDoesNotAbortBatch(t *testing.T) {
	strategies := []Strategy{
		{StrategyID: "s1", FileChanges: map[string]string{"a.py": "x"}},
		{StrategyID: "s2", FileChanges: map[string]string{"b.py": "y"}},
	}
	sandboxer := &fakeSandboxer{failFor: map[string]error{"s1": errors.New("boom")}}
	executor := NewToTExecutor(ToTExecutorConfig{Generator: &fakeGenerator{failIndex: -1}, Sandboxer: sandboxer})

	outcomes := executor.Execute(context.Background(), strategies, nil)
	require.Len(t, outcomes, 2)
	require.Error(t, outcomes[0].Err)
	require.NoError(t, outcomes[1].Err)
}

func TestExecuteOneTripsBreakerAfterRepeatedSandboxFailures(t *testing.T) {
	breakerCfg := resilience.DefaultConfig("test_sandbox_execution")
	breakerCfg.VolumeThreshold = 2
	breakerCfg.ErrorThreshold = 0.5
	breaker, err := resilience.New(breakerCfg)
	require.NoError(t, err)

	sandboxer := &fakeSandboxer{failFor: map[string]error{"s1": errors.New("boom"), "s2": errors.New("boom")}}
	executor := NewToTExecutor(ToTExecutorConfig{
		Generator: &fakeGenerator{failIndex: -1},
		Sandboxer: sandboxer,
		Breaker:   breaker,
	})

	strategies := []Strategy{
		{StrategyID: "s1", FileChanges: map[string]string{"a.py": "x"}},
		{StrategyID: "s2", FileChanges: map[string]string{"b.py": "y"}},
	}
	for _, s := range strategies {
		outcome := executor.executeOne(context.Background(), s, nil)
		require.Error(t, outcome.Err)
	}

	require.Equal(t, resilience.StateOpen, breaker.GetState())

	// Once open, a subsequent call is rejected by the breaker before the
	// sandboxer ever runs, even for a strategy the failures above didn't
	// touch.
	outcome := executor.executeOne(context.Background(), Strategy{StrategyID: "s3", FileChanges: map[string]string{"c.py": "z"}}, nil)
	require.ErrorIs(t, outcome.Err, corerr.ErrCircuitBreakerOpen)
}
