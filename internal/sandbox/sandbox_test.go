package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/resilience"
	"github.com/stretchr/testify/require"
)

func TestSandboxTransitionsFollowLifecycle(t *testing.T) {
	sb := New("sbx-1", t.TempDir())
	require.Equal(t, StateCreated, sb.State())

	require.NoError(t, sb.Transition(StateReady))
	require.Error(t, sb.Transition(StateDraining), "READY cannot jump straight to DRAINING")

	require.NoError(t, sb.Transition(StateExecuting))
	require.NoError(t, sb.Transition(StateDraining))
	require.NoError(t, sb.Transition(StateReady))
	require.NoError(t, sb.Transition(StateDestroyed))
}

func TestSandboxAnyStateCanDestroy(t *testing.T) {
	sb := New("sbx-2", t.TempDir())
	require.NoError(t, sb.Transition(StateDestroyed))
}

func TestSecurityPolicyRejectsForbiddenImport(t *testing.T) {
	policy := DefaultSecurityPolicy()
	violations := policy.Check("import subprocess\nsubprocess.run(['ls'])\n")
	require.NotEmpty(t, violations)
	require.Equal(t, "forbidden_import", violations[0].Kind)
}

func TestSecurityPolicyAllowsCleanCode(t *testing.T) {
	policy := DefaultSecurityPolicy()
	require.Empty(t, policy.Check("def add(a, b):\n    return a + b\n"))
}

func TestParseOutputCollectedPassedFailed(t *testing.T) {
	out := "collected 5 items\n....F\n3 passed, 2 failed in 0.4s"
	summary := ParseOutput(out)
	require.Equal(t, 5, summary.TestsCollected)
	require.Equal(t, 3, summary.TestsPassed)
	require.Equal(t, 2, summary.TestsFailed)
}

func TestParseOutputFallsBackToNodeIDs(t *testing.T) {
	out := "test_mod.py::test_one PASSED\ntest_mod.py::test_two PASSED\n"
	summary := ParseOutput(out)
	require.Equal(t, 2, summary.TestsCollected)
	require.Equal(t, 2, summary.TestsPassed)
}

func TestParseOutputFallbackWithFailureMarkerCountsNonePassed(t *testing.T) {
	out := "test_mod.py::test_one FAILED\ntest_mod.py::test_two PASSED\n"
	summary := ParseOutput(out)
	require.Equal(t, 2, summary.TestsCollected)
	require.Equal(t, 0, summary.TestsPassed)
}

func TestExecuteCodeRejectsWorkdirEscape(t *testing.T) {
	runner := NewRunner(RunnerConfig{BaseDir: t.TempDir()})
	sb, err := runner.Create("sbx-escape")
	require.NoError(t, err)
	defer runner.Destroy(sb.ID())

	_, err = runner.ExecuteCode(context.Background(), sb.ID(),
		map[string]string{"../outside.py": "print(1)\n"}, LanguagePython, nil, time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, corerr.ErrWorkdirEscape)
}

func TestExecuteCodeRejectsForbiddenCall(t *testing.T) {
	runner := NewRunner(RunnerConfig{BaseDir: t.TempDir(), Policy: DefaultSecurityPolicy()})
	sb, err := runner.Create("sbx-policy")
	require.NoError(t, err)
	defer runner.Destroy(sb.ID())

	result, err := runner.ExecuteCode(context.Background(), sb.ID(),
		map[string]string{"bad.py": "import os\nos.system('rm -rf /')\n"}, LanguagePython, nil, time.Second)
	require.ErrorIs(t, err, corerr.ErrPolicyViolation)
	require.Equal(t, StatusRejected, result.Status)
	require.False(t, result.CompileSuccess)
	require.NotEmpty(t, result.Violations)
}

func TestExecuteCodeRunsPytestAndParsesResults(t *testing.T) {
	if _, err := exec.LookPath("python"); err != nil {
		t.Skip("python not available in test environment")
	}
	if _, err := exec.LookPath("pytest"); err != nil {
		t.Skip("pytest not available in test environment")
	}

	runner := NewRunner(RunnerConfig{BaseDir: t.TempDir()})
	sb, err := runner.Create("sbx-pytest")
	require.NoError(t, err)
	defer runner.Destroy(sb.ID())

	files := map[string]string{
		"test_ok.py": "def test_passes():\n    assert 1 + 1 == 2\n",
	}
	result, err := runner.ExecuteCode(context.Background(), sb.ID(), files, LanguagePython, nil, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.True(t, result.CompileSuccess)
	require.Equal(t, 1, result.TestsRun)
	require.Equal(t, 1, result.TestsPassed)
	require.True(t, runner.Seen(result.Fingerprint))
}

func TestExecuteCodeTimesOutOnInfiniteLoop(t *testing.T) {
	if _, err := exec.LookPath("python"); err != nil {
		t.Skip("python not available in test environment")
	}

	runner := NewRunner(RunnerConfig{
		BaseDir:     t.TempDir(),
		RetryPolicy: resilience.RetryPolicy{MaxAttempts: 1},
	})
	sb, err := runner.Create("sbx-timeout")
	require.NoError(t, err)
	defer runner.Destroy(sb.ID())

	files := map[string]string{
		"test_hangs.py": "def test_hangs():\n    while True:\n        pass\n",
	}
	result, err := runner.ExecuteCode(context.Background(), sb.ID(), files, LanguagePython, nil, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, result.Status)
	require.Equal(t, 124, result.ExitCode)
	require.True(t, result.CompileSuccess)
}
