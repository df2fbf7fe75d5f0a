package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/filehash"
	"github.com/agentforge/agentcore/internal/resilience"
)

// Language selects which test/lint command execute_code dispatches to.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
)

// ExecutionStatus is the terminal status of one execute_code call.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusTimeout   ExecutionStatus = "TIMEOUT"
	StatusRejected  ExecutionStatus = "REJECTED"
)

// ExecutionResult is everything the orchestrator needs to score a run: it
// never sees the subprocess directly, only this value.
type ExecutionResult struct {
	SandboxID      string
	Status         ExecutionStatus
	ExitCode       int
	Stdout         string
	Stderr         string
	CompileSuccess bool
	TestsRun       int
	TestsPassed    int
	TestsFailed    int
	Duration       time.Duration
	Fingerprint    string
	Violations     []Violation
}

// TestPassRate returns TestsPassed/TestsRun, or 0 when nothing ran.
func (r ExecutionResult) TestPassRate() float64 {
	if r.TestsRun == 0 {
		return 0
	}
	return float64(r.TestsPassed) / float64(r.TestsRun)
}

// ProcessCleaner is the narrow callback SandboxRunner uses to ask
// ProcessMonitor to reap zombies and free ports for one sandbox; the two
// packages never hold full references to each other.
type ProcessCleaner interface {
	KillZombies(ctx context.Context, sandboxID string) error
	FreePorts(ctx context.Context, sandboxID string, low, high int) error
}

type noopCleaner struct{}

func (noopCleaner) KillZombies(context.Context, string) error        { return nil }
func (noopCleaner) FreePorts(context.Context, string, int, int) error { return nil }

// RunnerConfig configures a SandboxRunner.
type RunnerConfig struct {
	BaseDir         string // parent directory under which per-sandbox workdirs are created
	Policy          SecurityPolicy
	Cleaner         ProcessCleaner
	Logger          corelog.Logger
	RetryPolicy     resilience.RetryPolicy
	ManagedPortLow  int
	ManagedPortHigh int
}

// SandboxRunner owns sandbox workdirs and executes generated code inside
// them. Its fingerprint cache is per-instance: it is never shared across
// processes, since cross-process dedup is the ExperienceRepository's job.
type SandboxRunner struct {
	baseDir     string
	policy      SecurityPolicy
	cleaner     ProcessCleaner
	logger      corelog.Logger
	retryPolicy resilience.RetryPolicy
	portLow     int
	portHigh    int

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	seen      map[string]struct{} // fingerprint cache, per-instance only
}

// NewRunner creates a SandboxRunner. BaseDir defaults to os.TempDir() when
// unset.
func NewRunner(cfg RunnerConfig) *SandboxRunner {
	if cfg.BaseDir == "" {
		cfg.BaseDir = os.TempDir()
	}
	if cfg.Cleaner == nil {
		cfg.Cleaner = noopCleaner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = resilience.DefaultRetryPolicy()
		cfg.RetryPolicy.MaxAttempts = 3
	}
	if cfg.ManagedPortLow == 0 {
		cfg.ManagedPortLow, cfg.ManagedPortHigh = 8000, 9000
	}
	if aware, ok := cfg.Logger.(corelog.ComponentAwareLogger); ok {
		cfg.Logger = aware.WithComponent("sandbox/runner")
	}
	return &SandboxRunner{
		baseDir:     cfg.BaseDir,
		policy:      cfg.Policy,
		cleaner:     cfg.Cleaner,
		logger:      cfg.Logger,
		retryPolicy: cfg.RetryPolicy,
		portLow:     cfg.ManagedPortLow,
		portHigh:    cfg.ManagedPortHigh,
		sandboxes:   make(map[string]*Sandbox),
		seen:        make(map[string]struct{}),
	}
}

// Create provisions a fresh workdir for sandboxID and transitions it
// CREATED -> READY.
func (r *SandboxRunner) Create(sandboxID string) (*Sandbox, error) {
	workdir := filepath.Join(r.baseDir, "sandbox-"+sandboxID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: provisioning workdir for %q: %w", sandboxID, err)
	}
	sb := New(sandboxID, workdir)
	if err := sb.Transition(StateReady); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sandboxes[sandboxID] = sb
	r.mu.Unlock()
	return sb, nil
}

// Destroy removes the sandbox's workdir and transitions it to DESTROYED.
func (r *SandboxRunner) Destroy(sandboxID string) error {
	r.mu.Lock()
	sb, ok := r.sandboxes[sandboxID]
	delete(r.sandboxes, sandboxID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_ = sb.Transition(StateDestroyed)
	return os.RemoveAll(sb.Workdir())
}

// ExecuteCode writes fileChanges into the sandbox's workdir, runs the
// language's test command under timeout, and returns the parsed result. It
// never returns a Go error for test or compile failure — those are
// reported inside ExecutionResult; an error return means the sandbox
// itself could not run (bad sandbox id, workdir escape, infra failure).
func (r *SandboxRunner) ExecuteCode(ctx context.Context, sandboxID string, fileChanges map[string]string, language Language, env map[string]string, timeout time.Duration) (ExecutionResult, error) {
	r.mu.Lock()
	sb, ok := r.sandboxes[sandboxID]
	r.mu.Unlock()
	if !ok {
		return ExecutionResult{}, fmt.Errorf("sandbox: unknown sandbox id %q", sandboxID)
	}

	fp := filehash.Fingerprint(concatChanges(fileChanges), env)

	if violations := r.checkAllFiles(fileChanges); len(violations) > 0 {
		r.logger.Warn("sandbox execution rejected by security policy", map[string]interface{}{
			"sandbox_id": sandboxID, "violation_count": len(violations),
		})
		return ExecutionResult{
			SandboxID:      sandboxID,
			Status:         StatusRejected,
			CompileSuccess: false,
			Fingerprint:    fp,
			Violations:     violations,
		}, errPolicyViolation(violations)
	}

	if err := sb.Transition(StateExecuting); err != nil {
		return ExecutionResult{}, err
	}

	if err := r.cleaner.KillZombies(ctx, sandboxID); err != nil {
		r.logger.Warn("pre-execution zombie reap failed, continuing", map[string]interface{}{
			"sandbox_id": sandboxID, "error": err.Error(),
		})
	}

	if err := writeFiles(sb.Workdir(), fileChanges); err != nil {
		_ = sb.Transition(StateDraining)
		_ = sb.Transition(StateReady)
		return ExecutionResult{}, err
	}

	var result ExecutionResult
	err := resilience.Retry(ctx, r.retryPolicy, func(ctx context.Context) error {
		runResult, runErr := r.run(ctx, sb, fileChanges, language, env, timeout)
		result = runResult
		if runErr != nil {
			return runErr
		}
		if result.Status == StatusTimeout {
			return corerr.ErrSandboxTimeout
		}
		return nil
	})

	_ = sb.Transition(StateDraining)
	if err := r.cleaner.KillZombies(ctx, sandboxID); err != nil {
		r.logger.Warn("post-execution zombie reap failed", map[string]interface{}{"sandbox_id": sandboxID, "error": err.Error()})
	}
	if err := r.cleaner.FreePorts(ctx, sandboxID, r.portLow, r.portHigh); err != nil {
		r.logger.Warn("post-execution port cleanup failed", map[string]interface{}{"sandbox_id": sandboxID, "error": err.Error()})
	}
	_ = sb.Transition(StateReady)

	result.Fingerprint = fp
	r.mu.Lock()
	r.seen[fp] = struct{}{}
	r.mu.Unlock()

	if err != nil && !corerr.IsRetryable(err) {
		return result, err
	}
	return result, nil
}

// Seen reports whether an identical (code, env) pair has already executed
// in this runner instance. This is a cheap in-process hint only; durable
// cross-process dedup belongs to the ExperienceRepository.
func (r *SandboxRunner) Seen(fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[fingerprint]
	return ok
}

func (r *SandboxRunner) checkAllFiles(fileChanges map[string]string) []Violation {
	var all []Violation
	for path, content := range fileChanges {
		for _, v := range r.policy.Check(content) {
			v.Pattern = path + ":" + v.Pattern
			all = append(all, v)
		}
	}
	return all
}

func writeFiles(workdir string, fileChanges map[string]string) error {
	for relPath, content := range fileChanges {
		cleaned := filepath.Clean(relPath)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			return corerr.New("SandboxRunner.ExecuteCode", "workdir_escape", relPath, corerr.ErrWorkdirEscape)
		}
		full := filepath.Join(workdir, cleaned)
		if !strings.HasPrefix(full, filepath.Clean(workdir)+string(os.PathSeparator)) {
			return corerr.New("SandboxRunner.ExecuteCode", "workdir_escape", relPath, corerr.ErrWorkdirEscape)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("sandbox: creating parent dirs for %q: %w", relPath, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("sandbox: writing %q: %w", relPath, err)
		}
	}
	return nil
}

func concatChanges(fileChanges map[string]string) string {
	var b strings.Builder
	keys := make([]string, 0, len(fileChanges))
	for k := range fileChanges {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(fileChanges[k])
		b.WriteByte(0)
	}
	return b.String()
}

// run launches the language's command, enforces timeout with
// SIGTERM-then-SIGKILL, and parses output. It returns a non-nil error only
// for infrastructure failures (command not found, I/O errors); a timed-out
// or failing test run is reported through the returned ExecutionResult.
func (r *SandboxRunner) run(ctx context.Context, sb *Sandbox, fileChanges map[string]string, language Language, env map[string]string, timeout time.Duration) (ExecutionResult, error) {
	name, args := testCommand(language, sb.Workdir(), fileChanges)
	cmd := exec.Command(name, args...)
	cmd.Dir = sb.Workdir()
	cmd.Env = append(os.Environ(), envPairs(env)...)
	cmd.SysProcAttr = setsid()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: starting %s: %w", name, err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	result := ExecutionResult{SandboxID: sb.ID()}

	select {
	case <-ctx.Done():
		killProcessTree(cmd, waitDone)
		result.Status = StatusTimeout
		result.ExitCode = 124
		result.CompileSuccess = true
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		return result, nil
	case <-time.After(timeout):
		killProcessTree(cmd, waitDone)
		result.Status = StatusTimeout
		result.ExitCode = 124
		result.CompileSuccess = true
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		return result, nil
	case waitErr := <-waitDone:
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		result.ExitCode = exitCodeOf(waitErr)
		result.CompileSuccess = result.ExitCode == 0 || result.ExitCode == 1 // 1 = tests failed but ran
		summary := ParseOutput(stdout.String() + "\n" + stderr.String())
		result.TestsRun = summary.TestsCollected
		result.TestsPassed = summary.TestsPassed
		result.TestsFailed = summary.TestsFailed
		result.Status = StatusCompleted
		return result, nil
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessTree sends SIGTERM to the process group rooted at cmd, waits
// up to one second for waitDone to fire (the goroutine already blocked in
// cmd.Wait), then SIGKILLs if it is still alive.
func killProcessTree(cmd *exec.Cmd, waitDone <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-waitDone
	}
}

func setsid() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func envPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	return pairs
}

// testCommand selects the language-specific test runner invocation.
// Python runs pytest on the written .py files, or on the whole workdir
// when no .py file was written; a run that collects zero tests is not
// repeated over the whole workdir.
func testCommand(language Language, workdir string, fileChanges map[string]string) (string, []string) {
	switch language {
	case LanguagePython:
		paths := pythonTestPaths(fileChanges)
		args := []string{"-m", "pytest"}
		args = append(args, paths...)
		args = append(args, "-v", "--tb=short", "-p", "no:cacheprovider")
		return "python", args
	case LanguageJavaScript, LanguageTypeScript:
		return "npm", []string{"test", "--silent"}
	default:
		return "python", []string{"-m", "pytest", ".", "-v", "--tb=short", "-p", "no:cacheprovider"}
	}
}

func pythonTestPaths(fileChanges map[string]string) []string {
	var paths []string
	for path := range fileChanges {
		if strings.HasSuffix(path, ".py") {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return []string{"."}
	}
	return paths
}
