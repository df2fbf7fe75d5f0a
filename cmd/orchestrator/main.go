// Command orchestrator is the CLI surface for the agent-core orchestrator
// (spec §6): it wires the full composition root from OrchestratorConfig
// and drives a single task end to end, mapping the result onto a process
// exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/agentforge/agentcore/internal/config"
	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/deadlock"
	"github.com/agentforge/agentcore/internal/experience"
	"github.com/agentforge/agentcore/internal/lockkeeper"
	"github.com/agentforge/agentcore/internal/lockmanager"
	"github.com/agentforge/agentcore/internal/lockstore"
	"github.com/agentforge/agentcore/internal/orchestrator"
	"github.com/agentforge/agentcore/internal/procmon"
	"github.com/agentforge/agentcore/internal/reasoning"
	"github.com/agentforge/agentcore/internal/reflection"
	"github.com/agentforge/agentcore/internal/sandbox"
	"github.com/agentforge/agentcore/internal/scoring"
)

// Exit codes per spec §6.
const (
	exitAccept                  = 0
	exitMalformedInput          = 2
	exitReviseBeyondMaxAttempts = 10
	exitRollback                = 20
	exitFastPathFailedCritical  = 30
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, "usage: orchestrator run <problem> [--files a.py,b.py] [--session-id id] [--config path]")
		return exitMalformedInput
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	filesFlag := fs.String("files", "", "comma-separated list of target file paths")
	sessionID := fs.String("session-id", "", "session id; generated if empty")
	configPath := fs.String("config", "", "optional YAML config overlay")
	snippet := fs.String("snippet", "", "optional code snippet for feature extraction")
	maxAttempts := fs.Int("max-attempts", 0, "max REVISE/RETRY attempts (0 defaults to 3)")
	if err := fs.Parse(args[1:]); err != nil {
		return exitMalformedInput
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "orchestrator: missing <problem> description")
		return exitMalformedInput
	}
	problem := strings.Join(rest, " ")

	var files []string
	for _, f := range strings.Split(*filesFlag, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "orchestrator: --files is required")
		return exitMalformedInput
	}
	if *sessionID == "" {
		*sessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	var opts []config.Option
	if *configPath != "" {
		opts = append(opts, config.WithYAMLFile(*configPath))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: loading config: %v\n", err)
		return exitMalformedInput
	}

	logger := corelog.NewJSONLogger(os.Stderr, "agentcore-orchestrator", cfg.LogLevel)

	o, teardown, err := buildOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: wiring failed: %v\n", err)
		return exitMalformedInput
	}
	defer teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	o.Start(ctx)
	defer o.Stop()

	req := orchestrator.Request{
		TaskDescription: problem,
		SessionID:       *sessionID,
		TargetFiles:     files,
		CodeSnippet:     *snippet,
		MaxAttempts:     *maxAttempts,
	}

	resp, runErr := o.Run(ctx, req)
	printResponse(resp)

	return exitCodeFor(resp, runErr)
}

func exitCodeFor(resp orchestrator.Response, runErr error) int {
	for _, e := range resp.Errors {
		if e == string(reflection.FailureFastPathFailedCritical) {
			return exitFastPathFailedCritical
		}
	}
	switch resp.Verdict {
	case reflection.VerdictAccept:
		return exitAccept
	case reflection.VerdictRevise, reflection.VerdictRetry:
		return exitReviseBeyondMaxAttempts
	case reflection.VerdictRollback:
		return exitRollback
	}
	if runErr != nil {
		return exitMalformedInput
	}
	return exitAccept
}

func printResponse(resp orchestrator.Response) {
	fmt.Printf("path=%s verdict=%s attempts=%d elapsed_ms=%d score=%.3f\n",
		resp.Path, resp.Verdict, resp.Attempts, resp.ElapsedMs, resp.Score.Total)
	if resp.StrategySummary != "" {
		fmt.Printf("strategy: %s\n", resp.StrategySummary)
	}
	for _, e := range resp.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
}

// buildOrchestrator is the composition root: it constructs every
// subsystem from cfg and returns a ready Orchestrator plus a teardown
// func that closes the lock store.
func buildOrchestrator(cfg *config.OrchestratorConfig, logger corelog.Logger) (*orchestrator.Orchestrator, func(), error) {
	store, closeStore, err := buildLockStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	lm := lockmanager.New(store, logger)
	dd := deadlock.New(deadlock.Config{Logger: logger})
	lk := lockkeeper.New(lm, lockkeeper.Config{
		RenewalInterval:        time.Duration(cfg.LockRenewalIntervalSeconds) * time.Second,
		MaxConsecutiveFailures: 3,
		Logger:                 logger,
	})

	cleaner := procmon.New(procmon.Config{
		ZombieThreshold: time.Duration(cfg.Sandbox.ZombieThresholdSec) * time.Second,
		CPUThreshold:    cfg.Sandbox.CPUThresholdPct,
		CacheTTL:        cfg.Sandbox.ProcessSnapshotTTL,
		Logger:          logger,
	})
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Policy:  sandbox.DefaultSecurityPolicy(),
		Cleaner: cleaner,
		Logger:  logger,
	})

	generator := reasoning.NewFallbackGenerator()
	tot := reasoning.NewToTExecutor(reasoning.ToTExecutorConfig{
		Generator:      generator,
		Sandboxer:      runner,
		MaxParallelism: cfg.ResolvedWorkerPoolSize(runtime.NumCPU()),
		PerRunTimeout:  cfg.Sandbox.ExecutionTimeout,
		Logger:         logger,
	})

	expRepo, err := buildExperienceRepository(cfg, logger)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	deps := orchestrator.Deps{
		Config:           cfg,
		Router:           reasoning.NewRouter(reasoning.Thresholds{ComplexityThreshold: cfg.Router.ComplexityThreshold, RiskThreshold: cfg.Router.RiskThreshold}),
		Generator:        generator,
		ToTExecutor:      tot,
		Sandboxer:        runner,
		LockManager:      lm,
		DeadlockDetector: dd,
		LockKeeper:       lk,
		Scorer:           scoring.New(cfg.Scorer),
		Judge:            reflection.NewJudge(),
		FailSafe: reflection.NewFailSafeController(reflection.FailSafeControllerConfig{
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			CooldownMinutes:        cfg.CooldownMinutes,
			Logger:                 logger,
		}),
		Experience: expRepo,
		Logger:     logger,
	}

	o, err := orchestrator.New(deps)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return o, closeStore, nil
}

func buildLockStore(cfg *config.OrchestratorConfig, logger corelog.Logger) (lockstore.LockStore, func(), error) {
	switch cfg.LockStoreBackend {
	case "redis":
		store, err := lockstore.NewRedisStore(cfg.RedisURL, "agentcore", logger)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: redis lock store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := lockstore.NewSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: sqlite lock store: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
}

func buildExperienceRepository(cfg *config.OrchestratorConfig, logger corelog.Logger) (experience.Repository, error) {
	if cfg.LockStoreBackend != "redis" {
		return experience.NewMemory(), nil
	}
	repo, err := experience.NewRedisRepository(cfg.RedisURL, "agentcore", logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: redis experience repository: %w", err)
	}
	return repo, nil
}
