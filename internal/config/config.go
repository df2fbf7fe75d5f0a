// Package config loads OrchestratorConfig using the same three-layer
// priority the rest of the stack expects: built-in defaults, then
// environment variables, then functional options, each overriding the last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ScorerWeights holds the Scorer's five weighted criteria. Weights must
// sum to 1.0 within epsilon; Validate enforces this at construction.
type ScorerWeights struct {
	Correctness     float64 `yaml:"correctness" env:"SCORER_WEIGHT_CORRECTNESS" default:"0.35"`
	Quality         float64 `yaml:"quality" env:"SCORER_WEIGHT_QUALITY" default:"0.25"`
	Security        float64 `yaml:"security" env:"SCORER_WEIGHT_SECURITY" default:"0.20"`
	Maintainability float64 `yaml:"maintainability" env:"SCORER_WEIGHT_MAINTAINABILITY" default:"0.10"`
	Performance     float64 `yaml:"performance" env:"SCORER_WEIGHT_PERFORMANCE" default:"0.10"`
}

// RouterThresholds configures the fast/slow path decision rule.
type RouterThresholds struct {
	ComplexityThreshold float64 `yaml:"complexity_threshold" env:"ROUTER_COMPLEXITY_THRESHOLD" default:"0.6"`
	RiskThreshold        float64 `yaml:"risk_threshold" env:"ROUTER_RISK_THRESHOLD" default:"0.5"`
}

// SandboxConfig configures sandbox process lifecycle limits.
type SandboxConfig struct {
	ExecutionTimeout   time.Duration `yaml:"execution_timeout" env:"SANDBOX_EXECUTION_TIMEOUT" default:"120s"`
	GracefulShutdown   time.Duration `yaml:"graceful_shutdown" env:"SANDBOX_GRACEFUL_SHUTDOWN" default:"1s"`
	ZombieThresholdSec int           `yaml:"zombie_threshold_sec" env:"SANDBOX_ZOMBIE_THRESHOLD_SEC" default:"300"`
	CPUThresholdPct    float64       `yaml:"cpu_threshold_pct" env:"SANDBOX_CPU_THRESHOLD_PCT" default:"1.0"`
	MaxRetries         int           `yaml:"max_retries" env:"SANDBOX_MAX_RETRIES" default:"2"`
	ProcessSnapshotTTL time.Duration `yaml:"process_snapshot_ttl" env:"SANDBOX_PROCESS_SNAPSHOT_TTL" default:"2s"`
}

// OrchestratorConfig is the composition root's single configuration object.
// It is loaded once at startup: Load() applies defaults, then environment
// variables, then any functional Options passed in, in that priority order.
type OrchestratorConfig struct {
	CooldownMinutes            int           `yaml:"cooldown_minutes" env:"COOLDOWN_MINUTES" default:"30"`
	MaxConsecutiveFailures     int           `yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES" default:"3"`
	LockTTLSeconds             int           `yaml:"lock_ttl_seconds" env:"LOCK_TTL_SECONDS" default:"3600"`
	LockRenewalIntervalSeconds int           `yaml:"lock_renewal_interval_seconds" env:"LOCK_RENEWAL_INTERVAL_SECONDS" default:"300"`
	DeadlockCheckInterval      time.Duration `yaml:"deadlock_check_interval" env:"DEADLOCK_CHECK_INTERVAL" default:"5s"`
	LockAcquireTimeout         time.Duration `yaml:"lock_acquire_timeout" env:"LOCK_ACQUIRE_TIMEOUT" default:"30s"`
	WorkerPoolSize             int           `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE" default:"0"` // 0 means min(N, NumCPU)
	StrategyFanout             int           `yaml:"strategy_fanout" env:"STRATEGY_FANOUT" default:"4"`

	LockStoreBackend string `yaml:"lock_store_backend" env:"LOCK_STORE_BACKEND" default:"sqlite"`
	RedisURL         string `yaml:"redis_url" env:"REDIS_URL" default:"redis://localhost:6379"`
	SQLitePath       string `yaml:"sqlite_path" env:"SQLITE_PATH" default:"agentcore.db"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" default:"json"`

	Router  RouterThresholds `yaml:"router"`
	Scorer  ScorerWeights    `yaml:"scorer"`
	Sandbox SandboxConfig    `yaml:"sandbox"`
}

// Option mutates a Config after defaults and environment variables have
// already been applied; it is the highest-priority layer.
type Option func(*OrchestratorConfig) error

// WithWorkerPoolSize overrides the ToTExecutor's worker pool size.
func WithWorkerPoolSize(n int) Option {
	return func(c *OrchestratorConfig) error {
		c.WorkerPoolSize = n
		return nil
	}
}

// WithScorerWeights overrides the Scorer's weight vector.
func WithScorerWeights(w ScorerWeights) Option {
	return func(c *OrchestratorConfig) error {
		c.Scorer = w
		return nil
	}
}

// WithRouterThresholds overrides the Router's fast/slow decision thresholds.
func WithRouterThresholds(t RouterThresholds) Option {
	return func(c *OrchestratorConfig) error {
		c.Router = t
		return nil
	}
}

// WithLockStoreBackend selects the LockStore backend ("redis" or "sqlite").
func WithLockStoreBackend(backend string) Option {
	return func(c *OrchestratorConfig) error {
		c.LockStoreBackend = backend
		return nil
	}
}

// WithYAMLFile overlays values from a YAML file between the environment
// layer and functional options, the way the teacher's config layers a
// config file between env and options.
func WithYAMLFile(path string) Option {
	return func(c *OrchestratorConfig) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: reading yaml file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: parsing yaml file %q: %w", path, err)
		}
		return nil
	}
}

// Default returns an OrchestratorConfig populated entirely from built-in
// defaults, with no environment or file overlay applied.
func Default() *OrchestratorConfig {
	return &OrchestratorConfig{
		CooldownMinutes:            30,
		MaxConsecutiveFailures:     3,
		LockTTLSeconds:             3600,
		LockRenewalIntervalSeconds: 300,
		DeadlockCheckInterval:      5 * time.Second,
		LockAcquireTimeout:         30 * time.Second,
		WorkerPoolSize:             0,
		StrategyFanout:             4,
		LockStoreBackend:           "sqlite",
		RedisURL:                   "redis://localhost:6379",
		SQLitePath:                 "agentcore.db",
		LogLevel:                   "info",
		LogFormat:                  "json",
		Router: RouterThresholds{
			ComplexityThreshold: 0.6,
			RiskThreshold:       0.5,
		},
		Scorer: ScorerWeights{
			Correctness:     0.35,
			Quality:         0.25,
			Security:        0.20,
			Maintainability: 0.10,
			Performance:     0.10,
		},
		Sandbox: SandboxConfig{
			ExecutionTimeout:   120 * time.Second,
			GracefulShutdown:   1 * time.Second,
			ZombieThresholdSec: 300,
			CPUThresholdPct:    1.0,
			MaxRetries:         2,
			ProcessSnapshotTTL: 2 * time.Second,
		},
	}
}

// Load builds an OrchestratorConfig from defaults, then environment
// variables, then opts, in that order, and validates the result.
func Load(opts ...Option) (*OrchestratorConfig, error) {
	cfg := Default()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv overlays environment variables onto c. It reads the env tags
// of the top-level fields and of Router; the env tags on the Scorer and
// Sandbox fields are not read.
func (c *OrchestratorConfig) loadFromEnv() error {
	if v, ok := os.LookupEnv("COOLDOWN_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: COOLDOWN_MINUTES: %w", err)
		}
		c.CooldownMinutes = n
	}
	if v, ok := os.LookupEnv("MAX_CONSECUTIVE_FAILURES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_CONSECUTIVE_FAILURES: %w", err)
		}
		c.MaxConsecutiveFailures = n
	}
	if v, ok := os.LookupEnv("LOCK_TTL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LOCK_TTL_SECONDS: %w", err)
		}
		c.LockTTLSeconds = n
	}
	if v, ok := os.LookupEnv("LOCK_RENEWAL_INTERVAL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LOCK_RENEWAL_INTERVAL_SECONDS: %w", err)
		}
		c.LockRenewalIntervalSeconds = n
	}
	if v, ok := os.LookupEnv("DEADLOCK_CHECK_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DEADLOCK_CHECK_INTERVAL: %w", err)
		}
		c.DeadlockCheckInterval = d
	}
	if v, ok := os.LookupEnv("LOCK_ACQUIRE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: LOCK_ACQUIRE_TIMEOUT: %w", err)
		}
		c.LockAcquireTimeout = d
	}
	if v, ok := os.LookupEnv("WORKER_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: WORKER_POOL_SIZE: %w", err)
		}
		c.WorkerPoolSize = n
	}
	if v, ok := os.LookupEnv("STRATEGY_FANOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: STRATEGY_FANOUT: %w", err)
		}
		c.StrategyFanout = n
	}
	if v, ok := os.LookupEnv("LOCK_STORE_BACKEND"); ok {
		c.LockStoreBackend = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := os.LookupEnv("SQLITE_PATH"); ok {
		c.SQLitePath = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := os.LookupEnv("ROUTER_COMPLEXITY_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: ROUTER_COMPLEXITY_THRESHOLD: %w", err)
		}
		c.Router.ComplexityThreshold = f
	}
	if v, ok := os.LookupEnv("ROUTER_RISK_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: ROUTER_RISK_THRESHOLD: %w", err)
		}
		c.Router.RiskThreshold = f
	}
	return nil
}

const weightSumEpsilon = 1e-6

// Validate enforces the invariants OrchestratorConfig must hold before the
// composition root wires any component against it: scorer weights sum to
// 1.0, thresholds are in range, and the lock store backend is known.
func (c *OrchestratorConfig) Validate() error {
	sum := c.Scorer.Correctness + c.Scorer.Quality + c.Scorer.Security +
		c.Scorer.Maintainability + c.Scorer.Performance
	if diff := sum - 1.0; diff > weightSumEpsilon || diff < -weightSumEpsilon {
		return fmt.Errorf("config: scorer weights must sum to 1.0 +/- %g, got %v", weightSumEpsilon, sum)
	}
	if c.Router.ComplexityThreshold < 0 || c.Router.ComplexityThreshold > 1 {
		return fmt.Errorf("config: router complexity threshold must be in [0,1], got %v", c.Router.ComplexityThreshold)
	}
	if c.Router.RiskThreshold < 0 || c.Router.RiskThreshold > 1 {
		return fmt.Errorf("config: router risk threshold must be in [0,1], got %v", c.Router.RiskThreshold)
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("config: max consecutive failures must be positive, got %d", c.MaxConsecutiveFailures)
	}
	if c.LockTTLSeconds <= 0 {
		return fmt.Errorf("config: lock TTL seconds must be positive, got %d", c.LockTTLSeconds)
	}
	if c.LockRenewalIntervalSeconds <= 0 || c.LockRenewalIntervalSeconds >= c.LockTTLSeconds {
		return fmt.Errorf("config: lock renewal interval (%d) must be positive and less than lock TTL (%d)",
			c.LockRenewalIntervalSeconds, c.LockTTLSeconds)
	}
	switch c.LockStoreBackend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("config: unknown lock store backend %q, want \"redis\" or \"sqlite\"", c.LockStoreBackend)
	}
	if c.StrategyFanout <= 0 {
		return fmt.Errorf("config: strategy fanout must be positive, got %d", c.StrategyFanout)
	}
	return nil
}

// ResolvedWorkerPoolSize returns WorkerPoolSize if set, otherwise
// min(StrategyFanout, cpuLimit) as spec'd for the ToTExecutor's bounded
// worker pool.
func (c *OrchestratorConfig) ResolvedWorkerPoolSize(cpuLimit int) int {
	if c.WorkerPoolSize > 0 {
		return c.WorkerPoolSize
	}
	if c.StrategyFanout < cpuLimit {
		return c.StrategyFanout
	}
	return cpuLimit
}
