package reflection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
)

// FailureCategory is one of the categories FailSafeController surfaces to
// the caller when it overrides the path decision or when the slow path is
// exhausted entirely.
type FailureCategory string

const (
	FailureCooldown               FailureCategory = "COOLDOWN"
	FailureConsecutiveExceeded    FailureCategory = "CONSECUTIVE_FAILURE_EXCEEDED"
	FailureFastPathFailedCritical FailureCategory = "FAST_PATH_FAILED_CRITICAL"
)

// Outcome is the FailSafeController's verdict on which path actually ran
// and why, bundled with whatever the invoked path function returned.
type Outcome struct {
	Path     string // "SLOW" or "FAST"
	Reason   string
	Category FailureCategory
	Result   interface{}
	Err      error
}

// FailureRecord is one entry in the bounded failure history. Kind
// classifies Reason into the corerr error-kind taxonomy so a caller
// inspecting History() can distinguish transient contention from a hard
// failure without string-matching Reason itself.
type FailureRecord struct {
	At     time.Time
	Reason string
	Kind   string
}

// classifyFailureKind buckets cause into the corerr taxonomy. A nil cause
// means the slow path itself returned VerdictRollback with no error.
func classifyFailureKind(cause error) string {
	switch {
	case cause == nil:
		return "verdict_rollback"
	case corerr.IsPolicyViolation(cause):
		return "policy_violation"
	case corerr.IsValidation(cause):
		return "validation"
	case corerr.IsDeadlock(cause):
		return "deadlock"
	case corerr.IsLockConflict(cause):
		return "lock_conflict"
	case errors.Is(cause, corerr.ErrSandboxTimeout):
		return "sandbox_timeout"
	case errors.Is(cause, corerr.ErrCircuitBreakerOpen):
		return "circuit_breaker_open"
	case errors.Is(cause, corerr.ErrLLMUnavailable):
		return "llm_unavailable"
	default:
		return "unclassified"
	}
}

// SlowPathFunc runs the slow path and reports whether it produced an
// ACCEPT verdict (success) alongside its result and any error.
type SlowPathFunc func(ctx context.Context) (result interface{}, verdict Verdict, err error)

// FastPathFunc runs the fast path as a fallback.
type FastPathFunc func(ctx context.Context) (result interface{}, err error)

// FailSafeControllerConfig configures cooldown and failure-history limits.
type FailSafeControllerConfig struct {
	MaxConsecutiveFailures int
	CooldownMinutes        int
	HistoryLimit           int // default 10
	Logger                 corelog.Logger
	now                    func() time.Time // test seam; defaults to time.Now
}

// FailSafeController wraps the slow path with cooldown and
// consecutive-failure tracking per §4.11. It is safe for concurrent use.
type FailSafeController struct {
	cfg FailSafeControllerConfig

	mu                 sync.Mutex
	consecutiveFailures int
	cooldownUntil      time.Time
	history            []FailureRecord
}

// NewFailSafeController creates a FailSafeController, filling in defaults
// (3 consecutive failures, 30 minute cooldown, 10-entry history) for
// zero-valued fields.
func NewFailSafeController(cfg FailSafeControllerConfig) *FailSafeController {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 30
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = corelog.NoOpLogger{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &FailSafeController{cfg: cfg}
}

// Wrap invokes the slow path unless a cooldown is active or the controller
// is exhausted, in which case it invokes the fast path instead and tags
// the outcome with the reason.
func (f *FailSafeController) Wrap(ctx context.Context, slow SlowPathFunc, fast FastPathFunc) Outcome {
	f.mu.Lock()
	now := f.cfg.now()
	if !f.cooldownUntil.IsZero() && f.cooldownUntil.After(now) {
		f.mu.Unlock()
		result, err := fast(ctx)
		return Outcome{Path: "FAST", Reason: "cooldown", Category: FailureCooldown, Result: result, Err: err}
	}
	f.mu.Unlock()

	result, verdict, err := slow(ctx)

	if err != nil || verdict == VerdictRollback {
		reason := "rollback"
		if err != nil {
			reason = err.Error()
		}
		return f.recordFailureAndMaybeDemote(ctx, fast, reason, err, result, verdict)
	}

	if verdict == VerdictAccept {
		f.mu.Lock()
		f.consecutiveFailures = 0
		f.cooldownUntil = time.Time{}
		f.mu.Unlock()
	}

	return Outcome{Path: "SLOW", Result: result, Err: err}
}

func (f *FailSafeController) recordFailureAndMaybeDemote(ctx context.Context, fast FastPathFunc, reason string, cause error, slowResult interface{}, slowVerdict Verdict) Outcome {
	f.mu.Lock()
	f.consecutiveFailures++
	f.history = append(f.history, FailureRecord{At: f.cfg.now(), Reason: reason, Kind: classifyFailureKind(cause)})
	if len(f.history) > f.cfg.HistoryLimit {
		f.history = f.history[len(f.history)-f.cfg.HistoryLimit:]
	}

	exceeded := f.consecutiveFailures >= f.cfg.MaxConsecutiveFailures
	failures := f.consecutiveFailures
	if exceeded {
		f.cooldownUntil = f.cfg.now().Add(time.Duration(f.cfg.CooldownMinutes) * time.Minute)
	}
	f.mu.Unlock()

	if !exceeded {
		return Outcome{Path: "SLOW", Reason: reason, Result: slowResult, Err: nil}
	}

	f.cfg.Logger.Warn("consecutive slow-path failures exceeded, demoting to fast path", map[string]interface{}{
		"consecutive_failures": failures,
		"cooldown_minutes":     f.cfg.CooldownMinutes,
	})

	result, err := fast(ctx)
	category := FailureConsecutiveExceeded
	if err != nil {
		category = FailureFastPathFailedCritical
	}
	return Outcome{Path: "FAST", Reason: "consecutive_failure_exceeded", Category: category, Result: result, Err: err}
}

// History returns a copy of the retained failure records (oldest first).
func (f *FailSafeController) History() []FailureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FailureRecord, len(f.history))
	copy(out, f.history)
	return out
}

// ConsecutiveFailures returns the current streak length.
func (f *FailSafeController) ConsecutiveFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecutiveFailures
}

// CooldownUntil returns the time the current cooldown expires, or the zero
// time if no cooldown is active.
func (f *FailSafeController) CooldownUntil() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooldownUntil
}
