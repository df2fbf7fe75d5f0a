// Package resilience implements the circuit breaker and retry primitives
// of the orchestration core. The ToT executor wraps sandbox executions in
// a CircuitBreaker and the sandbox runner retries them with Retry;
// LockStore round trips and strategy generation calls are not wrapped.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
	"github.com/agentforge/agentcore/internal/corerr"
	"github.com/agentforge/agentcore/internal/telemetry"
)

// CircuitState is one of closed, open, half-open.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error counts toward the circuit's
// error rate. Context cancellation and validation errors are excluded by
// DefaultErrorClassifier because they represent caller behavior, not
// infrastructure failure.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except context cancellation and
// input validation errors.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, corerr.ErrContextCanceled) {
		return false
	}
	if corerr.IsValidation(err) {
		return false
	}
	return true
}

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	ErrorThreshold   float64 // error rate (0..1) that trips the breaker
	VolumeThreshold  int     // minimum calls in-window before evaluating
	SleepWindow      time.Duration
	HalfOpenRequests int
	SuccessThreshold float64
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           corelog.Logger
	Metrics          telemetry.MetricsCollector
}

// DefaultConfig returns production-sane defaults; name must still be set.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           corelog.NoOpLogger{},
		Metrics:          telemetry.NoopCollector{},
	}
}

// CircuitBreaker protects a downstream dependency (sandbox process launch,
// lock store round trip, strategy generator call) from being hammered once
// it starts failing.
type CircuitBreaker struct {
	config *Config
	window *SlidingWindow

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	halfOpenAllowed  atomic.Int32
	halfOpenOutcomes atomic.Int32

	mu sync.Mutex

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// New creates a circuit breaker. A nil config, an empty name or an error
// threshold outside (0,1] is rejected with an error; use DefaultConfig.
func New(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		return nil, fmt.Errorf("circuit breaker config is required")
	}
	if config.Name == "" {
		return nil, fmt.Errorf("circuit breaker name is required")
	}
	if config.ErrorThreshold <= 0 || config.ErrorThreshold > 1 {
		return nil, fmt.Errorf("error threshold must be in (0,1], got %v", config.ErrorThreshold)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = corelog.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = telemetry.NoopCollector{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount, config.Logger, config.Name),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// GetState returns the breaker's current state, resolving a due half-open
// transition lazily.
func (cb *CircuitBreaker) GetState() CircuitState {
	state := cb.state.Load().(CircuitState)
	if state == StateOpen {
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) >= cb.config.SleepWindow {
			cb.transition(StateOpen, StateHalfOpen)
			return StateHalfOpen
		}
	}
	return cb.state.Load().(CircuitState)
}

func (cb *CircuitBreaker) transition(from, to CircuitState) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state.Load().(CircuitState) != from {
		return false
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())
	if to == StateHalfOpen {
		cb.halfOpenAllowed.Store(0)
		cb.halfOpenOutcomes.Store(0)
	}
	if to == StateClosed {
		cb.window.Reset()
	}
	cb.config.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
	cb.config.Metrics.RecordCounter(context.Background(), telemetry.MetricCircuitBreakerCalls, 1, map[string]string{
		"name":  cb.config.Name,
		"event": "state_change",
		"to":    to.String(),
	})
	return true
}

// startExecution decides whether a call may proceed, tracking half-open
// admission so only HalfOpenRequests probes run concurrently.
func (cb *CircuitBreaker) startExecution() (isHalfOpen bool, allowed bool) {
	switch cb.GetState() {
	case StateClosed:
		return false, true
	case StateOpen:
		return false, false
	case StateHalfOpen:
		if cb.halfOpenAllowed.Add(1) > int32(cb.config.HalfOpenRequests) {
			cb.halfOpenAllowed.Add(-1)
			return true, false
		}
		return true, true
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) completeExecution(isHalfOpen bool, err error) {
	countsAsFailure := cb.config.ErrorClassifier(err)

	if isHalfOpen {
		outcome := cb.halfOpenOutcomes.Add(1)
		if countsAsFailure {
			cb.transition(StateHalfOpen, StateOpen)
			return
		}
		if outcome >= int32(cb.config.HalfOpenRequests) {
			successRate := float64(outcome) / float64(cb.config.HalfOpenRequests)
			if successRate >= cb.config.SuccessThreshold {
				cb.transition(StateHalfOpen, StateClosed)
			} else {
				cb.transition(StateHalfOpen, StateOpen)
			}
		}
		return
	}

	if countsAsFailure {
		cb.window.RecordFailure()
	} else {
		cb.window.RecordSuccess()
	}

	success, failure := cb.window.Counts()
	total := success + failure
	if total >= uint64(cb.config.VolumeThreshold) {
		errorRate := float64(failure) / float64(total)
		if errorRate >= cb.config.ErrorThreshold {
			cb.transition(StateClosed, StateOpen)
		}
	}
}

// Execute runs fn under circuit breaker protection with no deadline beyond
// ctx's own.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn, cancelling it after timeout (0 disables the
// extra timeout; ctx's own deadline still applies). Panics inside fn are
// recovered and turned into an error so one bad strategy can't crash the
// worker pool running it.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	isHalfOpen, allowed := cb.startExecution()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordCounter(ctx, telemetry.MetricCircuitBreakerCalls, 1, map[string]string{
			"name": cb.config.Name, "result": "rejected",
		})
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, corerr.ErrCircuitBreakerOpen)
	}

	cb.totalExecutions.Add(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in circuit breaker %q: %v\n%s", cb.config.Name, r, debug.Stack())
			}
		}()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cb.completeExecution(isHalfOpen, err)

	result := "success"
	if err != nil {
		result = "failure"
	}
	cb.config.Metrics.RecordCounter(ctx, telemetry.MetricCircuitBreakerCalls, 1, map[string]string{
		"name": cb.config.Name, "result": result,
	})

	return err
}

// CanExecute reports whether a call would currently be admitted, without
// actually consuming a half-open slot. Useful for callers (e.g. Retry) that
// want to short-circuit before even building the request.
func (cb *CircuitBreaker) CanExecute() bool {
	return cb.GetState() != StateOpen
}

// Stats returns a point-in-time snapshot for health endpoints and tests.
type Stats struct {
	State              string
	TotalExecutions    uint64
	RejectedExecutions uint64
	WindowSuccess      uint64
	WindowFailure      uint64
}

func (cb *CircuitBreaker) Stats() Stats {
	success, failure := cb.window.Counts()
	return Stats{
		State:              cb.GetState().String(),
		TotalExecutions:    cb.totalExecutions.Load(),
		RejectedExecutions: cb.rejectedExecutions.Load(),
		WindowSuccess:      success,
		WindowFailure:      failure,
	}
}
