// Package telemetry wraps the OpenTelemetry metrics API behind the narrow
// MetricsCollector interface consumed by the resilience package, so it need
// not know about OTel instrument caching.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector is the narrow interface the core exposes to its
// components. NoopCollector discards every recording and is the default;
// Instruments is the OTel-backed implementation.
type MetricsCollector interface {
	RecordCounter(ctx context.Context, name string, value int64, labels map[string]string)
	RecordHistogram(ctx context.Context, name string, value float64, labels map[string]string)
	RecordGauge(ctx context.Context, name string, value float64, labels map[string]string)
}

// NoopCollector discards every recording.
type NoopCollector struct{}

func (NoopCollector) RecordCounter(context.Context, string, int64, map[string]string)     {}
func (NoopCollector) RecordHistogram(context.Context, string, float64, map[string]string) {}
func (NoopCollector) RecordGauge(context.Context, string, float64, map[string]string)     {}

// Instruments caches OTel instrument handles per metric name, since creating
// an instrument is not free and names repeat across every call.
type Instruments struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewInstruments creates an OTel-backed MetricsCollector under the given
// meter name (e.g. "agentcore.lock", "agentcore.sandbox").
func NewInstruments(meterName string) *Instruments {
	return &Instruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (in *Instruments) RecordCounter(ctx context.Context, name string, value int64, labels map[string]string) {
	in.mu.RLock()
	counter, ok := in.counters[name]
	in.mu.RUnlock()
	if !ok {
		var err error
		in.mu.Lock()
		if counter, ok = in.counters[name]; !ok {
			counter, err = in.meter.Int64Counter(name)
			if err != nil {
				in.mu.Unlock()
				return
			}
			in.counters[name] = counter
		}
		in.mu.Unlock()
	}
	counter.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

func (in *Instruments) RecordHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	in.mu.RLock()
	hist, ok := in.histograms[name]
	in.mu.RUnlock()
	if !ok {
		var err error
		in.mu.Lock()
		if hist, ok = in.histograms[name]; !ok {
			hist, err = in.meter.Float64Histogram(name)
			if err != nil {
				in.mu.Unlock()
				return
			}
			in.histograms[name] = hist
		}
		in.mu.Unlock()
	}
	hist.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

func (in *Instruments) RecordGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	in.mu.RLock()
	gauge, ok := in.gauges[name]
	in.mu.RUnlock()
	if !ok {
		var err error
		in.mu.Lock()
		if gauge, ok = in.gauges[name]; !ok {
			gauge, err = in.meter.Float64Gauge(name)
			if err != nil {
				in.mu.Unlock()
				return
			}
			in.gauges[name] = gauge
		}
		in.mu.Unlock()
	}
	gauge.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

// Names used consistently across the core so dashboards built on top of it
// don't have to chase naming drift.
const (
	MetricLockAcquireTotal     = "agentcore.lock.acquire_total"
	MetricLockConflictTotal    = "agentcore.lock.conflict_total"
	MetricDeadlockVictimTotal  = "agentcore.deadlock.victim_total"
	MetricSandboxExecDuration  = "agentcore.sandbox.exec_duration_ms"
	MetricSandboxTimeoutTotal  = "agentcore.sandbox.timeout_total"
	MetricCircuitBreakerCalls  = "agentcore.circuit_breaker.calls_total"
	MetricScorerTotal          = "agentcore.scorer.total_score"
	MetricRouterDecisionTotal  = "agentcore.router.decision_total"
	MetricFailSafeCooldownFlag = "agentcore.failsafe.cooldown_active"
)
