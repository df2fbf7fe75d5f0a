package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentforge/agentcore/internal/corelog"
)

type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks success/failure counts over a rolling time window
// divided into buckets, so old samples age out gradually instead of the
// circuit breaker's error rate jumping around one giant counter reset.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex

	logger corelog.Logger
	name   string
}

// NewSlidingWindow creates a window of the given total size split into
// bucketCount buckets (default 10 when bucketCount <= 0).
func NewSlidingWindow(windowSize time.Duration, bucketCount int, logger corelog.Logger, name string) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}

	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   bucketSize,
		lastRotation: now,
		logger:       logger,
		name:         name,
	}
}

// rotateBuckets must be called with sw.mu held.
func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	if elapsed < 0 {
		// Clock moved backward (NTP correction, VM pause). Resetting avoids
		// the window carrying stale counts forward indefinitely.
		sw.logger.Warn("sliding window time skew detected, resetting", map[string]interface{}{
			"name":       sw.name,
			"elapsed_ns": elapsed.Nanoseconds(),
		})
		sw.resetLocked(now)
		return
	}

	if elapsed < sw.bucketSize {
		return
	}

	bucketsToRotate := int(elapsed / sw.bucketSize)
	if bucketsToRotate > len(sw.buckets) {
		bucketsToRotate = len(sw.buckets)
	}
	for i := 0; i < bucketsToRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *SlidingWindow) resetLocked(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records one successful call in the current bucket.
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

// RecordFailure records one failed call in the current bucket.
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

// Counts returns the total success/failure counts within the window.
func (sw *SlidingWindow) Counts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

// Reset clears every bucket, used when the circuit transitions to closed.
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.resetLocked(time.Now())
}
