// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"sync"
	"time"
)

// MetricsCollector is a lightweight alternative to the
// promauto-registered metrics for callers that want an in-process snapshot
// (e.g. a debug CLI command) rather than a scrape endpoint.
type MetricsCollector struct {
	mu sync.RWMutex

	// Counters
	ProofsGenerated     int64
	VerificationCount   int64
	SuccessfulVerifies  int64
	FailedVerifies      int64
	HealthChecksRun     int64
	HealthCacheHits     int64
	HealthCacheMisses   int64
	RouterDeliveries    int64
	RouterBufferedFallbacks int64

	// Timing metrics (in microseconds)
	ProofTimes          []int64
	VerificationTimes   []int64
	RouterRouteTimes    []int64
	HealthCheckTimes    []int64

	// Start time for uptime calculation
	startTime time.Time

	// Configuration
	maxTimingSamples int
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:        time.Now(),
		maxTimingSamples: 1000, // Keep last 1000 samples for each timing metric
	}
}

// RecordProofGeneration records a zero-knowledge proof generation.
func (mc *MetricsCollector) RecordProofGeneration(duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ProofsGenerated++
	mc.recordTiming(&mc.ProofTimes, duration)
}

// RecordVerification records a proof verification.
func (mc *MetricsCollector) RecordVerification(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.VerificationCount++
	if success {
		mc.SuccessfulVerifies++
	} else {
		mc.FailedVerifies++
	}
	mc.recordTiming(&mc.VerificationTimes, duration)
}

// RecordHealthCheck records one HealthChecker.Check call, distinguishing a
// cache hit (cached result reused) from a fresh run.
func (mc *MetricsCollector) RecordHealthCheck(cached bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.HealthChecksRun++
	if cached {
		mc.HealthCacheHits++
	} else {
		mc.HealthCacheMisses++
	}
	mc.recordTiming(&mc.HealthCheckTimes, duration)
}

// RecordRouterRoute records one Router.Route fan-out call: bufferedCount is
// how many of its recipients fell back to offline buffering.
func (mc *MetricsCollector) RecordRouterRoute(bufferedCount int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.RouterDeliveries++
	mc.RouterBufferedFallbacks += int64(bufferedCount)
	mc.recordTiming(&mc.RouterRouteTimes, duration)
}

// recordTiming records a timing sample.
func (mc *MetricsCollector) recordTiming(timings *[]int64, duration time.Duration) {
	microseconds := duration.Microseconds()
	*timings = append(*timings, microseconds)

	// Keep only last N samples
	if len(*timings) > mc.maxTimingSamples {
		*timings = (*timings)[len(*timings)-mc.maxTimingSamples:]
	}
}

// GetSnapshot returns a snapshot of current metrics.
func (mc *MetricsCollector) GetSnapshot() *MetricsSnapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return &MetricsSnapshot{
		Timestamp:               time.Now(),
		Uptime:                  time.Since(mc.startTime),
		ProofsGenerated:         mc.ProofsGenerated,
		VerificationCount:       mc.VerificationCount,
		SuccessfulVerifies:      mc.SuccessfulVerifies,
		FailedVerifies:          mc.FailedVerifies,
		HealthChecksRun:         mc.HealthChecksRun,
		HealthCacheHits:         mc.HealthCacheHits,
		HealthCacheMisses:       mc.HealthCacheMisses,
		RouterDeliveries:        mc.RouterDeliveries,
		RouterBufferedFallbacks: mc.RouterBufferedFallbacks,
		AvgProofTime:            calculateAverage(mc.ProofTimes),
		AvgVerificationTime:     calculateAverage(mc.VerificationTimes),
		AvgRouterRouteTime:      calculateAverage(mc.RouterRouteTimes),
		AvgHealthCheckTime:      calculateAverage(mc.HealthCheckTimes),
		P95ProofTime:            calculatePercentile(mc.ProofTimes, 95),
		P95VerificationTime:     calculatePercentile(mc.VerificationTimes, 95),
		P95RouterRouteTime:      calculatePercentile(mc.RouterRouteTimes, 95),
		P95HealthCheckTime:      calculatePercentile(mc.HealthCheckTimes, 95),
	}
}

// Reset resets all metrics.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.ProofsGenerated = 0
	mc.VerificationCount = 0
	mc.SuccessfulVerifies = 0
	mc.FailedVerifies = 0
	mc.HealthChecksRun = 0
	mc.HealthCacheHits = 0
	mc.HealthCacheMisses = 0
	mc.RouterDeliveries = 0
	mc.RouterBufferedFallbacks = 0

	mc.ProofTimes = nil
	mc.VerificationTimes = nil
	mc.RouterRouteTimes = nil
	mc.HealthCheckTimes = nil

	mc.startTime = time.Now()
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	// Counters
	ProofsGenerated         int64
	VerificationCount       int64
	SuccessfulVerifies      int64
	FailedVerifies          int64
	HealthChecksRun         int64
	HealthCacheHits         int64
	HealthCacheMisses       int64
	RouterDeliveries        int64
	RouterBufferedFallbacks int64

	// Timing averages (microseconds)
	AvgProofTime        float64
	AvgVerificationTime float64
	AvgRouterRouteTime  float64
	AvgHealthCheckTime  float64

	// 95th percentile timings (microseconds)
	P95ProofTime        int64
	P95VerificationTime int64
	P95RouterRouteTime  int64
	P95HealthCheckTime  int64
}

// GetHealthCacheHitRate returns the health-check cache hit rate as a percentage.
func (ms *MetricsSnapshot) GetHealthCacheHitRate() float64 {
	total := ms.HealthCacheHits + ms.HealthCacheMisses
	if total == 0 {
		return 0
	}
	return float64(ms.HealthCacheHits) / float64(total) * 100
}

// GetVerificationSuccessRate returns the verification success rate as a percentage.
func (ms *MetricsSnapshot) GetVerificationSuccessRate() float64 {
	if ms.VerificationCount == 0 {
		return 0
	}
	return float64(ms.SuccessfulVerifies) / float64(ms.VerificationCount) * 100
}

// GetRouterBufferFallbackRate returns buffered-fallback recipients per
// recorded Router.Route call, as a percentage. RouterDeliveries counts calls,
// not recipients, so the value exceeds 100 when calls buffer for several
// recipients each.
func (ms *MetricsSnapshot) GetRouterBufferFallbackRate() float64 {
	if ms.RouterDeliveries == 0 {
		return 0
	}
	return float64(ms.RouterBufferedFallbacks) / float64(ms.RouterDeliveries) * 100
}

// Helper functions

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile int) int64 {
	if len(values) == 0 {
		return 0
	}

	// Simple implementation - for production, use a proper percentile algorithm
	// This is an approximation
	index := len(values) * percentile / 100
	if index >= len(values) {
		index = len(values) - 1
	}

	// Create a copy and sort (simple bubble sort for small datasets)
	sorted := make([]int64, len(values))
	copy(sorted, values)

	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	return sorted[index]
}

// Global metrics collector instance
var globalCollector = NewMetricsCollector()

// GetGlobalCollector returns the global metrics collector.
func GetGlobalCollector() *MetricsCollector {
	return globalCollector
}
