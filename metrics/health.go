/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	HealthStatusEnum int

	// HealthSnapshot is the JSON payload returned to operational monitors.
	HealthSnapshot struct {
		Status    string          `json:"status"`
		Warnings  []string        `json:"warnings,omitempty"`
		Metrics   MetricsSnapshot `json:"metrics"`
		CheckedAt int64           `json:"checked_at"`
	}

	// MetricsSnapshot is the reporting view over the trailing window.
	MetricsSnapshot struct {
		Window             string         `json:"window"`
		Stats              WindowStats    `json:"counts"`
		HitRate            float64        `json:"hit_rate"`
		WarmingSuccessRate float64        `json:"warming_success_rate"`
		AvgResponseMs      float64        `json:"avg_response_ms"`
		CallsMade          int64          `json:"signing_calls_made"`
		CallsAvoided       int64          `json:"signing_calls_avoided"`
		ReductionRatio     float64        `json:"signing_call_reduction"`
		PoolUtilization    float64        `json:"pool_utilization"`
		TopAssets          []AssetTraffic `json:"top_assets,omitempty"`
	}
)

const (
	StatusError HealthStatusEnum = iota + 1
	StatusWarning
	StatusHealthy
)

func (status HealthStatusEnum) String() string {
	strings := [...]string{"error", "warning", "healthy"}
	if int(status) < 1 || int(status) > len(strings) {
		return "unknown"
	}
	return strings[status-1]
}

// Alerting thresholds, evaluated over the trailing hour.
const (
	healthWindow            = time.Hour
	minLookupsForHitRate    = 10
	hitRateWarnThreshold    = 0.70
	warmFailureErrThreshold = 0.10
	avgResponseWarnMs       = 1000.0
	poolUtilizationWarn     = 0.80
)

var (
	healthStatusGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vernis_cache_health_status",
		Help: "Media cache health: 3=healthy 2=warning 1=error",
	})

	utilizationMu     sync.RWMutex
	utilizationSource func() float64
)

// RegisterUtilizationSource wires in the worker pool's utilization without
// coupling this package to the pool implementation.
func RegisterUtilizationSource(source func() float64) {
	utilizationMu.Lock()
	defer utilizationMu.Unlock()
	utilizationSource = source
}

func poolUtilization() float64 {
	utilizationMu.RLock()
	defer utilizationMu.RUnlock()
	if utilizationSource == nil {
		return 0
	}
	return utilizationSource()
}

// Snapshot builds the metrics view for a reporting window.  The
// reduction ratio counts a hit as one signing call avoided and reports it
// against the calls actually made, proactive warming included.
func Snapshot(window time.Duration) (MetricsSnapshot, error) {
	stats, err := CollectWindow(window)
	if err != nil {
		return MetricsSnapshot{}, err
	}

	snap := MetricsSnapshot{
		Window:             window.String(),
		Stats:              stats,
		HitRate:            1.0,
		WarmingSuccessRate: 1.0,
		AvgResponseMs:      stats.AvgLatencyMs,
		CallsMade:          stats.APICalls,
		CallsAvoided:       stats.Hits,
		PoolUtilization:    poolUtilization(),
	}
	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		snap.HitRate = float64(stats.Hits) / float64(lookups)
	}
	if attempts := stats.WarmSuccesses + stats.WarmFailures; attempts > 0 {
		snap.WarmingSuccessRate = float64(stats.WarmSuccesses) / float64(attempts)
	}
	if total := stats.Hits + stats.APICalls; total > 0 {
		snap.ReductionRatio = float64(stats.Hits) / float64(total)
	}

	top, err := TopAssetsByTraffic(window, 10)
	if err != nil {
		return snap, err
	}
	snap.TopAssets = top
	return snap, nil
}

// CheckHealth evaluates the fixed thresholds against the trailing hour.
// It is a pure function of recent metrics (plus the advisory pool
// utilization) and is safe to call at any frequency.
func CheckHealth() (HealthSnapshot, error) {
	snap, err := Snapshot(healthWindow)
	if err != nil {
		return HealthSnapshot{Status: StatusError.String()}, err
	}

	status := StatusHealthy
	var warnings []string

	if lookups := snap.Stats.Hits + snap.Stats.Misses; lookups >= minLookupsForHitRate && snap.HitRate < hitRateWarnThreshold {
		status = StatusWarning
		warnings = append(warnings, fmt.Sprintf("hit rate %.1f%% below %.0f%%", snap.HitRate*100, hitRateWarnThreshold*100))
	}
	if attempts := snap.Stats.WarmSuccesses + snap.Stats.WarmFailures; attempts > 0 {
		failureRate := float64(snap.Stats.WarmFailures) / float64(attempts)
		if failureRate > warmFailureErrThreshold {
			status = StatusError
			warnings = append(warnings, fmt.Sprintf("warming failure rate %.1f%% above %.0f%%", failureRate*100, warmFailureErrThreshold*100))
		}
	}
	if snap.AvgResponseMs > avgResponseWarnMs {
		if status == StatusHealthy {
			status = StatusWarning
		}
		warnings = append(warnings, fmt.Sprintf("average signing latency %.0fms above %.0fms", snap.AvgResponseMs, avgResponseWarnMs))
	}
	if snap.PoolUtilization > poolUtilizationWarn {
		if status == StatusHealthy {
			status = StatusWarning
		}
		warnings = append(warnings, fmt.Sprintf("worker pool utilization %.0f%% above %.0f%%", snap.PoolUtilization*100, poolUtilizationWarn*100))
	}

	healthStatusGauge.Set(float64(status))
	return HealthSnapshot{
		Status:    status.String(),
		Warnings:  warnings,
		Metrics:   snap,
		CheckedAt: time.Now().Unix(),
	}, nil
}
