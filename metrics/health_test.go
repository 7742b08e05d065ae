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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernisproject/vernis/database"
)

func setupMetricsDB(t *testing.T) {
	t.Helper()
	require.NoError(t, database.InitInMemory())
	t.Cleanup(func() {
		require.NoError(t, database.Shutdown())
		database.ServerDatabase = nil
		RegisterUtilizationSource(nil)
	})
}

func recordN(t *testing.T, eventType EventType, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		Record(Event{Type: eventType, ArtworkID: uint(i%3 + 1), Slot: "main"})
	}
}

func TestHitRate(t *testing.T) {
	setupMetricsDB(t)

	// Idle cache reports a perfect rate.
	rate, err := HitRate(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	recordN(t, EventHit, 7)
	recordN(t, EventMiss, 3)

	rate, err = HitRate(time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, rate, 0.001)
}

func TestWarmingSuccessRate(t *testing.T) {
	setupMetricsDB(t)

	recordN(t, EventWarmSuccess, 9)
	recordN(t, EventWarmFailure, 1)

	rate, err := WarmingSuccessRate(time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rate, 0.001)
}

func TestWindowExcludesOldEvents(t *testing.T) {
	setupMetricsDB(t)

	old := database.MetricEvent{EventType: string(EventHit), CreatedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, database.InsertMetricEvent(&old))
	RecordHit(1, "main")

	stats, err := CollectWindow(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)

	stats, err = CollectWindow(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Hits)
}

func TestTopAssetsByTraffic(t *testing.T) {
	setupMetricsDB(t)

	for i := 0; i < 5; i++ {
		RecordHit(7, "main")
	}
	for i := 0; i < 2; i++ {
		RecordMiss(9, "main")
	}

	top, err := TopAssetsByTraffic(time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, uint(7), top[0].ArtworkID)
	assert.Equal(t, int64(5), top[0].Requests)
	assert.Equal(t, uint(9), top[1].ArtworkID)
}

func TestCheckHealthHealthy(t *testing.T) {
	setupMetricsDB(t)

	recordN(t, EventHit, 20)
	recordN(t, EventWarmSuccess, 5)

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Empty(t, health.Warnings)
	assert.Equal(t, float64(StatusHealthy), testutil.ToFloat64(healthStatusGauge))
}

func TestCheckHealthLowHitRateWarns(t *testing.T) {
	setupMetricsDB(t)

	recordN(t, EventHit, 5)
	recordN(t, EventMiss, 10)

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, "warning", health.Status)
	require.Len(t, health.Warnings, 1)
	assert.Contains(t, health.Warnings[0], "hit rate")
}

func TestCheckHealthIgnoresTinyHitSample(t *testing.T) {
	setupMetricsDB(t)

	// Below the sample floor a bad ratio must not page anyone.
	recordN(t, EventMiss, 3)

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestCheckHealthWarmFailuresAreError(t *testing.T) {
	setupMetricsDB(t)

	recordN(t, EventWarmSuccess, 8)
	recordN(t, EventWarmFailure, 2)

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, "error", health.Status)
}

func TestCheckHealthPoolUtilization(t *testing.T) {
	setupMetricsDB(t)
	RegisterUtilizationSource(func() float64 { return 0.95 })

	health, err := CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, "warning", health.Status)
	require.NotEmpty(t, health.Warnings)
	assert.Contains(t, health.Warnings[len(health.Warnings)-1], "utilization")
}

func TestSnapshotReductionAccounting(t *testing.T) {
	setupMetricsDB(t)

	recordN(t, EventHit, 30)
	recordN(t, EventAPICall, 10)

	snap, err := Snapshot(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(30), snap.CallsAvoided)
	assert.Equal(t, int64(10), snap.CallsMade)
	assert.InDelta(t, 0.75, snap.ReductionRatio, 0.001)
}
