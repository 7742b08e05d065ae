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

// Package metrics records every cache event, aggregates them over rolling
// windows, and evaluates the health thresholds that gate alerting.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/param"
)

type EventType string

const (
	EventHit         EventType = "hit"
	EventMiss        EventType = "miss"
	EventWarmSuccess EventType = "warm_success"
	EventWarmFailure EventType = "warm_failure"
	EventAPICall     EventType = "api_call"
)

var cacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vernis_cache_events_total",
	Help: "Signed-URL cache events by type",
}, []string{"type"})

// Event is one immutable cache event.  ArtworkID of zero means the event
// is not tied to a specific asset.
type Event struct {
	Type      EventType
	ArtworkID uint
	Slot      string
	LatencyMs int64
	Metadata  string
}

// Record appends an event to the durable log and bumps the matching
// prometheus counter.  Failures to persist are logged, never propagated:
// metrics must not break the paths they observe.
func Record(e Event) {
	cacheEventsTotal.WithLabelValues(string(e.Type)).Inc()
	if database.ServerDatabase == nil {
		return
	}
	err := database.InsertMetricEvent(&database.MetricEvent{
		EventType: string(e.Type),
		ArtworkID: e.ArtworkID,
		Slot:      e.Slot,
		LatencyMs: e.LatencyMs,
		Metadata:  e.Metadata,
	})
	if err != nil {
		log.Warningln("Failed to persist metric event:", err)
	}
}

func RecordHit(artworkID uint, slot string) {
	Record(Event{Type: EventHit, ArtworkID: artworkID, Slot: slot})
}

func RecordMiss(artworkID uint, slot string) {
	Record(Event{Type: EventMiss, ArtworkID: artworkID, Slot: slot})
}

func RecordWarmSuccess(artworkID uint, slot string, latency time.Duration) {
	Record(Event{Type: EventWarmSuccess, ArtworkID: artworkID, Slot: slot, LatencyMs: latency.Milliseconds()})
}

func RecordWarmFailure(artworkID uint, slot, reason string) {
	Record(Event{Type: EventWarmFailure, ArtworkID: artworkID, Slot: slot, Metadata: reason})
}

func RecordAPICall(artworkID uint, slot string, latency time.Duration) {
	Record(Event{Type: EventAPICall, ArtworkID: artworkID, Slot: slot, LatencyMs: latency.Milliseconds()})
}

// WindowStats aggregates the event log over a rolling window.
type WindowStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	WarmSuccesses int64   `json:"warm_successes"`
	WarmFailures  int64   `json:"warm_failures"`
	APICalls      int64   `json:"api_calls"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// AssetTraffic is one row of the top-assets report.
type AssetTraffic struct {
	ArtworkID uint  `json:"artwork_id"`
	Requests  int64 `json:"requests"`
}

// CollectWindow aggregates event counts and the average signing latency
// over the trailing window.
func CollectWindow(window time.Duration) (WindowStats, error) {
	stats := WindowStats{}
	since := time.Now().Add(-window)

	rows := []struct {
		EventType string
		Count     int64
	}{}
	err := database.ServerDatabase.Model(&database.MetricEvent{}).
		Select("event_type, COUNT(*) as count").
		Where("created_at >= ?", since).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, row := range rows {
		switch EventType(row.EventType) {
		case EventHit:
			stats.Hits = row.Count
		case EventMiss:
			stats.Misses = row.Count
		case EventWarmSuccess:
			stats.WarmSuccesses = row.Count
		case EventWarmFailure:
			stats.WarmFailures = row.Count
		case EventAPICall:
			stats.APICalls = row.Count
		}
	}

	var avg struct{ Avg float64 }
	err = database.ServerDatabase.Model(&database.MetricEvent{}).
		Select("COALESCE(AVG(latency_ms), 0) as avg").
		Where("created_at >= ? AND event_type IN ?", since, []string{string(EventAPICall), string(EventWarmSuccess)}).
		Scan(&avg).Error
	if err != nil {
		return stats, err
	}
	stats.AvgLatencyMs = avg.Avg
	return stats, nil
}

// HitRate is hits over lookups in the window; returns 1.0 when the window
// has no lookups (an idle cache is not an unhealthy cache).
func HitRate(window time.Duration) (float64, error) {
	stats, err := CollectWindow(window)
	if err != nil {
		return 0, err
	}
	lookups := stats.Hits + stats.Misses
	if lookups == 0 {
		return 1.0, nil
	}
	return float64(stats.Hits) / float64(lookups), nil
}

// WarmingSuccessRate is warm successes over warm attempts in the window;
// 1.0 when nothing was warmed.
func WarmingSuccessRate(window time.Duration) (float64, error) {
	stats, err := CollectWindow(window)
	if err != nil {
		return 0, err
	}
	attempts := stats.WarmSuccesses + stats.WarmFailures
	if attempts == 0 {
		return 1.0, nil
	}
	return float64(stats.WarmSuccesses) / float64(attempts), nil
}

// TopAssetsByTraffic lists the most requested artworks (hits plus misses)
// in the window.
func TopAssetsByTraffic(window time.Duration, limit int) ([]AssetTraffic, error) {
	var rows []AssetTraffic
	err := database.ServerDatabase.Model(&database.MetricEvent{}).
		Select("artwork_id, COUNT(*) as requests").
		Where("created_at >= ? AND event_type IN ? AND artwork_id > 0",
			time.Now().Add(-window), []string{string(EventHit), string(EventMiss)}).
		Group("artwork_id").
		Order("requests DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RunRetention prunes events past the configured horizon once a day.
// Deletes run in small batches so writers are never blocked for long.
func RunRetention(ctx context.Context, egrp *errgroup.Group) {
	egrp.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				days := param.Metrics_RetentionDays.GetInt()
				if days <= 0 {
					days = 30
				}
				horizon := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
				pruned, err := database.PruneMetricEvents(horizon, 1000)
				if err != nil {
					log.Warningln("Metric event retention pass failed:", err)
				} else if pruned > 0 {
					log.Debugf("Pruned %d metric events older than %d days", pruned, days)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}
