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

package database

import (
	"time"

	"github.com/pkg/errors"
)

// MetricEvent is one append-only cache event record.  Aggregation over
// these rows lives in the metrics package; this package only owns the
// schema, inserts, and retention deletes.
type MetricEvent struct {
	ID        uint   `gorm:"primaryKey"`
	EventType string `gorm:"size:32;not null;index:idx_metric_type_time"`
	ArtworkID uint   `gorm:"index"`
	Slot      string `gorm:"size:16"`
	LatencyMs int64
	Metadata  string    `gorm:"size:1024"`
	CreatedAt time.Time `gorm:"index:idx_metric_type_time"`
}

func (MetricEvent) TableName() string {
	return "metric_events"
}

func InsertMetricEvent(event *MetricEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowFunc()
	}
	if err := ServerDatabase.Create(event).Error; err != nil {
		return errors.Wrap(err, "failed to record metric event")
	}
	return nil
}

// PruneMetricEvents deletes events older than the horizon in bounded
// batches so the retention job never holds a long write transaction that
// would starve event writers.
func PruneMetricEvents(olderThan time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		res := ServerDatabase.Exec(
			"DELETE FROM metric_events WHERE id IN (SELECT id FROM metric_events WHERE created_at < ? LIMIT ?)",
			olderThan, batchSize,
		)
		if res.Error != nil {
			return total, errors.Wrap(res.Error, "failed to prune metric events")
		}
		total += res.RowsAffected
		if res.RowsAffected < int64(batchSize) {
			return total, nil
		}
	}
}
