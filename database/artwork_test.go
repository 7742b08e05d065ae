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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitInMemory())
	t.Cleanup(func() {
		require.NoError(t, Shutdown())
		ServerDatabase = nil
	})
}

func TestUpsertArtworkURLRefreshesInPlace(t *testing.T) {
	setupTestDB(t)

	art := Artwork{Slug: "sunset-oil", Title: "Sunset", MainPath: "main/sunset.jpg"}
	require.NoError(t, ServerDatabase.Create(&art).Error)

	first := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, UpsertArtworkURL(art.ID, "main", "https://s/one", first))

	second := first.Add(24 * time.Hour)
	require.NoError(t, UpsertArtworkURL(art.ID, "main", "https://s/two", second))

	entry, err := GetArtworkURL(art.ID, "main")
	require.NoError(t, err)
	assert.Equal(t, "https://s/two", entry.CachedURL)
	assert.True(t, entry.IntegrityOK(), "digest must track the refreshed URL")
	assert.WithinDuration(t, second, entry.ExpiresAt, time.Second)

	var count int64
	require.NoError(t, ServerDatabase.Model(&ArtworkURL{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "refresh must not create a second row")
}

func TestInvalidateKeepsRow(t *testing.T) {
	setupTestDB(t)

	art := Artwork{Slug: "blue-study", MainPath: "main/blue.jpg"}
	require.NoError(t, ServerDatabase.Create(&art).Error)
	require.NoError(t, UpsertArtworkURL(art.ID, "main", "https://s/one", time.Now().Add(time.Hour)))

	require.NoError(t, InvalidateArtworkURL(art.ID, "main"))

	entry, err := GetArtworkURL(art.ID, "main")
	require.NoError(t, err)
	assert.Empty(t, entry.CachedURL)
	assert.Empty(t, entry.Digest)
	assert.True(t, entry.ExpiresAt.Before(time.Now()))
}

func TestListArtworksNeedingWarmCheck(t *testing.T) {
	setupTestDB(t)

	now := time.Now()
	expiring := Artwork{Slug: "expiring", MainPath: "main/a.jpg"}
	fresh := Artwork{Slug: "fresh", MainPath: "main/b.jpg"}
	never := Artwork{Slug: "never-warmed", MainPath: "main/c.jpg", Featured: true}
	require.NoError(t, ServerDatabase.Create(&expiring).Error)
	require.NoError(t, ServerDatabase.Create(&fresh).Error)
	require.NoError(t, ServerDatabase.Create(&never).Error)

	require.NoError(t, UpsertArtworkURL(expiring.ID, "main", "https://s/a", now.Add(10*time.Minute)))
	require.NoError(t, UpsertArtworkURL(fresh.ID, "main", "https://s/b", now.Add(48*time.Hour)))

	got, err := ListArtworksNeedingWarmCheck(now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Featured artworks sort ahead of the rest.
	assert.Equal(t, "never-warmed", got[0].Slug)
	assert.Equal(t, "expiring", got[1].Slug)
}

func TestGetArtworkURLNotFound(t *testing.T) {
	setupTestDB(t)
	_, err := GetArtworkURL(999, "main")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestPruneMetricEventsBatches(t *testing.T) {
	setupTestDB(t)

	old := time.Now().Add(-31 * 24 * time.Hour)
	for i := 0; i < 25; i++ {
		require.NoError(t, InsertMetricEvent(&MetricEvent{EventType: "hit", CreatedAt: old}))
	}
	require.NoError(t, InsertMetricEvent(&MetricEvent{EventType: "hit"}))

	pruned, err := PruneMetricEvents(time.Now().Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), pruned)

	var remaining int64
	require.NoError(t, ServerDatabase.Model(&MetricEvent{}).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
}
