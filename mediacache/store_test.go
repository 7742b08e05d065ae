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

package mediacache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernisproject/vernis/database"
)

func setupStore(t *testing.T) (*Store, AssetRef) {
	t.Helper()
	require.NoError(t, database.InitInMemory())
	t.Cleanup(func() {
		require.NoError(t, database.Shutdown())
		database.ServerDatabase = nil
	})

	art := database.Artwork{Slug: "test-piece", MainPath: "main/test.jpg"}
	require.NoError(t, database.ServerDatabase.Create(&art).Error)

	store := NewStore(5 * time.Minute)
	t.Cleanup(store.Close)
	return store, AssetRef{ArtworkID: art.ID, Slot: SlotMain}
}

func TestStoreGetAppliesValidityInvariant(t *testing.T) {
	store, ref := setupStore(t)

	// Nothing cached yet.
	_, ok := store.Get(ref)
	assert.False(t, ok)

	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(time.Hour)))
	url, ok := store.Get(ref)
	require.True(t, ok)
	assert.Equal(t, wellFormedURL, url)

	// An entry inside the safety buffer is a miss.
	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(2*time.Minute)))
	_, ok = store.Get(ref)
	assert.False(t, ok)
}

func TestStoreRejectsMalformedWrite(t *testing.T) {
	store, ref := setupStore(t)
	err := store.Put(ref, "https://storage.example.com/no-signature", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrEntryInvalid)
}

func TestStoreGetRejectsCorruptedEntry(t *testing.T) {
	store, ref := setupStore(t)
	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(48*time.Hour)))

	// Corrupt the persisted row behind the store's back (partial write).
	corrupt := wellFormedURL[:len(wellFormedURL)-10]
	require.NoError(t, database.ServerDatabase.Model(&database.ArtworkURL{}).
		Where("artwork_id = ?", ref.ArtworkID).
		Update("cached_url", corrupt).Error)

	_, ok := store.Get(ref)
	assert.False(t, ok, "corrupted entry must be treated as a miss despite a far-future expiry")
}

func TestStoreGetRejectsOutOfBandRewrite(t *testing.T) {
	store, ref := setupStore(t)
	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(48*time.Hour)))

	// Swap in a different URL that is structurally fine on its own; the
	// write-time digest no longer matches, so it must not be served.
	swapped := "https://storage.example.com/other.jpg?X-Amz-Signature=" + strings.Repeat("0123456789abcdef", 4)
	require.NoError(t, ValidateSignedURL(swapped))
	require.NoError(t, database.ServerDatabase.Model(&database.ArtworkURL{}).
		Where("artwork_id = ?", ref.ArtworkID).
		Update("cached_url", swapped).Error)

	_, ok := store.Get(ref)
	assert.False(t, ok)
}

func TestStoreFreshUsesCallerHorizon(t *testing.T) {
	store, ref := setupStore(t)
	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(10*time.Minute)))

	// Still serveable under the 5m read buffer, but not fresh enough for
	// a caller planning an hour ahead.
	_, ok := store.Get(ref)
	assert.True(t, ok)
	assert.True(t, store.Fresh(ref, 5*time.Minute))
	assert.False(t, store.Fresh(ref, time.Hour))

	require.NoError(t, store.Invalidate(ref))
	assert.False(t, store.Fresh(ref, time.Minute))
}

func TestStoreInvalidate(t *testing.T) {
	store, ref := setupStore(t)
	require.NoError(t, store.Put(ref, wellFormedURL, time.Now().Add(time.Hour)))
	require.NoError(t, store.Invalidate(ref))

	_, ok := store.Get(ref)
	assert.False(t, ok)

	// The row itself survives invalidation.
	_, _, found := store.Entry(ref)
	assert.True(t, found)
}

func TestVariantCacheRoundTrip(t *testing.T) {
	store, ref := setupStore(t)

	_, ok := store.GetVariant(ref, "thumbnail", time.Hour)
	assert.False(t, ok)

	store.PutVariant(ref, "thumbnail", wellFormedURL, time.Hour)
	url, ok := store.GetVariant(ref, "thumbnail", time.Hour)
	require.True(t, ok)
	assert.Equal(t, wellFormedURL, url)

	// Different requested TTLs are distinct entries.
	_, ok = store.GetVariant(ref, "thumbnail", 2*time.Hour)
	assert.False(t, ok)

	// Invalidation drops variants along with the primary entry.
	require.NoError(t, store.Invalidate(ref))
	_, ok = store.GetVariant(ref, "thumbnail", time.Hour)
	assert.False(t, ok)
}

func TestVariantCacheExpiresEarly(t *testing.T) {
	store, ref := setupStore(t)

	// 90% of a tiny TTL: entry must be gone well before the nominal TTL.
	store.PutVariant(ref, "small", wellFormedURL, 50*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	_, ok := store.GetVariant(ref, "small", 50*time.Millisecond)
	assert.False(t, ok)
}
