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

package cachemgr

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/pool"
	"github.com/vernisproject/vernis/signer"
	"github.com/vernisproject/vernis/warmer"
)

const testSignature = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeSigner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSigner) Sign(ctx context.Context, path string, ttl time.Duration, reqParams url.Values) (string, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://storage.example.com/artworks/%s?X-Amz-Signature=%s&%s",
		path, testSignature, reqParams.Encode()), nil
}

func (f *fakeSigner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupManager(t *testing.T, fake *fakeSigner) *Manager {
	t.Helper()
	require.NoError(t, database.InitInMemory())
	t.Cleanup(func() {
		require.NoError(t, database.Shutdown())
		database.ServerDatabase = nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	taskPool, err := pool.New(ctx, 2)
	require.NoError(t, err)

	store := mediacache.NewStore(5 * time.Minute)
	t.Cleanup(store.Close)

	w := &warmer.Warmer{
		Store:          store,
		Client:         fake,
		Concurrency:    2,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		SignTTL:        24 * time.Hour,
		ExpiryBuffer:   time.Hour,
	}
	return &Manager{
		store:      store,
		warmer:     w,
		daemon:     warmer.NewDaemon(w),
		pool:       taskPool,
		client:     fake,
		signTTL:    24 * time.Hour,
		cooldown:   time.Hour,
		sampleSize: 3,
	}
}

func createArtwork(t *testing.T, slug string, featured bool) database.Artwork {
	t.Helper()
	art := database.Artwork{
		Slug:     slug,
		Featured: featured,
		MainPath: "main/" + slug + ".jpg",
	}
	require.NoError(t, database.ServerDatabase.Create(&art).Error)
	return art
}

func TestGetDisplayURLHitAndMissRecording(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "meadow", false)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	// Nothing cached yet: the read path degrades rather than signing.
	_, ok := m.GetDisplayURL(ref, "")
	assert.False(t, ok)
	assert.Equal(t, 0, fake.callCount())

	require.NoError(t, m.store.Put(ref,
		"https://storage.example.com/main/meadow.jpg?X-Amz-Signature="+testSignature,
		time.Now().Add(time.Hour)))

	cached, ok := m.GetDisplayURL(ref, "")
	require.True(t, ok)
	assert.Contains(t, cached, "meadow")

	var hits, misses int64
	require.NoError(t, database.ServerDatabase.Model(&database.MetricEvent{}).
		Where("event_type = ?", "hit").Count(&hits).Error)
	require.NoError(t, database.ServerDatabase.Model(&database.MetricEvent{}).
		Where("event_type = ?", "miss").Count(&misses).Error)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestFallbackTriggerWarmsStaleFeatured(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "featured-cold", true)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	m.OnHighTrafficRequest()

	assert.Eventually(t, func() bool {
		_, ok := m.store.Get(ref)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "fallback trigger must warm the stale featured asset")
	assert.NotZero(t, m.lastFallback.Load())
}

func TestFallbackTriggerRespectsCooldown(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "featured-hot", true)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	m.OnHighTrafficRequest()
	require.Eventually(t, func() bool {
		_, ok := m.store.Get(ref)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	warmedCalls := fake.callCount()

	// Stale again, but still inside the cooldown window: no new work.
	require.NoError(t, m.store.Invalidate(ref))
	m.OnHighTrafficRequest()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, warmedCalls, fake.callCount())
}

func TestFallbackTriggerNoopWhenAllValid(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "featured-warm", true)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}
	require.NoError(t, m.store.Put(ref,
		"https://storage.example.com/ok?X-Amz-Signature="+testSignature,
		time.Now().Add(time.Hour)))

	m.OnHighTrafficRequest()
	time.Sleep(100 * time.Millisecond)

	// All sampled assets were valid, so the trigger neither warmed nor
	// consumed its cooldown budget.
	assert.Equal(t, 0, fake.callCount())
	assert.Zero(t, m.lastFallback.Load())
}

func TestInvalidateAndRefreshMintsNewURL(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "repainted", false)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	require.NoError(t, m.warmer.WarmOne(context.Background(), ref, false))
	first, ok := m.store.Get(ref)
	require.True(t, ok)

	require.NoError(t, m.InvalidateAndRefresh(context.Background(), ref))
	second, ok := m.store.Get(ref)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestInvalidateAndRefreshPropagatesFailure(t *testing.T) {
	fake := &fakeSigner{err: errors.Wrap(signer.ErrSigningTransient, "endpoint down")}
	m := setupManager(t, fake)
	art := createArtwork(t, "unlucky", false)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	err := m.InvalidateAndRefresh(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signer.ErrSigningTransient))
}

func TestVariantMissSchedulesAsyncWarm(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "gallery", false)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	_, ok := m.GetDisplayURL(ref, "thumbnail")
	assert.False(t, ok, "first variant read is a miss")

	assert.Eventually(t, func() bool {
		url, ok := m.GetDisplayURL(ref, "thumbnail")
		return ok && url != ""
	}, 2*time.Second, 10*time.Millisecond, "variant miss must warm in the background")

	got, ok := m.GetDisplayURL(ref, "thumbnail")
	require.True(t, ok)
	assert.Contains(t, got, "variants/thumbnail")
}

func TestUnknownVariantIsNotWarmed(t *testing.T) {
	fake := &fakeSigner{}
	m := setupManager(t, fake)
	art := createArtwork(t, "plain", false)
	ref := mediacache.AssetRef{ArtworkID: art.ID, Slot: mediacache.SlotMain}

	_, ok := m.GetDisplayURL(ref, "gigantic")
	assert.False(t, ok)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fake.callCount())
}
