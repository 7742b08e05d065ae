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
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vernisproject/vernis/database"
)

// Store is the cache-entry store.  Primary entries (one per asset, the
// untransformed signed URL) persist in the server database and survive
// restarts; variant entries live in an in-process TTL cache whose
// effective lifetime is 90% of the signing TTL, keeping a cached variant
// URL at least 10% of its TTL away from the real signature expiry.
type Store struct {
	safetyBuffer time.Duration
	variants     *ttlcache.Cache[string, string]
	nowFunc      func() time.Time
}

// NewStore builds a store with the given expiry safety buffer.  The
// variant cache's janitor goroutine runs until Close.
func NewStore(safetyBuffer time.Duration) *Store {
	cache := ttlcache.New[string, string]()
	go cache.Start()
	return &Store{
		safetyBuffer: safetyBuffer,
		variants:     cache,
		nowFunc:      time.Now,
	}
}

func (s *Store) Close() {
	s.variants.Stop()
}

// Get returns the primary cached URL for an asset iff the validity
// invariant holds; anything stale, truncated, or missing is a miss.
func (s *Store) Get(ref AssetRef) (string, bool) {
	entry, err := database.GetArtworkURL(ref.ArtworkID, string(ref.Slot))
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warningln("Failed to read cached URL for", ref, ":", err)
		}
		return "", false
	}
	if !entry.IntegrityOK() {
		log.Warningln("Cached URL for", ref, "failed its integrity check; treating as a miss")
		return "", false
	}
	if !EntryValid(entry.CachedURL, entry.ExpiresAt, s.nowFunc(), s.safetyBuffer) {
		return "", false
	}
	return entry.CachedURL, true
}

// Fresh reports whether the primary entry will still satisfy the validity
// invariant for the whole horizon.  The warm paths use this with the
// proactive-refresh horizon so entries nearing expiry get re-signed well
// before Get would start missing on them.
func (s *Store) Fresh(ref AssetRef, horizon time.Duration) bool {
	entry, err := database.GetArtworkURL(ref.ArtworkID, string(ref.Slot))
	if err != nil {
		return false
	}
	if !entry.IntegrityOK() {
		return false
	}
	return EntryValid(entry.CachedURL, entry.ExpiresAt, s.nowFunc(), horizon)
}

// Entry returns the raw persisted entry regardless of validity, for
// callers (the refresh daemon, admin tools) that need the expiry itself.
func (s *Store) Entry(ref AssetRef) (url string, expiresAt time.Time, found bool) {
	entry, err := database.GetArtworkURL(ref.ArtworkID, string(ref.Slot))
	if err != nil {
		return "", time.Time{}, false
	}
	return entry.CachedURL, entry.ExpiresAt, true
}

// Put writes a primary entry.  Per-asset atomicity comes from the
// database's unique-index upsert; concurrent warmers for the same asset
// cannot interleave partial writes.
func (s *Store) Put(ref AssetRef, url string, expiresAt time.Time) error {
	if err := ValidateSignedURL(url); err != nil {
		return errors.Wrapf(err, "refusing to cache malformed URL for %s", ref)
	}
	return database.UpsertArtworkURL(ref.ArtworkID, string(ref.Slot), url, expiresAt)
}

// Invalidate clears an entry in place; the row remains so catalog-side
// deletion stays the only way an entry disappears.
func (s *Store) Invalidate(ref AssetRef) error {
	s.dropVariants(ref)
	return database.InvalidateArtworkURL(ref.ArtworkID, string(ref.Slot))
}

// GetVariant returns a cached variant URL.  The ttlcache already expired
// anything past 90% of its signing TTL, but the structural check still
// applies.
func (s *Store) GetVariant(ref AssetRef, variant string, signTTL time.Duration) (string, bool) {
	item := s.variants.Get(variantKey(ref, variant, signTTL))
	if item == nil {
		return "", false
	}
	url := item.Value()
	if ValidateSignedURL(url) != nil {
		return "", false
	}
	return url, true
}

// PutVariant caches a variant URL for 90% of the requested signing TTL.
func (s *Store) PutVariant(ref AssetRef, variant, url string, signTTL time.Duration) {
	s.variants.Set(variantKey(ref, variant, signTTL), url, signTTL*9/10)
}

func (s *Store) dropVariants(ref AssetRef) {
	prefix := fmt.Sprintf("%d/%s/", ref.ArtworkID, ref.Slot)
	for _, key := range s.variants.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			s.variants.Delete(key)
		}
	}
}

// The requested TTL is part of the key: callers asking for different
// lifetimes must not share entries.
func variantKey(ref AssetRef, variant string, signTTL time.Duration) string {
	return fmt.Sprintf("%d/%s/%s/%d", ref.ArtworkID, ref.Slot, variant, int64(signTTL.Seconds()))
}
