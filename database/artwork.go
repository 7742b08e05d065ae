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
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type (
	// Artwork is the slice of the catalog entity the cache core consumes:
	// identity, the featured flag used for warm prioritization, and the
	// storage path of each displayable image slot.
	Artwork struct {
		ID         uint   `gorm:"primaryKey"`
		Slug       string `gorm:"uniqueIndex;size:200;not null"`
		Title      string `gorm:"size:300"`
		Featured   bool   `gorm:"index"`
		MainPath   string `gorm:"size:500"`
		Frame1Path string `gorm:"size:500"`
		Frame2Path string `gorm:"size:500"`
		Frame3Path string `gorm:"size:500"`
		Frame4Path string `gorm:"size:500"`
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// ArtworkURL is the persisted primary cache entry: one row per
	// (artwork, slot), refreshed in place by warming tasks and surviving
	// process restarts.
	ArtworkURL struct {
		ID        uint      `gorm:"primaryKey"`
		ArtworkID uint      `gorm:"uniqueIndex:idx_artwork_slot;not null"`
		Slot      string    `gorm:"uniqueIndex:idx_artwork_slot;size:16;not null"`
		CachedURL string    `gorm:"size:2048"`
		Digest    string    `gorm:"size:64"`
		ExpiresAt time.Time `gorm:"index"`
		UpdatedAt time.Time
	}
)

func (ArtworkURL) TableName() string {
	return "artwork_urls"
}

// IntegrityOK reports whether the stored URL still matches the digest
// recorded when it was written.  A mismatch means the row was altered
// outside the warm paths (or torn) and must be treated as a miss.
func (e *ArtworkURL) IntegrityOK() bool {
	if e.CachedURL == "" {
		return false
	}
	return e.Digest == urlDigest(e.CachedURL)
}

func urlDigest(cachedURL string) string {
	sum := sha256.Sum256([]byte(cachedURL))
	return hex.EncodeToString(sum[:])
}

// PathForSlot returns the storage path backing a display slot, or "" when
// the slot has no file set.
func (a *Artwork) PathForSlot(slot string) string {
	switch slot {
	case "main":
		return a.MainPath
	case "frame1":
		return a.Frame1Path
	case "frame2":
		return a.Frame2Path
	case "frame3":
		return a.Frame3Path
	case "frame4":
		return a.Frame4Path
	}
	return ""
}

func GetArtwork(id uint) (*Artwork, error) {
	var artwork Artwork
	if err := ServerDatabase.First(&artwork, id).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load artwork %d", id)
	}
	return &artwork, nil
}

func GetArtworkBySlug(slug string) (*Artwork, error) {
	var artwork Artwork
	if err := ServerDatabase.Where("slug = ?", slug).First(&artwork).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load artwork %q", slug)
	}
	return &artwork, nil
}

// ListArtworksNeedingWarmCheck returns artworks whose primary signed URL is
// missing or expires at/before the cutoff.  The query is driven by the
// expires_at index, not a scan of all cache rows; featured artworks sort
// first so they are warmed ahead of the rest.
func ListArtworksNeedingWarmCheck(cutoff time.Time) ([]Artwork, error) {
	var artworks []Artwork
	err := ServerDatabase.
		Joins("LEFT JOIN artwork_urls ON artwork_urls.artwork_id = artworks.id AND artwork_urls.slot = ?", "main").
		Where("artwork_urls.id IS NULL OR artwork_urls.cached_url = '' OR artwork_urls.expires_at <= ?", cutoff).
		Order("artworks.featured DESC, artworks.id ASC").
		Find(&artworks).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artworks needing warm check")
	}
	return artworks, nil
}

// ListFeaturedArtworks returns up to limit featured artworks, newest first.
func ListFeaturedArtworks(limit int) ([]Artwork, error) {
	var artworks []Artwork
	err := ServerDatabase.
		Where("featured = ?", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&artworks).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list featured artworks")
	}
	return artworks, nil
}

// GetArtworkURL fetches the persisted primary entry for one slot.  Returns
// gorm.ErrRecordNotFound when no entry exists yet.
func GetArtworkURL(artworkID uint, slot string) (*ArtworkURL, error) {
	var entry ArtworkURL
	err := ServerDatabase.
		Where("artwork_id = ? AND slot = ?", artworkID, slot).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertArtworkURL writes a primary entry atomically: the unique
// (artwork_id, slot) index plus ON CONFLICT makes concurrent warmers
// targeting the same asset last-write-wins with no torn rows.
func UpsertArtworkURL(artworkID uint, slot, cachedURL string, expiresAt time.Time) error {
	entry := ArtworkURL{
		ArtworkID: artworkID,
		Slot:      slot,
		CachedURL: cachedURL,
		Digest:    urlDigest(cachedURL),
		ExpiresAt: expiresAt,
		UpdatedAt: nowFunc(),
	}
	err := ServerDatabase.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "artwork_id"}, {Name: "slot"}},
		DoUpdates: clause.AssignmentColumns([]string{"cached_url", "digest", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return errors.Wrapf(err, "failed to upsert cached URL for artwork %d slot %s", artworkID, slot)
	}
	return nil
}

// InvalidateArtworkURL clears an entry without deleting the row; the next
// warm check treats it as a miss.
func InvalidateArtworkURL(artworkID uint, slot string) error {
	err := ServerDatabase.Model(&ArtworkURL{}).
		Where("artwork_id = ? AND slot = ?", artworkID, slot).
		Updates(map[string]interface{}{
			"cached_url": "",
			"digest":     "",
			"expires_at": time.Time{},
			"updated_at": nowFunc(),
		}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(err, "failed to invalidate cached URL for artwork %d slot %s", artworkID, slot)
	}
	return nil
}
