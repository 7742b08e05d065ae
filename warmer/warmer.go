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

// Package warmer proactively refreshes signed media URLs: a
// concurrency-limited batch warmer with per-asset retry/backoff, and the
// long-lived refresh daemon that feeds it.
package warmer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/metrics"
	"github.com/vernisproject/vernis/param"
	"github.com/vernisproject/vernis/signer"
)

type (
	// Warmer warms batches of assets.  Each warm is independent and
	// idempotent; a batch never fails as a whole.
	Warmer struct {
		Store  *mediacache.Store
		Client signer.Client

		// Concurrency limits simultaneous signs inside one batch; it is
		// independent of (and typically at most) the worker pool size,
		// since a batch call itself runs as a single pooled task.
		Concurrency    int64
		MaxAttempts    int
		RetryBaseDelay time.Duration
		SignTTL        time.Duration

		// ExpiryBuffer is the proactive-refresh horizon: an entry expiring
		// within it is re-signed even though the read path would still
		// serve it.  Wider than the store's safety buffer on purpose.
		ExpiryBuffer time.Duration
	}

	// BatchResult summarizes one batch; callers inspect counts rather
	// than receiving an error.
	BatchResult struct {
		Processed  int           `json:"processed"`
		Successful int           `json:"successful"`
		Failed     int           `json:"failed"`
		Duration   time.Duration `json:"duration"`
		Errors     []error       `json:"-"`
	}
)

// New builds a warmer from the Cache.* configuration.
func New(store *mediacache.Store, client signer.Client) *Warmer {
	return &Warmer{
		Store:          store,
		Client:         client,
		Concurrency:    int64(param.Cache_BatchConcurrency.GetInt()),
		MaxAttempts:    param.Cache_MaxWarmAttempts.GetInt(),
		RetryBaseDelay: param.Cache_RetryBaseDelay.GetDuration(),
		SignTTL:        param.Cache_SignTTL.GetDuration(),
		ExpiryBuffer:   param.Cache_ExpiryBuffer.GetDuration(),
	}
}

func (w *Warmer) refreshHorizon() time.Duration {
	if w.ExpiryBuffer <= 0 {
		return time.Hour
	}
	return w.ExpiryBuffer
}

// WarmAssets warms the given refs with bounded in-batch concurrency.
func (w *Warmer) WarmAssets(ctx context.Context, refs []mediacache.AssetRef, force bool) BatchResult {
	start := time.Now()
	result := BatchResult{Processed: len(refs)}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range refs {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failed++
			result.Errors = append(result.Errors, errors.Wrapf(err, "batch cancelled before warming %s", ref))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(ref mediacache.AssetRef) {
			defer wg.Done()
			defer sem.Release(1)
			err := w.WarmOne(ctx, ref, force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, errors.Wrapf(err, "failed to warm %s", ref))
			} else {
				result.Successful++
			}
		}(ref)
	}
	wg.Wait()
	result.Duration = time.Since(start)
	return result
}

// WarmOne refreshes a single asset's signed URL.  With force=false an
// entry still fresh beyond the expiry buffer is a no-op success that
// costs zero signing calls; one nearing expiry is re-signed even though
// the read path would still serve it.  Warming the main slot also
// refreshes any frame-slot URLs of the same artwork, best effort.
func (w *Warmer) WarmOne(ctx context.Context, ref mediacache.AssetRef, force bool) error {
	if !force && w.Store.Fresh(ref, w.refreshHorizon()) {
		log.Debugln("Skipping warm for", ref, ": cached URL fresh beyond the expiry buffer")
		return nil
	}

	artwork, err := database.GetArtwork(ref.ArtworkID)
	if err != nil {
		return err
	}
	path := artwork.PathForSlot(string(ref.Slot))
	if path == "" {
		return errors.Errorf("%s has no storage path", ref)
	}

	if err := w.signAndStore(ctx, ref, path); err != nil {
		metrics.RecordWarmFailure(ref.ArtworkID, string(ref.Slot), err.Error())
		return err
	}

	if ref.Slot == mediacache.SlotMain {
		w.warmFrames(ctx, artwork, force)
	}
	return nil
}

// warmFrames refreshes the frame-slot URLs alongside a main-image warm.
// Failures here are logged and counted but never fail the main warm.
func (w *Warmer) warmFrames(ctx context.Context, artwork *database.Artwork, force bool) {
	for _, slot := range mediacache.FrameSlots {
		path := artwork.PathForSlot(string(slot))
		if path == "" {
			continue
		}
		ref := mediacache.AssetRef{ArtworkID: artwork.ID, Slot: slot}
		if !force && w.Store.Fresh(ref, w.refreshHorizon()) {
			continue
		}
		if err := w.signAndStore(ctx, ref, path); err != nil {
			metrics.RecordWarmFailure(ref.ArtworkID, string(ref.Slot), err.Error())
			log.Warningln("Failed to warm dependent frame", ref, ":", err)
		}
	}
}

// signAndStore performs the signing call with jittered TTL and a fresh
// nonce, retrying transient failures with exponential backoff.  Every
// successful refresh therefore yields a URL string distinct from the
// previous one, even for an identical path and nominal TTL.
func (w *Warmer) signAndStore(ctx context.Context, ref mediacache.AssetRef, path string) error {
	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := w.RetryBaseDelay << (attempt - 1)
			log.Debugf("Retrying warm of %s in %s (attempt %d/%d)", ref, delay, attempt+1, maxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "warm of %s cancelled during backoff", ref)
			}
		}

		ttl := mediacache.JitterTTL(w.SignTTL)
		signStart := time.Now()
		url, err := w.Client.Sign(ctx, path, ttl, mediacache.NonceParams())
		metrics.RecordAPICall(ref.ArtworkID, string(ref.Slot), time.Since(signStart))
		if err != nil {
			lastErr = err
			// A missing object will not appear by retrying.
			if errors.Is(err, signer.ErrObjectNotFound) {
				break
			}
			continue
		}

		expiresAt := time.Now().Add(ttl)
		if err := w.Store.Put(ref, url, expiresAt); err != nil {
			lastErr = err
			continue
		}
		metrics.RecordWarmSuccess(ref.ArtworkID, string(ref.Slot), time.Since(signStart))
		return nil
	}
	return lastErr
}
