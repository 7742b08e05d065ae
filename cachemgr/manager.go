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

// Package cachemgr assembles the media cache subsystem into one
// explicitly constructed service object.  The web and CLI layers hold a
// *Manager; nothing here relies on import-time side effects, and
// lifecycle is an explicit Start/Stop pair driven by the process entry
// point.
package cachemgr

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/metrics"
	"github.com/vernisproject/vernis/param"
	"github.com/vernisproject/vernis/pool"
	"github.com/vernisproject/vernis/signer"
	"github.com/vernisproject/vernis/warmer"
)

// Manager is the boundary the catalog/web layer talks to.
type Manager struct {
	store  *mediacache.Store
	warmer *warmer.Warmer
	daemon *warmer.Daemon
	pool   *pool.Pool
	client signer.Client

	signTTL      time.Duration
	cooldown     time.Duration
	sampleSize   int
	lastFallback uatomic.Int64 // unix nanos of the last fallback trigger
}

const daemonStopTimeout = 30 * time.Second

// New wires the subsystem together.  The pool's worker goroutines live
// for the duration of ctx.
func New(ctx context.Context, client signer.Client) (*Manager, error) {
	workers := param.Cache_WorkerCount.GetInt()
	taskPool, err := pool.New(ctx, workers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create warming worker pool")
	}

	store := mediacache.NewStore(param.Cache_SafetyBuffer.GetDuration())
	w := warmer.New(store, client)

	m := &Manager{
		store:      store,
		warmer:     w,
		daemon:     warmer.NewDaemon(w),
		pool:       taskPool,
		client:     client,
		signTTL:    param.Cache_SignTTL.GetDuration(),
		cooldown:   param.Cache_FallbackCooldown.GetDuration(),
		sampleSize: param.Cache_FallbackSampleSize.GetInt(),
	}
	metrics.RegisterUtilizationSource(taskPool.Utilization)
	return m, nil
}

// Start launches the background machinery: the refresh daemon, the pool's
// diagnostic monitor, and the metric retention job.  Idempotence comes
// from the daemon's own state machine.
func (m *Manager) Start(ctx context.Context, egrp *errgroup.Group) {
	m.daemon.Start(ctx)
	m.pool.RunMonitor(ctx, egrp)
	metrics.RunRetention(ctx, egrp)
}

// Stop shuts the daemon down cooperatively and releases the variant
// cache's janitor.
func (m *Manager) Stop() {
	m.daemon.Stop(daemonStopTimeout)
	m.store.Close()
}

// GetDisplayURL is the template/serializer read path.  It never performs
// a synchronous remote call: a miss returns found=false and the caller
// degrades to a placeholder.  A variant miss schedules an asynchronous
// warm so the next request is likely to hit.
func (m *Manager) GetDisplayURL(ref mediacache.AssetRef, variant string) (string, bool) {
	if variant == "" {
		url, ok := m.store.Get(ref)
		if ok {
			metrics.RecordHit(ref.ArtworkID, string(ref.Slot))
		} else {
			metrics.RecordMiss(ref.ArtworkID, string(ref.Slot))
		}
		return url, ok
	}

	url, ok := m.store.GetVariant(ref, variant, m.signTTL)
	if ok {
		metrics.RecordHit(ref.ArtworkID, string(ref.Slot))
		return url, true
	}
	metrics.RecordMiss(ref.ArtworkID, string(ref.Slot))
	m.scheduleVariantWarm(ref, variant)
	return "", false
}

// InvalidateAndRefresh drops an asset's cached URLs and performs one
// synchronous warm.  Admin/edit flows call this when the underlying file
// changes; unlike the background paths, failures propagate to the caller.
func (m *Manager) InvalidateAndRefresh(ctx context.Context, ref mediacache.AssetRef) error {
	if err := m.store.Invalidate(ref); err != nil {
		return err
	}
	result := m.warmer.WarmAssets(ctx, []mediacache.AssetRef{ref}, true)
	if result.Failed > 0 {
		return errors.Wrapf(result.Errors[0], "failed to refresh %s", ref)
	}
	return nil
}

// OnHighTrafficRequest is the request-path safety net for when the
// refresh daemon is down or lagging.  It adds only a cooldown check and a
// small sample of store reads to the request; any actual warming is
// fire-and-forget through the worker pool.  Disabling it entirely only
// costs fresh-on-miss latency.
func (m *Manager) OnHighTrafficRequest() {
	cooldown := m.cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	last := m.lastFallback.Load()
	now := time.Now().UnixNano()
	if now-last < int64(cooldown) {
		return
	}

	sample := m.sampleSize
	if sample <= 0 {
		sample = 3
	}
	featured, err := database.ListFeaturedArtworks(sample)
	if err != nil {
		log.Warningln("Fallback trigger failed to sample featured artworks:", err)
		return
	}

	var stale []mediacache.AssetRef
	for _, artwork := range featured {
		if artwork.MainPath == "" {
			continue
		}
		ref := mediacache.AssetRef{ArtworkID: artwork.ID, Slot: mediacache.SlotMain}
		if _, ok := m.store.Get(ref); !ok {
			stale = append(stale, ref)
		}
	}
	if len(stale) == 0 {
		return
	}

	// Only one of any concurrent requests wins the CAS and submits.
	if !m.lastFallback.CompareAndSwap(last, now) {
		return
	}
	refs := stale
	log.Infof("Request-triggered fallback warming %d featured assets", len(refs))
	m.pool.Submit("fallback-warm", func(ctx context.Context) error {
		result := m.warmer.WarmAssets(ctx, refs, false)
		if result.Failed > 0 {
			return errors.Errorf("fallback warm: %d of %d assets failed", result.Failed, result.Processed)
		}
		return nil
	})
}

// WarmBatch exposes the batch warmer for CLI tools, which run it in the
// foreground and block on completion.
func (m *Manager) WarmBatch(ctx context.Context, refs []mediacache.AssetRef, force bool) warmer.BatchResult {
	return m.warmer.WarmAssets(ctx, refs, force)
}

// PoolStats snapshots the worker pool for the operational API.
func (m *Manager) PoolStats() pool.Stats {
	return m.pool.Stats()
}

// DaemonRunning reports the refresh daemon's state for health output.
func (m *Manager) DaemonRunning() bool {
	return m.daemon.Running()
}

func (m *Manager) scheduleVariantWarm(ref mediacache.AssetRef, variantName string) {
	variant, ok := mediacache.Variants[variantName]
	if !ok {
		log.Debugln("Ignoring warm request for unknown variant", variantName)
		return
	}
	m.pool.Submit("variant-warm", func(ctx context.Context) error {
		artwork, err := database.GetArtwork(ref.ArtworkID)
		if err != nil {
			return err
		}
		basePath := artwork.PathForSlot(string(ref.Slot))
		if basePath == "" {
			return errors.Errorf("%s has no storage path", ref)
		}

		ttl := mediacache.JitterTTL(m.signTTL)
		signStart := time.Now()
		url, err := m.client.Sign(ctx, variant.StoragePath(basePath), ttl, mediacache.NonceParams())
		metrics.RecordAPICall(ref.ArtworkID, string(ref.Slot), time.Since(signStart))
		if err != nil {
			return errors.Wrapf(err, "failed to sign %s variant of %s", variant.Name, ref)
		}
		// Keyed by the nominal TTL the read path asks for; the jitter only
		// pushes the real signature expiry further out.
		m.store.PutVariant(ref, variant.Name, url, m.signTTL)
		return nil
	})
}
