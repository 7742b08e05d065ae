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

package warmer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	uatomic "go.uber.org/atomic"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/param"
)

const (
	daemonStopped int32 = iota
	daemonRunning
)

// Daemon is the scheduled refresh loop: every interval it scans for
// primary entries nearing expiry and hands them to the batch warmer.
// Cycles never overlap; the single loop runs them strictly in sequence.
type Daemon struct {
	warmer *Warmer

	interval        time.Duration
	expiryBuffer    time.Duration
	cycleRetryDelay time.Duration

	// mu serializes Start/Stop so cancel and done are always published
	// before a concurrent Stop can observe the running state.
	mu        sync.Mutex
	state     uatomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	lastCycle uatomic.Time
}

// NewDaemon builds a daemon from the Cache.* configuration.
func NewDaemon(w *Warmer) *Daemon {
	return &Daemon{
		warmer:          w,
		interval:        param.Cache_RefreshInterval.GetDuration(),
		expiryBuffer:    param.Cache_ExpiryBuffer.GetDuration(),
		cycleRetryDelay: param.Cache_CycleRetryDelay.GetDuration(),
	}
}

// Start launches the refresh loop.  Idempotent: a second call while
// running is a logged no-op.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.CompareAndSwap(daemonStopped, daemonRunning) {
		log.Warningln("Refresh daemon start requested but it is already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done

	interval := d.interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	retryDelay := d.cycleRetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}

	log.Infoln("Starting signed-URL refresh daemon, interval", interval)
	go func() {
		defer close(done)
		defer d.state.Store(daemonStopped)
		for {
			delay := interval
			if err := d.runCycle(loopCtx); err != nil {
				// A failed cycle must never kill the daemon; retry on a
				// short fallback interval instead.
				log.Errorln("Refresh cycle failed:", err)
				delay = retryDelay
			}
			select {
			case <-time.After(delay):
			case <-loopCtx.Done():
				log.Debugln("Refresh daemon exiting")
				return
			}
		}
	}()
}

// Stop signals the loop to exit after its current cycle and joins with a
// bounded timeout.  Best effort: on timeout the caller may proceed with
// shutdown anyway.
func (d *Daemon) Stop(timeout time.Duration) {
	d.mu.Lock()
	if d.state.Load() != daemonRunning || d.cancel == nil {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warningln("Refresh daemon did not stop within", timeout)
	}
}

// Running reports whether the loop is active; advisory.
func (d *Daemon) Running() bool {
	return d.state.Load() == daemonRunning
}

// LastCycle is the completion time of the most recent cycle; zero before
// the first one finishes.
func (d *Daemon) LastCycle() time.Time {
	return d.lastCycle.Load()
}

func (d *Daemon) runCycle(ctx context.Context) error {
	defer d.lastCycle.Store(time.Now())

	buffer := d.expiryBuffer
	if buffer <= 0 {
		buffer = time.Hour
	}
	cutoff := time.Now().Add(buffer)

	artworks, err := database.ListArtworksNeedingWarmCheck(cutoff)
	if err != nil {
		return err
	}
	if len(artworks) == 0 {
		log.Debugln("Refresh cycle: no artworks near expiry")
		return nil
	}

	// Featured artworks arrive first from the query; the batch preserves
	// submission order up to its concurrency limit.  Frame slots of
	// featured artworks ride along via the main-slot warm.
	refs := make([]mediacache.AssetRef, 0, len(artworks))
	for _, artwork := range artworks {
		if artwork.MainPath == "" {
			continue
		}
		refs = append(refs, mediacache.AssetRef{ArtworkID: artwork.ID, Slot: mediacache.SlotMain})
	}

	result := d.warmer.WarmAssets(ctx, refs, false)
	log.Infof("Refresh cycle warmed %d/%d assets in %s (%d failed)",
		result.Successful, result.Processed, result.Duration.Round(time.Millisecond), result.Failed)
	for _, warmErr := range result.Errors {
		log.Warningln("Refresh cycle warm error:", warmErr)
	}
	return nil
}
