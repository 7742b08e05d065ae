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

package web_api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/vernisproject/vernis/cachemgr"
	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/metrics"
	"github.com/vernisproject/vernis/pool"
)

type (
	// mediaURLs is the storefront's view of one artwork's signed URLs.
	// Slots or variants without a valid cached URL come back as "" and the
	// frontend degrades to its placeholder.
	mediaURLs struct {
		ArtworkID uint              `json:"artwork_id"`
		Slug      string            `json:"slug"`
		Main      string            `json:"main"`
		Variant   string            `json:"variant,omitempty"`
		Frames    map[string]string `json:"frames,omitempty"`
	}

	refreshRequest struct {
		ArtworkID uint   `json:"artwork_id" binding:"required"`
		Slot      string `json:"slot"`
	}
)

func registerRoutes(engine *gin.Engine, mgr *cachemgr.Manager) {
	apiV1 := engine.Group("/api/v1.0")

	apiV1.GET("/health", func(ctx *gin.Context) { handleHealth(ctx, mgr) })
	apiV1.GET("/metrics", handleMetricsSnapshot)

	// The storefront read path also feeds the high-traffic fallback
	// trigger; the hook is a cooldown-gated no-op almost always.  A nil
	// manager means the server runs in degraded no-caching mode.
	display := apiV1.Group("/artworks", func(ctx *gin.Context) {
		if mgr != nil {
			mgr.OnHighTrafficRequest()
		}
		ctx.Next()
	})
	display.GET("/:slug/media", func(ctx *gin.Context) { handleArtworkMedia(ctx, mgr) })

	apiV1.POST("/cache/refresh", func(ctx *gin.Context) { handleCacheRefresh(ctx, mgr) })
}

func handleHealth(ctx *gin.Context, mgr *cachemgr.Manager) {
	snapshot, err := metrics.CheckHealth()
	if err != nil {
		log.Warningln("Failed to evaluate cache health:", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate cache health"})
		return
	}
	var stats pool.Stats
	daemonRunning := false
	cacheEnabled := mgr != nil
	if cacheEnabled {
		stats = mgr.PoolStats()
		daemonRunning = mgr.DaemonRunning()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":         snapshot.Status,
		"warnings":       snapshot.Warnings,
		"metrics":        snapshot.Metrics,
		"checked_at":     snapshot.CheckedAt,
		"cache_enabled":  cacheEnabled,
		"daemon_running": daemonRunning,
		"pool": gin.H{
			"workers":      stats.Workers,
			"active":       stats.Active,
			"queue_depth":  stats.QueueDepth,
			"long_running": len(stats.LongRunning),
		},
	})
}

func handleMetricsSnapshot(ctx *gin.Context) {
	window := time.Hour
	if raw := ctx.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid window duration"})
			return
		}
		window = parsed
	}
	snapshot, err := metrics.Snapshot(window)
	if err != nil {
		log.Warningln("Failed to collect metrics snapshot:", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to collect metrics snapshot"})
		return
	}
	ctx.JSON(http.StatusOK, snapshot)
}

func handleArtworkMedia(ctx *gin.Context, mgr *cachemgr.Manager) {
	artwork, err := database.GetArtworkBySlug(ctx.Param("slug"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown artwork"})
		} else {
			log.Warningln("Failed to resolve artwork:", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve artwork"})
		}
		return
	}

	variant := ctx.Query("variant")
	if variant != "" {
		if _, ok := mediacache.Variants[variant]; !ok {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Unknown size variant"})
			return
		}
	}

	resp := mediaURLs{ArtworkID: artwork.ID, Slug: artwork.Slug, Variant: variant}
	if mgr == nil {
		// Degraded no-caching mode: every URL is empty and the frontend
		// shows placeholders.
		ctx.JSON(http.StatusOK, resp)
		return
	}
	mainRef := mediacache.AssetRef{ArtworkID: artwork.ID, Slot: mediacache.SlotMain}
	resp.Main, _ = mgr.GetDisplayURL(mainRef, variant)

	// Frame URLs are only meaningful at full size.
	if variant == "" {
		for _, slot := range mediacache.FrameSlots {
			if artwork.PathForSlot(string(slot)) == "" {
				continue
			}
			url, _ := mgr.GetDisplayURL(mediacache.AssetRef{ArtworkID: artwork.ID, Slot: slot}, "")
			if resp.Frames == nil {
				resp.Frames = make(map[string]string)
			}
			resp.Frames[string(slot)] = url
		}
	}
	ctx.JSON(http.StatusOK, resp)
}

func handleCacheRefresh(ctx *gin.Context, mgr *cachemgr.Manager) {
	if mgr == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "Caching is disabled"})
		return
	}
	req := refreshRequest{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refresh request: " + err.Error()})
		return
	}
	slot := mediacache.Slot(req.Slot)
	if req.Slot == "" {
		slot = mediacache.SlotMain
	}
	valid := false
	for _, known := range mediacache.AllSlots {
		if slot == known {
			valid = true
			break
		}
	}
	if !valid {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Unknown asset slot"})
		return
	}

	ref := mediacache.AssetRef{ArtworkID: req.ArtworkID, Slot: slot}
	if err := mgr.InvalidateAndRefresh(ctx.Request.Context(), ref); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown artwork"})
			return
		}
		log.Warningln("Forced refresh failed for", ref, ":", err)
		ctx.JSON(http.StatusBadGateway, gin.H{"error": "Failed to refresh signed URL"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"msg": "Refreshed"})
}
