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

// Package web_api serves the operational HTTP surface: display-URL
// resolution for the storefront, cache administration, and the health and
// metrics endpoints.
package web_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vernisproject/vernis/cachemgr"
	"github.com/vernisproject/vernis/param"
)

// GetEngine builds the gin engine with recovery, request logging, and
// per-route prometheus instrumentation, then mounts the API routes
// against the given manager.
func GetEngine(mgr *cachemgr.Manager) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	webLogger := log.WithFields(log.Fields{"daemon": "gin"})
	engine.Use(func(ctx *gin.Context) {
		startTime := time.Now()

		ctx.Next()

		latency := time.Since(startTime)
		webLogger.WithFields(log.Fields{"method": ctx.Request.Method,
			"status":   ctx.Writer.Status(),
			"time":     latency.String(),
			"client":   ctx.RemoteIP(),
			"resource": ctx.Request.URL.Path},
		).Info("Served Request")
	})

	// ginprometheus also mounts the /metrics exposition endpoint, serving
	// the default registry (pool gauges, cache counters, health gauge).
	prometheusMonitor := ginprometheus.NewPrometheus("gin")
	prometheusMonitor.Use(engine)

	registerRoutes(engine, mgr)
	return engine, nil
}

// RunEngine serves until ctx is cancelled, then drains connections with a
// bounded graceful shutdown.
func RunEngine(ctx context.Context, egrp *errgroup.Group, engine *gin.Engine) {
	addr := fmt.Sprintf(":%d", param.Server_Port.GetInt())
	server := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	egrp.Go(func() error {
		log.Infoln("Starting web engine at address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "web engine failed")
		}
		return nil
	})
	egrp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
