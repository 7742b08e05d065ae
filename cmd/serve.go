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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vernisproject/vernis/cachemgr"
	"github.com/vernisproject/vernis/config"
	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/param"
	"github.com/vernisproject/vernis/signer"
	"github.com/vernisproject/vernis/web_api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media cache server",
	Long: `Starts the web API, the signed-URL refresh daemon, and the warming
worker pool, then serves until interrupted.`,
	RunE: serveMain,
}

func serveMain(cmd *cobra.Command, args []string) error {
	if err := database.Init(); err != nil {
		return err
	}
	defer func() {
		if err := database.Shutdown(); err != nil {
			log.Errorln("Failed to shut down server database:", err)
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	egrp, ctx := errgroup.WithContext(ctx)

	// Missing or disabled cache configuration degrades to a no-caching
	// server rather than refusing to start: media endpoints return empty
	// URLs and the storefront falls back to placeholders.
	var mgr *cachemgr.Manager
	if !param.Cache_Enabled.GetBool() {
		log.Warningln("Cache.Enabled is false; serving without the media cache subsystem")
	} else if err := config.ValidateStorage(); err != nil {
		log.Errorln("Media cache subsystem disabled:", err)
	} else {
		client, err := signer.NewMinioClient()
		if err != nil {
			return err
		}
		mgr, err = cachemgr.New(ctx, client)
		if err != nil {
			return err
		}
		mgr.Start(ctx, egrp)
		defer mgr.Stop()
	}

	engine, err := web_api.GetEngine(mgr)
	if err != nil {
		return err
	}
	web_api.RunEngine(ctx, egrp, engine)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	egrp.Go(func() error {
		select {
		case sig := <-sigs:
			log.Infof("Received signal %v; shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	return egrp.Wait()
}
