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
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vernisproject/vernis/config"
	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/mediacache"
	"github.com/vernisproject/vernis/param"
	"github.com/vernisproject/vernis/signer"
	"github.com/vernisproject/vernis/warmer"
)

var (
	warmForce      bool
	warmFeatured   bool
	warmArtworkIDs []uint

	warmCmd = &cobra.Command{
		Use:   "warm",
		Short: "Warm signed URLs in the foreground",
		Long: `Runs one warming batch and exits.  Without flags it warms every
artwork whose primary URL is missing or inside the expiry buffer;
--featured restricts to featured artworks and --artwork-id selects
specific ones.`,
		RunE: warmMain,
	}
)

func init() {
	warmCmd.Flags().BoolVar(&warmForce, "force", false, "Refresh even URLs that are still valid")
	warmCmd.Flags().BoolVar(&warmFeatured, "featured", false, "Warm only featured artworks")
	warmCmd.Flags().UintSliceVar(&warmArtworkIDs, "artwork-id", nil, "Warm only the given artwork IDs (repeatable)")
}

func warmMain(cmd *cobra.Command, args []string) error {
	if err := config.ValidateStorage(); err != nil {
		return err
	}
	if err := database.Init(); err != nil {
		return err
	}
	defer func() {
		if err := database.Shutdown(); err != nil {
			log.Errorln("Failed to shut down server database:", err)
		}
	}()

	client, err := signer.NewMinioClient()
	if err != nil {
		return err
	}

	refs, err := selectWarmTargets()
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("Nothing to warm")
		return nil
	}

	store := mediacache.NewStore(param.Cache_SafetyBuffer.GetDuration())
	defer store.Close()
	w := warmer.New(store, client)

	result := w.WarmAssets(cmd.Context(), refs, warmForce)
	fmt.Printf("Warmed %d/%d assets in %s (%d failed)\n",
		result.Successful, result.Processed, result.Duration.Round(time.Millisecond), result.Failed)
	for _, warmErr := range result.Errors {
		log.Errorln("Warm error:", warmErr)
	}
	if result.Failed > 0 {
		return errors.Errorf("%d of %d assets failed to warm", result.Failed, result.Processed)
	}
	return nil
}

func selectWarmTargets() ([]mediacache.AssetRef, error) {
	var artworks []database.Artwork
	var err error
	switch {
	case len(warmArtworkIDs) > 0:
		for _, id := range warmArtworkIDs {
			artwork, err := database.GetArtwork(id)
			if err != nil {
				return nil, err
			}
			artworks = append(artworks, *artwork)
		}
	case warmFeatured:
		// No limit beyond the featured flag itself for the CLI path.
		artworks, err = database.ListFeaturedArtworks(10000)
		if err != nil {
			return nil, err
		}
	default:
		cutoff := time.Now().Add(param.Cache_ExpiryBuffer.GetDuration())
		artworks, err = database.ListArtworksNeedingWarmCheck(cutoff)
		if err != nil {
			return nil, err
		}
	}

	refs := make([]mediacache.AssetRef, 0, len(artworks))
	for _, artwork := range artworks {
		if artwork.MainPath == "" {
			continue
		}
		refs = append(refs, mediacache.AssetRef{ArtworkID: artwork.ID, Slot: mediacache.SlotMain})
	}
	return refs, nil
}
