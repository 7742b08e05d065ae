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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vernisproject/vernis/config"
)

var (
	cfgFile  string
	debugLog bool

	rootCmd = &cobra.Command{
		Use:   "vernis",
		Short: "Signed media URL cache for the Vernis artwork storefront",
		Long: `Vernis serves the storefront's artwork images through pre-signed
object storage URLs minted ahead of demand: a persistent cache of
signed URLs, a warming pipeline that refreshes them before expiry, and
the health and metrics surface to watch it all.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				if err := os.Setenv("VERNIS_CONFIG_FILE", cfgFile); err != nil {
					return err
				}
			}
			if err := config.Init(); err != nil {
				return err
			}
			if debugLog {
				viper.Set("Logging.Level", "Debug")
				config.SetLogging(log.DebugLevel)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Set the location of the config file")
	rootCmd.PersistentFlags().BoolVarP(&debugLog, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(warmCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(pruneMetricsCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
