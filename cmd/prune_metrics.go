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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/param"
)

var (
	pruneOlderThanHours int

	pruneMetricsCmd = &cobra.Command{
		Use:   "prune-metrics",
		Short: "Delete metric events past the retention horizon",
		RunE:  pruneMetricsMain,
	}
)

func init() {
	pruneMetricsCmd.Flags().IntVar(&pruneOlderThanHours, "hours", 0,
		"Delete events older than this many hours (default: Metrics.RetentionDays)")
}

func pruneMetricsMain(cmd *cobra.Command, args []string) error {
	if err := database.Init(); err != nil {
		return err
	}
	defer func() {
		if err := database.Shutdown(); err != nil {
			log.Errorln("Failed to shut down server database:", err)
		}
	}()

	hours := pruneOlderThanHours
	if hours <= 0 {
		hours = param.Metrics_RetentionDays.GetInt() * 24
	}
	horizon := time.Now().Add(-time.Duration(hours) * time.Hour)

	pruned, err := database.PruneMetricEvents(horizon, 1000)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d metric events older than %d hours\n", pruned, hours)
	return nil
}
