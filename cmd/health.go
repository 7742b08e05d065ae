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
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vernisproject/vernis/database"
	"github.com/vernisproject/vernis/metrics"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Evaluate cache health from the metric log",
	Long: `Evaluates the alerting thresholds over the trailing hour of recorded
cache events and prints the result as JSON.  Exits non-zero when the
status is "error".`,
	RunE: healthMain,
}

func healthMain(cmd *cobra.Command, args []string) error {
	if err := database.Init(); err != nil {
		return err
	}
	defer func() {
		if err := database.Shutdown(); err != nil {
			log.Errorln("Failed to shut down server database:", err)
		}
	}()

	snapshot, err := metrics.CheckHealth()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if snapshot.Status == metrics.StatusError.String() {
		return errors.New("cache health is in error state")
	}
	return nil
}
