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

package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func setLogging(levelStr string) error {
	level, err := log.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", levelStr)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

// SetLogging overrides the configured log level; used by the CLI's
// --debug flag.
func SetLogging(level log.Level) {
	log.SetLevel(level)
}
