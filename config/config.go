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

// Package config owns process-wide configuration: viper defaults, config
// file and environment loading, and the startup validation that decides
// whether the cache subsystem may run at all.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/vernisproject/vernis/param"
)

// ErrConfiguration indicates the media cache subsystem cannot start because
// required settings are missing.  The rest of the application may continue
// in degraded, no-caching mode.
var ErrConfiguration = errors.New("media cache configuration error")

// Init sets every configuration default and merges in the config file
// (vernis.yaml) plus VERNIS_-prefixed environment variables.  It must be
// called once before any param accessor is used.
func Init() error {
	viper.SetDefault("Logging.Level", "Info")

	viper.SetDefault("Server.Port", 8444)
	viper.SetDefault("Server.DbLocation", "/var/lib/vernis/vernis.sqlite")

	viper.SetDefault("Storage.UseSSL", true)

	viper.SetDefault("Cache.Enabled", true)
	viper.SetDefault("Cache.SignTTL", 24*time.Hour)
	viper.SetDefault("Cache.SafetyBuffer", 5*time.Minute)
	viper.SetDefault("Cache.WorkerCount", 5)
	viper.SetDefault("Cache.BatchConcurrency", 4)
	viper.SetDefault("Cache.MaxWarmAttempts", 3)
	viper.SetDefault("Cache.RetryBaseDelay", 5*time.Second)
	viper.SetDefault("Cache.RefreshInterval", 30*time.Minute)
	viper.SetDefault("Cache.ExpiryBuffer", time.Hour)
	viper.SetDefault("Cache.CycleRetryDelay", time.Minute)
	viper.SetDefault("Cache.FallbackCooldown", 30*time.Minute)
	viper.SetDefault("Cache.FallbackSampleSize", 3)
	viper.SetDefault("Cache.MonitorInterval", 30*time.Second)
	viper.SetDefault("Cache.StuckTaskThreshold", 5*time.Minute)
	viper.SetDefault("Cache.QueueWarnDepth", 100)

	viper.SetDefault("Metrics.RetentionDays", 30)

	viper.SetEnvPrefix("VERNIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("vernis")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/vernis")
	viper.AddConfigPath("$HOME/.vernis")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "failed to read configuration file")
		}
		// Missing config file is fine; defaults and env cover everything
	}

	if configFile := os.Getenv("VERNIS_CONFIG_FILE"); configFile != "" {
		fp, err := os.Open(configFile)
		if err != nil {
			return errors.Wrapf(err, "failed to open config file %s", configFile)
		}
		defer fp.Close()
		if err := viper.ReadConfig(fp); err != nil {
			return errors.Wrapf(err, "failed to parse config file %s", configFile)
		}
	}

	return setLogging(param.Logging_Level.GetString())
}

// ValidateStorage checks that the object storage credentials needed for URL
// signing are present.  A failure here is fatal for the cache subsystem
// (ErrConfiguration) but callers may elect to continue without caching.
func ValidateStorage() error {
	if !param.Cache_Enabled.GetBool() {
		return nil
	}
	if param.Storage_Endpoint.GetString() == "" {
		return errors.Wrap(ErrConfiguration, "Storage.Endpoint is not set")
	}
	if param.Storage_Bucket.GetString() == "" {
		return errors.Wrap(ErrConfiguration, "Storage.Bucket is not set")
	}
	if param.Storage_AccessKey.GetString() == "" || param.Storage_SecretKey.GetString() == "" {
		return errors.Wrap(ErrConfiguration, "Storage.AccessKey / Storage.SecretKey are not set")
	}
	return nil
}
