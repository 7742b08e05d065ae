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

// Package param provides typed accessors for the viper-backed configuration.
// Every configuration knob the service understands is declared here as a
// package-level variable; defaults are set in config.Init.
package param

import (
	"time"

	"github.com/spf13/viper"
)

type (
	StringParam struct {
		name string
	}

	BoolParam struct {
		name string
	}

	IntParam struct {
		name string
	}

	DurationParam struct {
		name string
	}
)

func (p StringParam) GetName() string {
	return p.name
}

func (p StringParam) GetString() string {
	return viper.GetString(p.name)
}

func (p BoolParam) GetName() string {
	return p.name
}

func (p BoolParam) GetBool() bool {
	return viper.GetBool(p.name)
}

func (p IntParam) GetName() string {
	return p.name
}

func (p IntParam) GetInt() int {
	return viper.GetInt(p.name)
}

func (p DurationParam) GetName() string {
	return p.name
}

func (p DurationParam) GetDuration() time.Duration {
	return viper.GetDuration(p.name)
}

var (
	Logging_Level = StringParam{"Logging.Level"}

	Server_Port       = IntParam{"Server.Port"}
	Server_DbLocation = StringParam{"Server.DbLocation"}

	Storage_Endpoint  = StringParam{"Storage.Endpoint"}
	Storage_AccessKey = StringParam{"Storage.AccessKey"}
	Storage_SecretKey = StringParam{"Storage.SecretKey"}
	Storage_Bucket    = StringParam{"Storage.Bucket"}
	Storage_UseSSL    = BoolParam{"Storage.UseSSL"}

	Cache_Enabled            = BoolParam{"Cache.Enabled"}
	Cache_SignTTL            = DurationParam{"Cache.SignTTL"}
	Cache_SafetyBuffer       = DurationParam{"Cache.SafetyBuffer"}
	Cache_WorkerCount        = IntParam{"Cache.WorkerCount"}
	Cache_BatchConcurrency   = IntParam{"Cache.BatchConcurrency"}
	Cache_MaxWarmAttempts    = IntParam{"Cache.MaxWarmAttempts"}
	Cache_RetryBaseDelay     = DurationParam{"Cache.RetryBaseDelay"}
	Cache_RefreshInterval    = DurationParam{"Cache.RefreshInterval"}
	Cache_ExpiryBuffer       = DurationParam{"Cache.ExpiryBuffer"}
	Cache_CycleRetryDelay    = DurationParam{"Cache.CycleRetryDelay"}
	Cache_FallbackCooldown   = DurationParam{"Cache.FallbackCooldown"}
	Cache_FallbackSampleSize = IntParam{"Cache.FallbackSampleSize"}
	Cache_MonitorInterval    = DurationParam{"Cache.MonitorInterval"}
	Cache_StuckTaskThreshold = DurationParam{"Cache.StuckTaskThreshold"}
	Cache_QueueWarnDepth     = IntParam{"Cache.QueueWarnDepth"}

	Metrics_RetentionDays = IntParam{"Metrics.RetentionDays"}
)
