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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vernisproject/vernis/param"
)

func TestInitDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	require.NoError(t, Init())

	assert.Equal(t, 5, param.Cache_WorkerCount.GetInt())
	assert.Equal(t, 4, param.Cache_BatchConcurrency.GetInt())
	assert.Equal(t, 3, param.Cache_MaxWarmAttempts.GetInt())
	assert.Equal(t, 24*time.Hour, param.Cache_SignTTL.GetDuration())
	assert.Equal(t, 5*time.Minute, param.Cache_SafetyBuffer.GetDuration())
	assert.Equal(t, 30*time.Minute, param.Cache_RefreshInterval.GetDuration())
	assert.Equal(t, time.Hour, param.Cache_ExpiryBuffer.GetDuration())
	assert.Equal(t, 30*time.Minute, param.Cache_FallbackCooldown.GetDuration())
	assert.Equal(t, 30, param.Metrics_RetentionDays.GetInt())
	assert.True(t, param.Cache_Enabled.GetBool())
	assert.True(t, param.Storage_UseSSL.GetBool())
}

func TestInitEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("VERNIS_CACHE_WORKERCOUNT", "12")
	t.Setenv("VERNIS_STORAGE_ENDPOINT", "storage.example.com:9000")
	require.NoError(t, Init())

	assert.Equal(t, 12, param.Cache_WorkerCount.GetInt())
	assert.Equal(t, "storage.example.com:9000", param.Storage_Endpoint.GetString())
}

func TestValidateStorage(t *testing.T) {
	setAll := func() {
		viper.Set("Storage.Endpoint", "storage.example.com:9000")
		viper.Set("Storage.Bucket", "artworks")
		viper.Set("Storage.AccessKey", "key")
		viper.Set("Storage.SecretKey", "secret")
	}
	cases := []struct {
		name      string
		configure func()
		wantErr   bool
	}{
		{"complete", setAll, false},
		{"missing endpoint", func() {
			setAll()
			viper.Set("Storage.Endpoint", "")
		}, true},
		{"missing bucket", func() {
			setAll()
			viper.Set("Storage.Bucket", "")
		}, true},
		{"missing credentials", func() {
			setAll()
			viper.Set("Storage.SecretKey", "")
		}, true},
		{"cache disabled skips validation", func() {
			viper.Set("Cache.Enabled", false)
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			require.NoError(t, Init())
			tc.configure()

			err := ValidateStorage()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
