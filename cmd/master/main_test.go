// MIT License
//
// Copyright (c) 2022-2026 GoAkt Team
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/shadowao/scrapyd-cluster/errors"
	"github.com/shadowao/scrapyd-cluster/log"
)

func TestLoadConfig(t *testing.T) {
	t.Run("With defaults", func(t *testing.T) {
		appCfg, level, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, log.InfoLevel, level)
		assert.Equal(t, ":5000", appCfg.ListenAddress)
		assert.Equal(t, 5*time.Second, appCfg.FanoutTimeout)
		assert.Equal(t, time.Minute, appCfg.ReconcileInterval)
		assert.EqualValues(t, 3, appCfg.ReconcileRetries)
	})
	t.Run("With overrides", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("RECONCILE_INTERVAL", "5m")
		t.Setenv("FANOUT_CONCURRENCY", "8")

		appCfg, level, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, log.DebugLevel, level)
		assert.Equal(t, 5*time.Minute, appCfg.ReconcileInterval)
		assert.Equal(t, 8, appCfg.FanoutConcurrency)
	})
	t.Run("With an unknown level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		_, _, err := loadConfig()
		require.ErrorIs(t, err, gerrors.ErrInvalidConfig)
	})
}
