// Copyright 2025 Takos
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takos/platform/shared/apperror"
)

func newTestRateStore(t *testing.T) (*RateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateStore(client), mr
}

func TestRateStoreAllowWithinLimit(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	limits := Limits{PerMinute: 5, PerDay: 100}
	for i := 0; i < 5; i++ {
		err := store.Allow(ctx, "ai", "user-1", "", limits)
		require.NoError(t, err, "call %d should be allowed", i+1)
	}
}

func TestRateStoreRejectsSixthCallInMinute(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	limits := Limits{PerMinute: 5}
	// Pin the clock mid-minute so all five calls land in one window.
	base := time.Date(2026, 3, 14, 10, 30, 20, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Allow(ctx, "ai", "user-1", "", limits))
	}

	err := store.Allow(ctx, "ai", "user-1", "", limits)
	require.Error(t, err)

	ae := apperror.FromError(err)
	assert.Equal(t, apperror.CodeRateLimited, ae.Code)
	assert.Equal(t, 5, ae.Details["limit"])
	assert.Equal(t, "minute", ae.Details["window"])
}

func TestRateStoreNextWindowSucceeds(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	limits := Limits{PerMinute: 5}
	base := time.Date(2026, 3, 14, 10, 30, 59, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Allow(ctx, "ai", "user-1", "", limits))
	}
	require.Error(t, store.Allow(ctx, "ai", "user-1", "", limits))

	// One second later the UTC minute rolls over and a fresh window opens.
	store.now = func() time.Time { return base.Add(time.Second) }
	assert.NoError(t, store.Allow(ctx, "ai", "user-1", "", limits))
}

func TestRateStoreDayWindow(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	limits := Limits{PerDay: 3}
	base := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Allow(ctx, "outbound", "app-1", "", limits))
	}
	err := store.Allow(ctx, "outbound", "app-1", "", limits)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeRateLimited, apperror.CodeOf(err))

	// Midnight UTC starts a new day window.
	store.now = func() time.Time { return base.Add(time.Minute) }
	assert.NoError(t, store.Allow(ctx, "outbound", "app-1", "", limits))
}

func TestRateStoreActorsIsolated(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	limits := Limits{PerMinute: 1}
	base := time.Date(2026, 3, 14, 10, 30, 20, 0, time.UTC)
	store.now = func() time.Time { return base }

	require.NoError(t, store.Allow(ctx, "ai", "user-1", "", limits))
	require.Error(t, store.Allow(ctx, "ai", "user-1", "", limits))

	// A different actor has its own window.
	assert.NoError(t, store.Allow(ctx, "ai", "user-2", "", limits))
	// A different agent key on the same actor also has its own window.
	assert.NoError(t, store.Allow(ctx, "ai", "user-1", "assistant", limits))
}

func TestRateStoreFailOpenWhenUnconfigured(t *testing.T) {
	store := NewRateStore(nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		assert.NoError(t, store.Allow(ctx, "ai", "user-1", "", Limits{PerMinute: 1}))
	}
}

func TestRateStoreHardErrorOnBrokenStore(t *testing.T) {
	store, mr := newTestRateStore(t)
	ctx := context.Background()

	mr.Close()

	err := store.Allow(ctx, "ai", "user-1", "", Limits{PerMinute: 5})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeServiceUnavailable, apperror.CodeOf(err))
}

func TestRateStoreCount(t *testing.T) {
	store, _ := newTestRateStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 30, 20, 0, time.UTC)
	store.now = func() time.Time { return base }

	limits := Limits{PerMinute: 10}
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Allow(ctx, "ai", "user-1", "", limits))
	}

	n, err := store.Count(ctx, "ai", WindowMinute, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
