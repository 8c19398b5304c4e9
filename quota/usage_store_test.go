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

func newTestUsageStore(t *testing.T) (*UsageStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewUsageStore(client), mr
}

func TestUsageRecordAndRead(t *testing.T) {
	store, _ := newTestUsageStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := store.Record(ctx, "user-1", MetricAIRequests)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	n, err := store.Usage(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Another user's counter is untouched.
	n, err = store.Usage(ctx, "user-2", MetricAIRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUsageCheckQuota(t *testing.T) {
	store, _ := newTestUsageStore(t)
	ctx := context.Background()

	require.NoError(t, store.CheckQuota(ctx, "user-1", MetricAIRequests, 2))

	_, err := store.Record(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)
	require.NoError(t, store.CheckQuota(ctx, "user-1", MetricAIRequests, 2))

	_, err = store.Record(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)

	err = store.CheckQuota(ctx, "user-1", MetricAIRequests, 2)
	require.Error(t, err)
	ae := apperror.FromError(err)
	assert.Equal(t, apperror.CodeQuotaExceeded, ae.Code)
	assert.Equal(t, int64(2), ae.Details["limit"])
	assert.Equal(t, int64(2), ae.Details["used"])
}

func TestUsageZeroLimitMeansUnlimited(t *testing.T) {
	store, _ := newTestUsageStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Record(ctx, "user-1", MetricDMMessages)
		require.NoError(t, err)
	}
	assert.NoError(t, store.CheckQuota(ctx, "user-1", MetricDMMessages, 0))
}

func TestUsageMonthlyRollover(t *testing.T) {
	store, _ := newTestUsageStore(t)
	ctx := context.Background()

	march := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return march }

	_, err := store.Record(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)

	// New month, new period key, fresh counter.
	store.now = func() time.Time { return march.Add(2 * time.Hour) }
	n, err := store.Usage(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUsageTTLSet(t *testing.T) {
	store, mr := newTestUsageStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_, err := store.Record(ctx, "user-1", MetricDMMessages)
	require.NoError(t, err)

	key := "usage:user-1:dm_messages:2026-03-14"
	ttl := mr.TTL(key)
	assert.Equal(t, 25*time.Hour, ttl)
}

func TestUsageAPDeliveryTracksBothWindows(t *testing.T) {
	store, mr := newTestUsageStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_, err := store.Record(ctx, "user-1", MetricAPDelivery)
	require.NoError(t, err)

	assert.True(t, mr.Exists("usage:user-1:ap_delivery:2026-03-14T12:30"))
	assert.True(t, mr.Exists("usage:user-1:ap_delivery:2026-03-14"))
}

func TestUsageFailOpenWhenUnconfigured(t *testing.T) {
	store := NewUsageStore(nil)
	ctx := context.Background()

	assert.NoError(t, store.CheckQuota(ctx, "user-1", MetricAIRequests, 1))
	n, err := store.Record(ctx, "user-1", MetricAIRequests)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUsageHardErrorOnBrokenStore(t *testing.T) {
	store, mr := newTestUsageStore(t)
	ctx := context.Background()

	mr.Close()

	_, err := store.Record(ctx, "user-1", MetricAIRequests)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeServiceUnavailable, apperror.CodeOf(err))
}

func TestUsageSnapshot(t *testing.T) {
	store, _ := newTestUsageStore(t)
	ctx := context.Background()

	_, err := store.Record(ctx, "user-1", MetricAIRequests)
	require.NoError(t, err)
	_, err = store.Record(ctx, "user-1", MetricDMMessages)
	require.NoError(t, err)

	snap, err := store.Snapshot(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap[MetricAIRequests])
	assert.Equal(t, int64(1), snap[MetricDMMessages])
	assert.Equal(t, int64(0), snap[MetricAPDelivery])
}
