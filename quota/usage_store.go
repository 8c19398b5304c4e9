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
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"takos/platform/shared/apperror"
)

// Metric identifies a usage counter tracked for plan quotas.
type Metric string

const (
	// MetricAIRequests counts AI completion/embedding requests per month.
	MetricAIRequests Metric = "ai_requests"

	// MetricDMMessages counts DM messages per day.
	MetricDMMessages Metric = "dm_messages"

	// MetricAPDelivery counts federation deliveries; tracked both per minute
	// and per day.
	MetricAPDelivery Metric = "ap_delivery"
)

// metricWindow maps each metric to its quota window.
var metricWindow = map[Metric]Window{
	MetricAIRequests: WindowMonth,
	MetricDMMessages: WindowDay,
	MetricAPDelivery: WindowDay,
}

// UsageStore tracks monotonic usage counters with TTL reset boundaries.
// Counters are created lazily, expire via TTL, and are only ever incremented.
type UsageStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewUsageStore creates a usage store. A nil client disables quota tracking:
// checks allow and increments are dropped (fail-open).
func NewUsageStore(client *redis.Client) *UsageStore {
	return &UsageStore{client: client, now: time.Now}
}

// usageKey builds the row key: usage:{userID}:{metric}:{period}.
func usageKey(userID string, metric Metric, period string) string {
	return fmt.Sprintf("usage:%s:%s:%s", userID, metric, period)
}

// Usage returns the current counter value for the metric's active window.
func (s *UsageStore) Usage(ctx context.Context, userID string, metric Metric) (int64, error) {
	return s.usageIn(ctx, userID, metric, s.windowFor(metric))
}

func (s *UsageStore) usageIn(ctx context.Context, userID string, metric Metric, window Window) (int64, error) {
	if s.client == nil {
		return 0, nil
	}
	key := usageKey(userID, metric, window.Period(s.now()))
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeServiceUnavailable, err, "usage read failed for %s", metric)
	}
	return n, nil
}

// CheckQuota returns a QuotaExceeded error when the counter has reached the
// limit. A limit of zero or below means unlimited. A configured store that
// fails mid-check surfaces the failure instead of silently allowing.
func (s *UsageStore) CheckQuota(ctx context.Context, userID string, metric Metric, limit int64) error {
	if limit <= 0 || s.client == nil {
		return nil
	}
	n, err := s.Usage(ctx, userID, metric)
	if err != nil {
		return err
	}
	if n >= limit {
		return apperror.QuotaExceeded("%s quota reached: %d/%d", metric, n, limit).
			WithDetail("limit", limit).
			WithDetail("used", n)
	}
	return nil
}

// Record increments the metric's counter for its active window, setting the
// row TTL on first increment. Returns the new counter value.
func (s *UsageStore) Record(ctx context.Context, userID string, metric Metric) (int64, error) {
	windows := []Window{s.windowFor(metric)}
	if metric == MetricAPDelivery {
		// Federation deliveries are throttled at two granularities.
		windows = []Window{WindowMinute, WindowDay}
	}

	var last int64
	for _, w := range windows {
		key := usageKey(userID, metric, w.Period(s.now()))
		n, err := s.increment(ctx, key, w.TTL())
		if err != nil {
			return 0, err
		}
		last = n
	}
	return last, nil
}

func (s *UsageStore) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.client == nil {
		return 0, nil
	}
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeServiceUnavailable, err, "usage increment failed")
	}
	if n == 1 {
		// First write in this window: arm the TTL.
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, apperror.Wrap(apperror.CodeServiceUnavailable, err, "usage expire failed")
		}
	}
	return n, nil
}

// Snapshot returns the current value of every tracked metric for a user.
// Used by the host to render plan usage.
func (s *UsageStore) Snapshot(ctx context.Context, userID string) (map[Metric]int64, error) {
	out := make(map[Metric]int64, len(metricWindow))
	for metric := range metricWindow {
		n, err := s.Usage(ctx, userID, metric)
		if err != nil {
			return nil, err
		}
		out[metric] = n
	}
	return out, nil
}

func (s *UsageStore) windowFor(metric Metric) Window {
	if w, ok := metricWindow[metric]; ok {
		return w
	}
	return WindowDay
}
