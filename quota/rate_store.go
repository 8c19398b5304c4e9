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
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"takos/platform/shared/apperror"
)

// Limits defines burst limits for a purpose. A zero value disables that
// window's check.
type Limits struct {
	PerMinute int
	PerDay    int
}

// RateStore counts calls per (purpose, actor, agent) in fixed UTC windows.
// Each window is a redis sorted set of call timestamps; entries older than
// the window start are pruned lazily on every check.
type RateStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRateStore creates a rate store. A nil client is a valid configuration:
// every check allows without touching redis.
func NewRateStore(client *redis.Client) *RateStore {
	return &RateStore{client: client, now: time.Now}
}

// rateKey builds the row key: ratelimit:{purpose}:{window}:{actor}:{agent}.
func rateKey(purpose string, window Window, actor, agent string) string {
	if agent == "" {
		agent = "-"
	}
	return fmt.Sprintf("ratelimit:%s:%s:%s:%s", purpose, window, actor, agent)
}

// Allow checks both windows for the given actor and records the call when it
// passes. Returns a RateLimited error carrying the tripped limit, or a
// ServiceUnavailable error when a configured redis query fails mid-check.
func (s *RateStore) Allow(ctx context.Context, purpose, actor, agent string, limits Limits) error {
	if s.client == nil {
		// No backing store bound: rate limiting is disabled (fail-open).
		return nil
	}

	now := s.now()
	if limits.PerMinute > 0 {
		if err := s.checkWindow(ctx, purpose, WindowMinute, actor, agent, limits.PerMinute, now); err != nil {
			return err
		}
	}
	if limits.PerDay > 0 {
		if err := s.checkWindow(ctx, purpose, WindowDay, actor, agent, limits.PerDay, now); err != nil {
			return err
		}
	}

	return s.record(ctx, purpose, actor, agent, limits, now)
}

// checkWindow prunes stale entries and compares the remaining count against
// the limit. The count check precedes the write so a rejected call leaves no
// trace in the window.
func (s *RateStore) checkWindow(ctx context.Context, purpose string, window Window, actor, agent string, limit int, now time.Time) error {
	key := rateKey(purpose, window, actor, agent)
	windowStart := window.Start(now)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano()-1, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Wrap(apperror.CodeServiceUnavailable, err, "rate limit check failed for %s", purpose)
	}

	if card.Val() >= int64(limit) {
		return apperror.RateLimited(limit, "rate limit exceeded for %s: %d/%s", purpose, limit, window).
			WithDetail("window", string(window)).
			WithDetail("resetAt", windowStart.Add(windowLength(window)).Format(time.RFC3339))
	}
	return nil
}

// record appends the call timestamp to every active window.
func (s *RateStore) record(ctx context.Context, purpose, actor, agent string, limits Limits, now time.Time) error {
	pipe := s.client.Pipeline()
	member := strconv.FormatInt(now.UnixNano(), 10)
	if limits.PerMinute > 0 {
		key := rateKey(purpose, WindowMinute, actor, agent)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, WindowMinute.TTL())
	}
	if limits.PerDay > 0 {
		key := rateKey(purpose, WindowDay, actor, agent)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, key, WindowDay.TTL())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Wrap(apperror.CodeServiceUnavailable, err, "rate limit record failed for %s", purpose)
	}
	return nil
}

// Count returns the number of recorded calls in the window containing now.
// Used by status surfaces; returns 0 when no store is bound.
func (s *RateStore) Count(ctx context.Context, purpose string, window Window, actor, agent string) (int64, error) {
	if s.client == nil {
		return 0, nil
	}
	key := rateKey(purpose, window, actor, agent)
	windowStart := window.Start(s.now())
	n, err := s.client.ZCount(ctx, key, strconv.FormatInt(windowStart.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeServiceUnavailable, err, "rate limit count failed for %s", purpose)
	}
	return n, nil
}

func windowLength(w Window) time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	}
	return time.Minute
}
