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

// Package quota provides the two throttling primitives behind the app
// mediation boundary: burst rate limiting over fixed UTC-aligned windows and
// monotonic usage counters for plan quotas. Both are backed by redis; when no
// redis client is configured every check allows (fail-open for availability),
// but a configured client whose query fails mid-check is a hard error.
package quota

import "time"

// Window identifies a counting window. All boundaries are UTC-aligned so
// limits are deterministic regardless of caller timezone.
type Window string

const (
	// WindowMinute counts within the current UTC minute.
	WindowMinute Window = "minute"

	// WindowDay counts within the current UTC day.
	WindowDay Window = "day"

	// WindowMonth counts within the current UTC month. Used only by usage
	// counters; burst limiting never spans more than a day.
	WindowMonth Window = "month"
)

// StartOfMinuteUTC returns the start of t's minute in UTC.
func StartOfMinuteUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// StartOfDayUTC returns the start of t's day in UTC.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonthUTC returns the start of t's month in UTC.
func StartOfMonthUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Start returns the start of the window containing t.
func (w Window) Start(t time.Time) time.Time {
	switch w {
	case WindowMinute:
		return StartOfMinuteUTC(t)
	case WindowDay:
		return StartOfDayUTC(t)
	case WindowMonth:
		return StartOfMonthUTC(t)
	}
	return StartOfMinuteUTC(t)
}

// Period returns the period key for the window containing t. Period keys are
// embedded in counter keys so a new window naturally starts a new row.
func (w Window) Period(t time.Time) string {
	u := t.UTC()
	switch w {
	case WindowMinute:
		return u.Format("2006-01-02T15:04")
	case WindowDay:
		return u.Format("2006-01-02")
	case WindowMonth:
		return u.Format("2006-01")
	}
	return u.Format("2006-01-02T15:04")
}

// TTL returns how long a counter row for this window should live: the window
// length plus slack, so a row never expires while its window is still open.
func (w Window) TTL() time.Duration {
	switch w {
	case WindowMinute:
		return 2 * time.Minute
	case WindowDay:
		return 25 * time.Hour
	case WindowMonth:
		return 32 * 24 * time.Hour
	}
	return 2 * time.Minute
}
