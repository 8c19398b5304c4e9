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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"takos/platform/shared/logger"
)

const (
	// queueDepth bounds the in-flight event buffer. When full, events fall
	// through to the structured log instead of blocking the request path.
	queueDepth = 10000

	// insertTimeout caps a single audit insert.
	insertTimeout = 5 * time.Second
)

// PGRecorder persists audit events to postgres through an async queue.
// When no database is available every event is emitted to the structured
// log instead, so the trail is never silently empty.
type PGRecorder struct {
	db       *sql.DB
	queue    chan Event
	log      *logger.Logger
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewPGRecorder creates a recorder writing to db. A nil db yields a
// log-only recorder.
func NewPGRecorder(db *sql.DB) *PGRecorder {
	r := &PGRecorder{
		db:       db,
		queue:    make(chan Event, queueDepth),
		log:      logger.New("audit"),
		shutdown: make(chan struct{}),
	}
	if db != nil {
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

// EnsureSchema creates the audit table when it does not exist yet.
func (r *PGRecorder) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id         UUID PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			app_id     TEXT,
			user_id    TEXT,
			reason     TEXT,
			details    JSONB
		)`)
	if err != nil {
		return err
	}
	r.log.Debug("", "", "audit schema ensured", nil)
	return nil
}

// Record queues the event. The request path never waits on the database:
// a full queue falls back to the structured log.
func (r *PGRecorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if r.db == nil {
		r.logEvent(event)
		return
	}

	select {
	case r.queue <- event:
	default:
		r.logEvent(event)
	}
}

// drain is the background writer.
func (r *PGRecorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.queue:
			r.insert(event)
		case <-r.shutdown:
			// Flush whatever is left before exiting.
			for {
				select {
				case event := <-r.queue:
					r.insert(event)
				default:
					return
				}
			}
		}
	}
}

func (r *PGRecorder) insert(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	details, err := json.Marshal(event.Details)
	if err != nil {
		details = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, ts, event_type, outcome, app_id, user_id, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Timestamp, string(event.Type), string(event.Outcome),
		nullable(event.AppID), nullable(event.UserID), nullable(event.Reason), details)
	if err != nil {
		// DB write failed: the log is the fallback trail.
		r.log.ErrorWithCode(event.AppID, "", "audit insert failed", 503, err, nil)
		r.logEvent(event)
	}
}

func (r *PGRecorder) logEvent(event Event) {
	fields := map[string]interface{}{
		"event_id": event.ID,
		"type":     string(event.Type),
		"outcome":  string(event.Outcome),
		"reason":   event.Reason,
	}
	for k, v := range event.Details {
		fields[k] = v
	}
	r.log.Info(event.AppID, "", "audit event", fields)
}

// Close stops the background writer after flushing queued events.
func (r *PGRecorder) Close() {
	start := time.Now()
	r.once.Do(func() {
		close(r.shutdown)
	})
	r.wg.Wait()
	if r.db != nil {
		r.log.InfoWithDuration("", "", "audit queue drained", float64(time.Since(start).Milliseconds()), nil)
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Recorder = (*PGRecorder)(nil)
