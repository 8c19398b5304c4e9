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

// Package audit records every policy-relevant event crossing the mediation
// boundary: outbound proxy attempts, data-policy violations, AI provider
// calls, and gateway rejections. Recording is best-effort and asynchronous;
// it never blocks or fails the guarded request, and it happens before the
// error is returned so audit visibility does not depend on the caller
// succeeding.
package audit

import (
	"context"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventOutbound records an outbound proxy attempt, blocked or not.
	EventOutbound EventType = "outbound_request"

	// EventDataPolicyViolation records a payload slice blocked by node policy.
	EventDataPolicyViolation EventType = "data_policy_violation"

	// EventAICall records an AI provider invocation.
	EventAICall EventType = "ai_call"

	// EventGatewayReject records an RPC rejected before dispatch.
	EventGatewayReject EventType = "gateway_reject"
)

// Outcome is the verdict the event records.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Event is a single audit record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Outcome   Outcome                `json:"outcome"`
	AppID     string                 `json:"app_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Recorder is the audit collaborator consumed by the gateway, the outbound
// guard, and the AI dispatcher.
type Recorder interface {
	// Record persists an event. Implementations must not block the caller
	// and must not return an error: audit failure degrades observability,
	// never availability.
	Record(ctx context.Context, event Event)
}

// Nop is a Recorder that discards everything. Used in tests and in hosts
// that disable auditing.
type Nop struct{}

// Record discards the event.
func (Nop) Record(ctx context.Context, event Event) {}

var _ Recorder = Nop{}
