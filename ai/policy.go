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

package ai

import (
	"context"

	"takos/platform/audit"
	"takos/platform/shared/apperror"
)

// DataPolicy declares which payload categories may be transmitted to an AI
// provider. An action declares what it would send; the node declares what it
// permits. A slice is transmitted only when both sides allow it.
type DataPolicy struct {
	SendPublic    bool `yaml:"sendPublic" json:"sendPublic"`
	SendCommunity bool `yaml:"sendCommunity" json:"sendCommunity"`
	SendDM        bool `yaml:"sendDm" json:"sendDm"`
	SendProfile   bool `yaml:"sendProfile" json:"sendProfile"`
}

// Payload carries the categorized content slices of one AI call. Slices the
// action does not use stay empty; the policy engine only inspects non-empty
// ones.
type Payload struct {
	Public    []string          `json:"public,omitempty"`
	Community []string          `json:"community,omitempty"`
	Messages  []string          `json:"messages,omitempty"`
	Profile   map[string]string `json:"profile,omitempty"`
}

// EnforcePolicy checks a populated payload against the action's declared
// policy and the node's configured policy. Forbidden DM, public and
// community slices are hard violations; a forbidden profile slice is
// redacted in place instead of blocking the call. Every violation and
// redaction is audited before control returns.
func EnforcePolicy(ctx context.Context, recorder audit.Recorder, actionID, userID string, declared, node DataPolicy, payload *Payload) *apperror.Error {
	if payload == nil {
		return nil
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}

	violation := func(slice string) *apperror.Error {
		recorder.Record(ctx, audit.Event{
			Type:    audit.EventDataPolicyViolation,
			Outcome: audit.OutcomeBlocked,
			UserID:  userID,
			Reason:  slice,
			Details: map[string]interface{}{
				"action": actionID,
				"slice":  slice,
				"nodePolicy": map[string]bool{
					"sendPublic":    node.SendPublic,
					"sendCommunity": node.SendCommunity,
					"sendDm":        node.SendDM,
					"sendProfile":   node.SendProfile,
				},
			},
		})
		return apperror.DataPolicyViolation("node policy forbids sending %s content to an ai provider", slice)
	}

	if len(payload.Messages) > 0 && declared.SendDM && !node.SendDM {
		return violation("dm")
	}
	if len(payload.Public) > 0 && declared.SendPublic && !node.SendPublic {
		return violation("public")
	}
	if len(payload.Community) > 0 && declared.SendCommunity && !node.SendCommunity {
		return violation("community")
	}

	if len(payload.Profile) > 0 && declared.SendProfile && !node.SendProfile {
		payload.Profile = nil
		recorder.Record(ctx, audit.Event{
			Type:    audit.EventDataPolicyViolation,
			Outcome: audit.OutcomeAllowed,
			UserID:  userID,
			Reason:  "profile_redacted",
			Details: map[string]interface{}{"action": actionID, "slice": "profile"},
		})
	}
	return nil
}
