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
	"net/http"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takos/platform/audit"
	"takos/platform/quota"
	"takos/platform/shared/apperror"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) byType(eventType audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func allBuiltinIDs() []string {
	return []string{ActionSummary, ActionSuggestTags, ActionTranslate, ActionDMModerator, ActionChat}
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, registryCfg RegistryConfig) (*Dispatcher, *recordingAudit) {
	t.Helper()
	actions := NewActionRegistry()
	RegisterBuiltins(actions)
	recorder := &recordingAudit{}
	d := NewDispatcher(actions, NewRegistry(registryCfg), nil, nil, nil, recorder, cfg)
	return d, recorder
}

func TestDispatchSummaryFallback(t *testing.T) {
	d, recorder := newTestDispatcher(t,
		DispatcherConfig{Enabled: true, EnabledActions: allBuiltinIDs()},
		RegistryConfig{})

	result, err := d.Dispatch(context.Background(), DispatchRequest{
		ActionID: ActionSummary,
		UserID:   "user-1",
		Input: map[string]interface{}{
			"text": "Hello world. This is a small document for testing summaries.",
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result["summary"])
	assert.Equal(t, false, result["usedAi"])

	calls := recorder.byType(audit.EventAICall)
	require.Len(t, calls, 1)
	assert.Equal(t, audit.OutcomeAllowed, calls[0].Outcome)
	assert.Equal(t, ActionSummary, calls[0].Details["action"])
}

func TestDispatchRejectsWhenNotEnabled(t *testing.T) {
	d, _ := newTestDispatcher(t,
		DispatcherConfig{Enabled: true, EnabledActions: []string{}},
		RegistryConfig{})

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		ActionID: ActionSummary,
		UserID:   "user-1",
		Input:    map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))
	assert.Contains(t, err.Error(), "not enabled")

	// AI disabled globally beats action enablement.
	d, _ = newTestDispatcher(t,
		DispatcherConfig{Enabled: false, EnabledActions: allBuiltinIDs()},
		RegistryConfig{})
	_, err = d.Dispatch(context.Background(), DispatchRequest{
		ActionID: ActionSummary,
		UserID:   "user-1",
		Input:    map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))
}

func TestDispatchUnknownAction(t *testing.T) {
	d, _ := newTestDispatcher(t,
		DispatcherConfig{Enabled: true, EnabledActions: allBuiltinIDs()},
		RegistryConfig{})

	_, err := d.Dispatch(context.Background(), DispatchRequest{ActionID: "mystery", UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidRequest, apperror.CodeOf(err))
}

func TestDispatchDMPolicy(t *testing.T) {
	messages := []interface{}{"free money, click here"}
	req := DispatchRequest{
		ActionID: ActionDMModerator,
		UserID:   "user-1",
		Input:    map[string]interface{}{"messages": messages},
		Payload:  &Payload{Messages: []string{"free money, click here"}},
	}

	// Node forbids sending DM content: blocked and audited.
	d, recorder := newTestDispatcher(t,
		DispatcherConfig{Enabled: true, EnabledActions: allBuiltinIDs()},
		RegistryConfig{DataPolicy: DataPolicy{SendDM: false}})

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeDataPolicyViolation, apperror.CodeOf(err))
	assert.Equal(t, http.StatusBadRequest, apperror.HTTPStatusOf(err))
	violations := recorder.byType(audit.EventDataPolicyViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, "dm", violations[0].Reason)
	assert.Empty(t, recorder.byType(audit.EventAICall), "blocked call never executes")

	// Node permits DM content: the fallback moderator answers.
	d, _ = newTestDispatcher(t,
		DispatcherConfig{Enabled: true, EnabledActions: allBuiltinIDs()},
		RegistryConfig{DataPolicy: DataPolicy{SendDM: true}})

	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, result["flagged"])
	assert.NotEmpty(t, result["reasons"])
	assert.Equal(t, false, result["usedAi"])
}

func TestDispatchProfileRedaction(t *testing.T) {
	actions := NewActionRegistry()
	var seen *Payload
	actions.Register(&ActionDefinition{
		ID:     "profile-probe",
		Policy: DataPolicy{SendProfile: true},
		Handler: func(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
			seen = inv.Payload
			return map[string]interface{}{"ok": true}, nil
		},
	})
	recorder := &recordingAudit{}
	d := NewDispatcher(actions, NewRegistry(RegistryConfig{DataPolicy: DataPolicy{SendProfile: false}}),
		nil, nil, nil, recorder,
		DispatcherConfig{Enabled: true, EnabledActions: []string{"profile-probe"}})

	payload := &Payload{Profile: map[string]string{"displayName": "Kei"}}
	_, err := d.Dispatch(context.Background(), DispatchRequest{
		ActionID: "profile-probe",
		UserID:   "user-1",
		Payload:  payload,
	})
	require.NoError(t, err, "profile violations redact instead of blocking")
	require.NotNil(t, seen)
	assert.Nil(t, seen.Profile, "profile slice is cleared before the handler runs")

	redactions := recorder.byType(audit.EventDataPolicyViolation)
	require.Len(t, redactions, 1)
	assert.Equal(t, "profile_redacted", redactions[0].Reason)
}

func TestDispatchAgentAllowlist(t *testing.T) {
	cfg := DispatcherConfig{
		Enabled:        true,
		EnabledActions: allBuiltinIDs(),
		AgentTools: map[string][]string{
			"moderator": {ActionDMModerator},
			"assistant": {"*"},
		},
	}
	d, _ := newTestDispatcher(t, cfg, RegistryConfig{DataPolicy: DataPolicy{SendDM: true, SendPublic: true}})
	ctx := context.Background()

	// Allowlisted tool.
	_, err := d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionDMModerator, UserID: "user-1", AgentType: "moderator",
		Input: map[string]interface{}{"messages": []interface{}{"hi"}},
	})
	assert.NoError(t, err)

	// Same agent, tool outside its allowlist.
	_, err = d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1", AgentType: "moderator",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))

	// Wildcard agent may call anything enabled.
	_, err = d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1", AgentType: "assistant",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	assert.NoError(t, err)

	// Unrecognized agent type is refused outright.
	_, err = d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1", AgentType: "crawler",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeForbidden, apperror.CodeOf(err))
}

func TestDispatchQuotaExceeded(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	actions := NewActionRegistry()
	RegisterBuiltins(actions)
	usage := quota.NewUsageStore(rc)
	d := NewDispatcher(actions, NewRegistry(RegistryConfig{}), nil, usage,
		quota.NewRateStore(rc), &recordingAudit{},
		DispatcherConfig{Enabled: true, EnabledActions: allBuiltinIDs(), MonthlyQuota: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(ctx, DispatchRequest{
			ActionID: ActionSummary, UserID: "user-1",
			Input: map[string]interface{}{"text": "Hello world."},
		})
		require.NoError(t, err, "call %d", i)
	}

	_, err := d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeQuotaExceeded, apperror.CodeOf(err))
	assert.Equal(t, http.StatusPaymentRequired, apperror.HTTPStatusOf(err))

	// Another user is unaffected.
	_, err = d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-2",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	assert.NoError(t, err)
}

func TestDispatchRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	actions := NewActionRegistry()
	RegisterBuiltins(actions)
	d := NewDispatcher(actions, NewRegistry(RegistryConfig{}), nil,
		quota.NewUsageStore(rc), quota.NewRateStore(rc), &recordingAudit{},
		DispatcherConfig{
			Enabled:        true,
			EnabledActions: allBuiltinIDs(),
			Limits:         quota.Limits{PerMinute: 1},
		})
	ctx := context.Background()

	_, err := d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, DispatchRequest{
		ActionID: ActionSummary, UserID: "user-1",
		Input: map[string]interface{}{"text": "Hello world."},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeRateLimited, apperror.CodeOf(err))
	assert.Equal(t, http.StatusTooManyRequests, apperror.HTTPStatusOf(err))
}
