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
	"log"
	"time"

	"takos/platform/audit"
	"takos/platform/quota"
	"takos/platform/shared/apperror"
)

// Default dispatch limits when node configuration sets none.
const (
	DefaultPerMinute    = 10
	DefaultPerDay       = 500
	DefaultMonthlyQuota = 10000
)

// DispatcherConfig is the AI dispatch section of node configuration.
type DispatcherConfig struct {
	// Enabled gates AI globally for the node.
	Enabled bool

	// EnabledActions lists the action ids apps may invoke.
	EnabledActions []string

	// AgentTools maps an agent type to the action ids it may call. The
	// entry "*" allowlists every action for that agent.
	AgentTools map[string][]string

	// MonthlyQuota caps AI requests per user per calendar month.
	MonthlyQuota int64

	// Limits is the per-user burst budget.
	Limits quota.Limits
}

// DispatchRequest is one action invocation crossing the gateway.
type DispatchRequest struct {
	ActionID  string
	UserID    string
	AgentType string
	Provider  string
	Input     map[string]interface{}
	Payload   *Payload
}

// Dispatcher runs the gate chain in front of every action handler:
// enablement, data policy, agent authorization, quota, rate limit, provider
// resolution. A failed gate short-circuits with its own error kind and the
// handler is never reached.
type Dispatcher struct {
	actions   *ActionRegistry
	providers *Registry
	client    *Client
	usage     *quota.UsageStore
	rates     *quota.RateStore
	recorder  audit.Recorder
	cfg       DispatcherConfig
}

func NewDispatcher(actions *ActionRegistry, providers *Registry, client *Client,
	usage *quota.UsageStore, rates *quota.RateStore, recorder audit.Recorder,
	cfg DispatcherConfig) *Dispatcher {
	if cfg.MonthlyQuota == 0 {
		cfg.MonthlyQuota = DefaultMonthlyQuota
	}
	if cfg.Limits.PerMinute == 0 {
		cfg.Limits.PerMinute = DefaultPerMinute
	}
	if cfg.Limits.PerDay == 0 {
		cfg.Limits.PerDay = DefaultPerDay
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if client == nil {
		client = NewClient()
	}
	if usage == nil {
		usage = quota.NewUsageStore(nil)
	}
	if rates == nil {
		rates = quota.NewRateStore(nil)
	}
	return &Dispatcher{
		actions:   actions,
		providers: providers,
		client:    client,
		usage:     usage,
		rates:     rates,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Actions exposes the catalog, for listing.
func (d *Dispatcher) Actions() *ActionRegistry {
	return d.actions
}

// Providers exposes the provider registry, for status listing.
func (d *Dispatcher) Providers() *Registry {
	return d.providers
}

// Dispatch runs one action call through the full gate chain.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (map[string]interface{}, error) {
	start := time.Now()

	action, ok := d.actions.Get(req.ActionID)
	if !ok {
		return nil, apperror.InvalidRequest("unknown ai action %q", req.ActionID)
	}

	if !d.cfg.Enabled {
		return nil, apperror.Forbidden("ai is not enabled on this node")
	}
	if !d.actionEnabled(req.ActionID) {
		return nil, apperror.Forbidden("ai action %q is not enabled", req.ActionID)
	}

	if err := EnforcePolicy(ctx, d.recorder, req.ActionID, req.UserID,
		action.Policy, d.providers.DataPolicy(), req.Payload); err != nil {
		return nil, err
	}

	if req.AgentType != "" {
		if err := d.authorizeAgent(req.AgentType, req.ActionID); err != nil {
			return nil, err
		}
	}

	if err := d.usage.CheckQuota(ctx, req.UserID, quota.MetricAIRequests, d.cfg.MonthlyQuota); err != nil {
		return nil, err
	}
	if err := d.rates.Allow(ctx, "ai", req.UserID, req.AgentType, d.cfg.Limits); err != nil {
		return nil, err
	}

	// Provider resolution failing is not a gate: the handler falls back.
	var provider *ResolvedCall
	if call, err := d.providers.PrepareCall(req.Provider, primaryCapability(action)); err == nil {
		provider = call
	}

	if _, err := d.usage.Record(ctx, req.UserID, quota.MetricAIRequests); err != nil {
		// Counting is best-effort; the call proceeds.
		log.Printf("⚠️ ai: usage record failed for %s: %v", req.UserID, err)
	}

	result, err := action.Handler(ctx, d.client, &Invocation{
		Action:   action,
		UserID:   req.UserID,
		Input:    req.Input,
		Payload:  req.Payload,
		Provider: provider,
	})

	event := audit.Event{
		Type:    audit.EventAICall,
		Outcome: audit.OutcomeAllowed,
		UserID:  req.UserID,
		Details: map[string]interface{}{
			"action":     req.ActionID,
			"agentType":  req.AgentType,
			"durationMs": time.Since(start).Milliseconds(),
		},
	}
	if provider != nil {
		event.Details["provider"] = provider.ID
	}
	if err != nil {
		event.Outcome = audit.OutcomeError
		event.Reason = err.Error()
	}
	d.recorder.Record(ctx, event)

	return result, err
}

func (d *Dispatcher) actionEnabled(id string) bool {
	for _, enabled := range d.cfg.EnabledActions {
		if enabled == id {
			return true
		}
	}
	return false
}

// authorizeAgent checks the agent's tool allowlist. An unknown agent type
// has no allowlist and is refused.
func (d *Dispatcher) authorizeAgent(agentType, actionID string) error {
	tools, ok := d.cfg.AgentTools[agentType]
	if !ok {
		return apperror.Forbidden("agent type %q is not authorized on this node", agentType)
	}
	for _, tool := range tools {
		if tool == "*" || tool == actionID {
			return nil
		}
	}
	return apperror.Forbidden("agent type %q may not call %q", agentType, actionID)
}

// primaryCapability picks the capability used for provider resolution.
func primaryCapability(action *ActionDefinition) Capability {
	if len(action.Capabilities) > 0 {
		return action.Capabilities[0]
	}
	return CapabilityChat
}
