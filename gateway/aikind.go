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

package gateway

import (
	"context"

	"takos/platform/ai"
	"takos/platform/quota"
	"takos/platform/shared/apperror"
)

// Permitted ai methods.
const (
	aiChatCompletions = "chat.completions.create"
	aiEmbeddings      = "embeddings.create"
	aiActionInvoke    = "actions.invoke"
	aiActionList      = "actions.list"
	aiProviderList    = "providers.list"
	aiUsageSnapshot   = "usage.snapshot"
)

func (g *Gateway) handleAI(ctx context.Context, req *RpcRequest, agentType string) (interface{}, error) {
	payload := req.AI

	// Every ai method runs on behalf of a signed-in user.
	if !req.Auth.IsAuthenticated || req.Auth.UserID == "" {
		return nil, apperror.Forbidden("ai requires an authenticated caller")
	}
	if payload.Stream {
		return nil, apperror.InvalidRequest("streaming is not supported over the gateway")
	}

	switch payload.Method {
	case aiActionList:
		return g.dispatcher.Actions().List(), nil
	case aiProviderList:
		return g.dispatcher.Providers().List(), nil
	case aiUsageSnapshot:
		return g.usage.Snapshot(ctx, req.Auth.UserID)
	case aiActionInvoke:
		return g.dispatcher.Dispatch(ctx, ai.DispatchRequest{
			ActionID:  payload.Action,
			UserID:    req.Auth.UserID,
			AgentType: agentType,
			Provider:  payload.Provider,
			Input:     payload.Input,
			Payload:   payload.Payload,
		})
	case aiChatCompletions, aiEmbeddings:
		return g.handleRawAI(ctx, req, agentType)
	default:
		return nil, apperror.InvalidRequest("unknown ai method %q", payload.Method)
	}
}

// handleRawAI serves the provider passthrough surface. Unlike actions it has
// no fallback: reaching a provider is the whole point, so quota, rate limit
// and provider resolution are all hard gates.
func (g *Gateway) handleRawAI(ctx context.Context, req *RpcRequest, agentType string) (interface{}, error) {
	payload := req.AI
	userID := req.Auth.UserID

	if !g.cfg.AIEnabled {
		return nil, apperror.Forbidden("ai is not enabled on this node")
	}

	if agentType != "" {
		if err := g.authorizeAgentTool(agentType, payload.Method); err != nil {
			return nil, err
		}
	}

	if err := g.usage.CheckQuota(ctx, userID, quota.MetricAIRequests, g.cfg.AIMonthlyQuota); err != nil {
		return nil, err
	}
	if err := g.rates.Allow(ctx, "ai", userID, agentType, g.cfg.AILimits); err != nil {
		return nil, err
	}

	capability := ai.CapabilityChat
	if payload.Method == aiEmbeddings {
		capability = ai.CapabilityEmbedding
	}
	call, err := g.dispatcher.Providers().PrepareCall(payload.Provider, capability)
	if err != nil {
		return nil, err
	}

	if _, err := g.usage.Record(ctx, userID, quota.MetricAIRequests); err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "usage tracking failed")
	}

	if payload.Method == aiEmbeddings {
		return g.aiClient.Embeddings(ctx, call, ai.EmbeddingsRequest{
			Input: payload.Inputs,
			Model: payload.Model,
		})
	}
	return g.aiClient.ChatCompletion(ctx, call, ai.ChatRequest{
		Messages: payload.Messages,
		Model:    payload.Model,
	})
}
