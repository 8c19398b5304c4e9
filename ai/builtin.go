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
	"fmt"
	"strings"

	"takos/platform/shared/apperror"
)

// Builtin action ids.
const (
	ActionSummary     = "summary"
	ActionSuggestTags = "suggest-tags"
	ActionTranslate   = "translate"
	ActionDMModerator = "dm-moderator"
	ActionChat        = "chat"
)

// RegisterBuiltins adds the builtin action catalog to the registry.
// Registration is idempotent; calling twice changes nothing.
func RegisterBuiltins(reg *ActionRegistry) {
	reg.Register(&ActionDefinition{
		ID:          ActionSummary,
		Label:       "Summarize",
		Description: "Condense a document into a short summary.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"summary": map[string]interface{}{"type": "string"},
				"usedAi":  map[string]interface{}{"type": "boolean"},
			},
		},
		Capabilities: []Capability{CapabilityChat},
		Policy:       DataPolicy{SendPublic: true, SendCommunity: true},
		Handler:      summaryHandler,
	})

	reg.Register(&ActionDefinition{
		ID:          ActionSuggestTags,
		Label:       "Suggest tags",
		Description: "Propose topical tags for a post.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tags":   map[string]interface{}{"type": "array"},
				"usedAi": map[string]interface{}{"type": "boolean"},
			},
		},
		Capabilities: []Capability{CapabilityChat},
		Policy:       DataPolicy{SendPublic: true, SendCommunity: true},
		Handler:      suggestTagsHandler,
	})

	reg.Register(&ActionDefinition{
		ID:          ActionTranslate,
		Label:       "Translate",
		Description: "Translate text into a target language.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":       map[string]interface{}{"type": "string"},
				"targetLang": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"text", "targetLang"},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":   map[string]interface{}{"type": "string"},
				"lang":   map[string]interface{}{"type": "string"},
				"usedAi": map[string]interface{}{"type": "boolean"},
			},
		},
		Capabilities: []Capability{CapabilityChat},
		Policy:       DataPolicy{SendPublic: true, SendCommunity: true},
		Handler:      translateHandler,
	})

	reg.Register(&ActionDefinition{
		ID:          ActionDMModerator,
		Label:       "DM moderation",
		Description: "Screen direct messages for policy violations.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"messages": map[string]interface{}{"type": "array"}},
			"required":   []interface{}{"messages"},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"flagged": map[string]interface{}{"type": "boolean"},
				"reasons": map[string]interface{}{"type": "array"},
				"usedAi":  map[string]interface{}{"type": "boolean"},
			},
		},
		Capabilities: []Capability{CapabilityChat},
		Policy:       DataPolicy{SendDM: true},
		Handler:      dmModeratorHandler,
	})

	reg.Register(&ActionDefinition{
		ID:          ActionChat,
		Label:       "Chat",
		Description: "Free-form chat with the node's default provider.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"message": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"message"},
		},
		OutputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reply":  map[string]interface{}{"type": "string"},
				"usedAi": map[string]interface{}{"type": "boolean"},
			},
		},
		Capabilities: []Capability{CapabilityChat},
		Policy:       DataPolicy{SendPublic: true},
		Handler:      chatHandler,
	})
}

// stringInput pulls a required string field out of the raw input map.
func stringInput(input map[string]interface{}, field string) (string, *apperror.Error) {
	raw, ok := input[field]
	if !ok {
		return "", apperror.InvalidRequest("missing required input %q", field)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", apperror.InvalidRequest("input %q must be a non-empty string", field)
	}
	return s, nil
}

// stringsInput pulls a required string-array field out of the raw input map.
func stringsInput(input map[string]interface{}, field string) ([]string, *apperror.Error) {
	raw, ok := input[field]
	if !ok {
		return nil, apperror.InvalidRequest("missing required input %q", field)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, apperror.InvalidRequest("input %q must be an array of strings", field)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, apperror.InvalidRequest("input %q must be an array of strings", field)
		}
		out = append(out, s)
	}
	return out, nil
}

// tryChat runs one provider chat call; a nil provider or any provider
// failure returns ok=false so the caller takes the fallback branch.
func tryChat(ctx context.Context, client *Client, inv *Invocation, system, prompt string) (string, bool) {
	if inv.Provider == nil || client == nil {
		return "", false
	}
	resp, err := client.ChatCompletion(ctx, inv.Provider, ChatRequest{
		System:   system,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return "", false
	}
	return resp.Content, true
}

func summaryHandler(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
	text, aerr := stringInput(inv.Input, "text")
	if aerr != nil {
		return nil, aerr
	}

	if content, ok := tryChat(ctx, client, inv,
		"Summarize the user's text in at most three sentences.", text); ok {
		return map[string]interface{}{"summary": content, "usedAi": true}, nil
	}
	return map[string]interface{}{"summary": fallbackSummary(text), "usedAi": false}, nil
}

func suggestTagsHandler(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
	text, aerr := stringInput(inv.Input, "text")
	if aerr != nil {
		return nil, aerr
	}

	if content, ok := tryChat(ctx, client, inv,
		"Reply with up to five lowercase topical tags, comma separated, nothing else.", text); ok {
		tags := []string{}
		for _, tag := range strings.Split(content, ",") {
			if tag = strings.TrimSpace(strings.ToLower(tag)); tag != "" {
				tags = append(tags, tag)
			}
		}
		if len(tags) > 0 {
			return map[string]interface{}{"tags": tags, "usedAi": true}, nil
		}
	}
	return map[string]interface{}{"tags": fallbackTags(text), "usedAi": false}, nil
}

func translateHandler(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
	text, aerr := stringInput(inv.Input, "text")
	if aerr != nil {
		return nil, aerr
	}
	lang, aerr := stringInput(inv.Input, "targetLang")
	if aerr != nil {
		return nil, aerr
	}

	if content, ok := tryChat(ctx, client, inv,
		fmt.Sprintf("Translate the user's text into %s. Reply with the translation only.", lang), text); ok {
		return map[string]interface{}{"text": content, "lang": lang, "usedAi": true}, nil
	}
	fallback, fallbackLang := fallbackTranslate(text)
	return map[string]interface{}{"text": fallback, "lang": fallbackLang, "usedAi": false}, nil
}

func dmModeratorHandler(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
	messages, aerr := stringsInput(inv.Input, "messages")
	if aerr != nil {
		return nil, aerr
	}

	if content, ok := tryChat(ctx, client, inv,
		`Screen the following direct messages. Reply "ok" when clean, otherwise one short reason per line.`,
		strings.Join(messages, "\n")); ok {
		trimmed := strings.TrimSpace(content)
		if strings.EqualFold(trimmed, "ok") {
			return map[string]interface{}{"flagged": false, "reasons": []string{}, "usedAi": true}, nil
		}
		reasons := []string{}
		for _, line := range strings.Split(trimmed, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				reasons = append(reasons, line)
			}
		}
		return map[string]interface{}{"flagged": true, "reasons": reasons, "usedAi": true}, nil
	}

	flagged, reasons := fallbackModerate(messages)
	return map[string]interface{}{"flagged": flagged, "reasons": reasons, "usedAi": false}, nil
}

func chatHandler(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error) {
	message, aerr := stringInput(inv.Input, "message")
	if aerr != nil {
		return nil, aerr
	}

	if content, ok := tryChat(ctx, client, inv, "", message); ok {
		return map[string]interface{}{"reply": content, "usedAi": true}, nil
	}
	return map[string]interface{}{
		"reply":  "No AI provider is available on this node.",
		"usedAi": false,
	}, nil
}
