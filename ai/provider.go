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

// Package ai implements the provider registry, data-policy engine, action
// registry and dispatcher that mediate every AI call a sandboxed app makes.
// Providers are resolved from node configuration at startup; every builtin
// action carries a deterministic fallback so a node without any provider
// still answers, just without a model behind it.
package ai

import "fmt"

// ProviderType identifies the wire dialect a provider speaks.
type ProviderType string

const (
	ProviderOpenAI     ProviderType = "openai"
	ProviderClaude     ProviderType = "claude"
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenRouter ProviderType = "openrouter"
	// ProviderCompatible is any self-hosted endpoint speaking the
	// OpenAI-compatible chat/embeddings surface.
	ProviderCompatible ProviderType = "compatible"
)

// Capability names one operation family a provider can serve.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
)

// ProviderConfig is one provider entry from node configuration.
type ProviderConfig struct {
	ID           string       `yaml:"id" json:"id"`
	Type         ProviderType `yaml:"type" json:"type"`
	BaseURL      string       `yaml:"baseUrl" json:"baseUrl"`
	Model        string       `yaml:"model" json:"model"`
	APIKey       string       `yaml:"apiKey" json:"-"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
}

// Configured reports whether a credential is present.
func (c ProviderConfig) Configured() bool {
	return c.APIKey != ""
}

// Has reports whether the provider declares the given capability.
func (c ProviderConfig) Has(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ProviderStatus is the externally visible view of one provider. Eligible
// means configured AND the node allows external network access for AI.
type ProviderStatus struct {
	ID           string       `json:"id"`
	Type         ProviderType `json:"type"`
	Model        string       `json:"model"`
	Capabilities []Capability `json:"capabilities"`
	Configured   bool         `json:"configured"`
	Eligible     bool         `json:"eligible"`
}

// ResolvedCall is everything the HTTP bridge needs to reach one provider.
// Headers already carry the credential; callers never see the raw key.
type ResolvedCall struct {
	ID      string
	Type    ProviderType
	BaseURL string
	Model   string
	Headers map[string]string
}

func defaultBaseURL(t ProviderType) (string, error) {
	switch t {
	case ProviderOpenAI:
		return "https://api.openai.com", nil
	case ProviderClaude:
		return "https://api.anthropic.com", nil
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta/openai", nil
	case ProviderOpenRouter:
		return "https://openrouter.ai/api", nil
	case ProviderCompatible:
		return "", fmt.Errorf("compatible provider requires an explicit baseUrl")
	default:
		return "", fmt.Errorf("unknown provider type %q", t)
	}
}
