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
	"takos/platform/shared/apperror"
)

// RegistryConfig is the AI section of node configuration, resolved once at
// startup. The registry is immutable afterwards; configuration changes take
// effect on the next process load.
type RegistryConfig struct {
	Providers       []ProviderConfig `yaml:"providers"`
	DefaultProvider string           `yaml:"defaultProvider"`

	// ExternalNetworkAllowed gates whether any provider call may leave the
	// node. When false every provider is ineligible and all builtin actions
	// run their fallbacks.
	ExternalNetworkAllowed bool `yaml:"externalNetworkAllowed"`

	DataPolicy DataPolicy `yaml:"dataPolicy"`
}

// Registry resolves configured providers and answers policy questions.
type Registry struct {
	providers []ProviderConfig
	byID      map[string]ProviderConfig
	defaultID string
	external  bool
	policy    DataPolicy
}

// NewRegistry builds a registry from resolved configuration. Providers with
// an empty id are skipped; the first provider becomes the default when the
// configuration names none.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		byID:     make(map[string]ProviderConfig),
		external: cfg.ExternalNetworkAllowed,
		policy:   cfg.DataPolicy,
	}
	for _, p := range cfg.Providers {
		if p.ID == "" {
			continue
		}
		if _, exists := r.byID[p.ID]; exists {
			continue
		}
		r.byID[p.ID] = p
		r.providers = append(r.providers, p)
	}
	r.defaultID = cfg.DefaultProvider
	if r.defaultID == "" && len(r.providers) > 0 {
		r.defaultID = r.providers[0].ID
	}
	return r
}

// Get returns the configuration for one provider id.
func (r *Registry) Get(id string) (ProviderConfig, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// List returns the status of every configured provider in configuration
// order.
func (r *Registry) List() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, ProviderStatus{
			ID:           p.ID,
			Type:         p.Type,
			Model:        p.Model,
			Capabilities: p.Capabilities,
			Configured:   p.Configured(),
			Eligible:     p.Configured() && r.external,
		})
	}
	return out
}

// DefaultProviderID returns the node's default provider id, empty when no
// provider is configured.
func (r *Registry) DefaultProviderID() string {
	return r.defaultID
}

// DataPolicy returns the node's configured data policy.
func (r *Registry) DataPolicy() DataPolicy {
	return r.policy
}

// PrepareCall resolves a provider into a ready-to-send call. An empty id
// resolves the default provider. Returns ServiceUnavailable when the id is
// unknown, the provider has no credential, or node policy forbids external
// network access.
func (r *Registry) PrepareCall(id string, cap Capability) (*ResolvedCall, error) {
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.byID[id]
	if !ok {
		return nil, apperror.ServiceUnavailable("ai provider %q is not configured", id)
	}
	if !p.Configured() {
		return nil, apperror.ServiceUnavailable("ai provider %q has no credential", id)
	}
	if !r.external {
		return nil, apperror.ServiceUnavailable("external network access is disabled for ai")
	}
	if !p.Has(cap) {
		return nil, apperror.InvalidRequest("provider %q does not support %s", id, cap)
	}

	baseURL := p.BaseURL
	if baseURL == "" {
		resolved, err := defaultBaseURL(p.Type)
		if err != nil {
			return nil, apperror.ServiceUnavailable("ai provider %q: %v", id, err)
		}
		baseURL = resolved
	}

	headers := map[string]string{"Content-Type": "application/json"}
	switch p.Type {
	case ProviderClaude:
		headers["x-api-key"] = p.APIKey
		headers["anthropic-version"] = "2023-06-01"
	default:
		// openai, openrouter, gemini (openai-compatible surface) and
		// compatible all take a bearer token.
		headers["Authorization"] = "Bearer " + p.APIKey
	}

	return &ResolvedCall{
		ID:      p.ID,
		Type:    p.Type,
		BaseURL: baseURL,
		Model:   p.Model,
		Headers: headers,
	}, nil
}
