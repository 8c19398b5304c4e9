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
	"sync"
)

// Invocation is one action call after every dispatch gate has passed.
// Provider is nil when no eligible provider could be resolved; handlers must
// treat that as the fallback branch, never as an error.
type Invocation struct {
	Action   *ActionDefinition
	UserID   string
	Input    map[string]interface{}
	Payload  *Payload
	Provider *ResolvedCall
}

// Handler executes one action. The returned map is the action's output
// shape; the fallback branch must produce the same shape as the AI-backed
// branch.
type Handler func(ctx context.Context, client *Client, inv *Invocation) (map[string]interface{}, error)

// ActionDefinition describes one entry of the closed action catalog.
type ActionDefinition struct {
	ID           string                 `json:"id"`
	Label        string                 `json:"label"`
	Description  string                 `json:"description"`
	InputSchema  map[string]interface{} `json:"inputSchema,omitempty"`
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`
	Capabilities []Capability           `json:"providerCapabilities"`
	Policy       DataPolicy             `json:"dataPolicy"`

	Handler Handler `json:"-"`
}

// ActionRegistry holds the process-wide action catalog. Registration is
// append-only; a duplicate id is silently skipped so module re-import stays
// idempotent and registration order cannot change an action's definition.
type ActionRegistry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*ActionDefinition
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{byID: make(map[string]*ActionDefinition)}
}

// Register adds an action. Returns false when the id was already taken; the
// first registration wins.
func (r *ActionRegistry) Register(def *ActionDefinition) bool {
	if def == nil || def.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[def.ID]; exists {
		return false
	}
	r.byID[def.ID] = def
	r.order = append(r.order, def.ID)
	return true
}

// Get looks up an action by id.
func (r *ActionRegistry) Get(id string) (*ActionDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// List returns all actions in registration order.
func (r *ActionRegistry) List() []*ActionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ActionDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
