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

// Package gateway is the single RPC entry point mediating all sandboxed-app
// and agent access to trusted services. Every request is authenticated with
// the node's shared-secret token, validated per kind, policed, and answered
// with a typed result or a typed error; nothing crosses the boundary any
// other way.
package gateway

import (
	"strings"

	"takos/platform/ai"
	"takos/platform/outbound"
	"takos/platform/shared/apperror"
)

// Request kinds. The catalog is closed; unknown kinds are rejected.
const (
	KindDB       = "db"
	KindServices = "services"
	KindStorage  = "storage"
	KindAI       = "ai"
	KindOutbound = "outbound"
)

// CallerAuth is the caller identity resolved by the trusted sandbox host
// before the request reaches the gateway. The gateway trusts it; the only
// credential it verifies itself is the shared-secret token.
type CallerAuth struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	UserID          string `json:"userId,omitempty"`
}

// RpcRequest is the tagged union crossing the boundary. Exactly one
// kind-specific payload must be populated, matching Kind.
type RpcRequest struct {
	Kind     string           `json:"kind"`
	AppID    string           `json:"appId"`
	Auth     CallerAuth       `json:"auth"`
	DB       *DBRequest       `json:"db,omitempty"`
	Services *ServiceRequest  `json:"services,omitempty"`
	Storage  *StorageRequest  `json:"storage,omitempty"`
	AI       *AIRequest       `json:"ai,omitempty"`
	Outbound *OutboundRequest `json:"outbound,omitempty"`
}

// DBRequest targets one app collection through the collection factory.
type DBRequest struct {
	Collection  string                 `json:"collection"`
	Method      string                 `json:"method"`
	WorkspaceID string                 `json:"workspaceId,omitempty"`
	ID          string                 `json:"id,omitempty"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
	Doc         map[string]interface{} `json:"doc,omitempty"`
	Update      map[string]interface{} `json:"update,omitempty"`
	Operations  []TxOperation          `json:"operations,omitempty"`
}

// ServiceRequest calls one method on the restricted service facade.
type ServiceRequest struct {
	Path string        `json:"path"`
	Args []interface{} `json:"args,omitempty"`
}

// StorageRequest targets one app bucket through the storage mediator.
type StorageRequest struct {
	Bucket      string            `json:"bucket"`
	Method      string            `json:"method"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Key         string            `json:"key,omitempty"`
	Keys        []string          `json:"keys,omitempty"`
	Body        string            `json:"body,omitempty"` // base64
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Cursor      string            `json:"cursor,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// AIRequest selects one AI surface method.
type AIRequest struct {
	Method   string                 `json:"method"`
	Action   string                 `json:"action,omitempty"`
	Provider string                 `json:"provider,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Stream   bool                   `json:"stream,omitempty"`
	Messages []ai.ChatMessage       `json:"messages,omitempty"`
	Inputs   []string               `json:"inputs,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Payload  *ai.Payload            `json:"payload,omitempty"`
}

// OutboundRequest proxies one HTTP call for a background job.
type OutboundRequest struct {
	URL  string               `json:"url"`
	Init outbound.RequestInit `json:"init"`
}

// RpcError is the wire form of a failed call. Stack is populated only in
// development mode.
type RpcError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// RpcResponse is the wire form of every gateway answer.
type RpcResponse struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *RpcError   `json:"error,omitempty"`
}

// unsafeName reports whether a caller-supplied identifier could reach
// prototype machinery in a dynamic host. The names are rejected everywhere
// identifiers cross the boundary, closing the injection class outright.
func unsafeName(name string) bool {
	switch name {
	case "__proto__", "prototype", "constructor":
		return true
	}
	return false
}

// requireAppPrefix checks the app: namespace rule shared by the db and
// storage kinds: the name must start with "app:" and carry a non-empty
// suffix.
func requireAppPrefix(field, name string) *apperror.Error {
	suffix := strings.TrimPrefix(name, "app:")
	if suffix == name || suffix == "" {
		return apperror.InvalidRequest("%s must be prefixed app: with a non-empty name", field)
	}
	return nil
}

// validateUnion verifies that exactly the payload matching Kind is populated.
func (r *RpcRequest) validateUnion() *apperror.Error {
	populated := 0
	var matches bool
	for kind, present := range map[string]bool{
		KindDB:       r.DB != nil,
		KindServices: r.Services != nil,
		KindStorage:  r.Storage != nil,
		KindAI:       r.AI != nil,
		KindOutbound: r.Outbound != nil,
	} {
		if present {
			populated++
			if kind == r.Kind {
				matches = true
			}
		}
	}
	switch {
	case r.Kind == "":
		return apperror.InvalidRequest("missing request kind")
	case populated == 0:
		return apperror.InvalidRequest("missing %s payload", r.Kind)
	case populated > 1 || !matches:
		return apperror.InvalidRequest("request must carry exactly the %s payload", r.Kind)
	}
	return nil
}
