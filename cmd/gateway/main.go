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

// Package main is the entry point for the app RPC gateway.
//
// The gateway is the single mediation boundary between sandboxed apps and
// the node's trusted services: database collections, app storage, AI
// providers and the outbound HTTP proxy.
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT                  - HTTP server port (default: 8080)
//	TAKOS_MODE            - "dev" or "prod" (default: prod)
//	TAKOS_APP_RPC_TOKENS  - shared-secret RPC tokens, comma or whitespace separated
//	TAKOS_NODE_CONFIG     - path to the YAML node config (AI catalog, allowlists)
//	REDIS_ADDR            - redis backing rate limits, usage counters and storage
//	DATABASE_URL          - PostgreSQL connection string for the audit trail
//	AI_ENABLED            - "true" to enable the ai kind
//	OUTBOUND_PROXY_ENABLED - "true" to enable the outbound kind
package main

import (
	"takos/platform/gateway"
)

func main() {
	gateway.Run()
}
