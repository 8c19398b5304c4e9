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
	"regexp"

	"takos/platform/shared/apperror"
)

// AgentTypeHeader carries the caller's agent classification when the
// request originates from an automated agent rather than app code.
const AgentTypeHeader = "x-takos-agent-type"

// agentTypePattern restricts agent type identifiers.
var agentTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// parseAgentType validates a caller-supplied agent type header value. An
// absent header means the caller is plain app code; a malformed value is
// rejected rather than ignored.
func parseAgentType(value string) (string, *apperror.Error) {
	if value == "" {
		return "", nil
	}
	if !agentTypePattern.MatchString(value) {
		return "", apperror.InvalidRequest("invalid agent type")
	}
	return value, nil
}

// authorizeAgentTool consults the node's per-agent tool allowlist. The "*"
// entry allowlists every tool for that agent; an unknown agent type has no
// allowlist and is refused.
func (g *Gateway) authorizeAgentTool(agentType, tool string) *apperror.Error {
	tools, ok := g.cfg.AgentTools[agentType]
	if !ok {
		return apperror.Forbidden("agent type %q is not authorized on this node", agentType)
	}
	for _, allowed := range tools {
		if allowed == "*" || allowed == tool {
			return nil
		}
	}
	return apperror.Forbidden("agent type %q may not call %q", agentType, tool)
}
