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
	"strings"

	"takos/platform/shared/apperror"
)

// ServiceFacade dispatches a validated dotted path on the node's internal
// services. The facade itself is an external collaborator; the gateway only
// enforces path safety and the root allowlist.
type ServiceFacade interface {
	Call(ctx context.Context, path []string, args []interface{}) (interface{}, error)
}

// serviceRoots is the closed set of service roots exposed to apps.
var serviceRoots = map[string]bool{
	"objects":       true,
	"actors":        true,
	"notifications": true,
	"storage":       true,
}

func (g *Gateway) handleServices(ctx context.Context, req *RpcRequest) (interface{}, error) {
	payload := req.Services

	segments := strings.Split(payload.Path, ".")
	if payload.Path == "" || len(segments) < 2 {
		return nil, apperror.InvalidRequest("service path must name a root and a method")
	}
	for _, segment := range segments {
		if segment == "" || unsafeName(segment) {
			return nil, apperror.InvalidRequest("invalid service path segment")
		}
	}

	// Any non-allowlisted root is a capability that does not exist for
	// apps. 403, never 404: apps must not learn which internal services
	// exist.
	if !serviceRoots[segments[0]] {
		return nil, apperror.Forbidden("service %q is not exposed to apps", segments[0])
	}

	if g.services == nil {
		return nil, apperror.ServiceUnavailable("no service facade configured")
	}
	return g.services.Call(ctx, segments, payload.Args)
}
