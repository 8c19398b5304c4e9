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

	"takos/platform/shared/apperror"
)

// Collection is one app collection handle resolved by the factory. The
// gateway validates and dispatches; the implementation is an external
// collaborator.
type Collection interface {
	Find(ctx context.Context, filter map[string]interface{}) ([]map[string]interface{}, error)
	FindByID(ctx context.Context, id string) (map[string]interface{}, error)
	Create(ctx context.Context, doc map[string]interface{}) (map[string]interface{}, error)
	Update(ctx context.Context, filter, update map[string]interface{}) (int64, error)
	UpdateByID(ctx context.Context, id string, update map[string]interface{}) (map[string]interface{}, error)
	Delete(ctx context.Context, filter map[string]interface{}) (int64, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	Transaction(ctx context.Context, ops []TxOperation) ([]interface{}, error)
}

// CollectionFactory resolves a collection by its namespaced name.
type CollectionFactory interface {
	Collection(name string) (Collection, error)
}

// TxOperation is one step of a collection transaction.
type TxOperation struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id,omitempty"`
	Filter map[string]interface{} `json:"filter,omitempty"`
	Doc    map[string]interface{} `json:"doc,omitempty"`
	Update map[string]interface{} `json:"update,omitempty"`
}

// Permitted db methods. Dispatch is a closed switch, never name-based
// lookup on the handle.
const (
	dbFind       = "find"
	dbFindByID   = "findById"
	dbCreate     = "create"
	dbUpdate     = "update"
	dbUpdateByID = "updateById"
	dbDelete     = "delete"
	dbDeleteByID = "deleteById"
	dbTx         = "transaction"
)

func (g *Gateway) handleDB(ctx context.Context, req *RpcRequest) (interface{}, error) {
	payload := req.DB

	if err := requireAppPrefix("collection", payload.Collection); err != nil {
		return nil, err
	}
	if unsafeName(payload.Method) {
		return nil, apperror.InvalidRequest("unsafe method name")
	}
	if payload.WorkspaceID != "" && g.cfg.Mode != ModeDev {
		return nil, apperror.InvalidRequest("workspaceId is only accepted in dev mode")
	}
	if g.collections == nil {
		return nil, apperror.ServiceUnavailable("no database binding configured")
	}

	coll, err := g.collections.Collection(payload.Collection)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err,
			"resolving collection %q failed", payload.Collection)
	}

	switch payload.Method {
	case dbFind:
		return coll.Find(ctx, payload.Filter)
	case dbFindByID:
		return coll.FindByID(ctx, payload.ID)
	case dbCreate:
		return coll.Create(ctx, payload.Doc)
	case dbUpdate:
		return coll.Update(ctx, payload.Filter, payload.Update)
	case dbUpdateByID:
		return coll.UpdateByID(ctx, payload.ID, payload.Update)
	case dbDelete:
		return coll.Delete(ctx, payload.Filter)
	case dbDeleteByID:
		return coll.DeleteByID(ctx, payload.ID)
	case dbTx:
		for _, op := range payload.Operations {
			if unsafeName(op.Method) {
				return nil, apperror.InvalidRequest("unsafe method name")
			}
		}
		return coll.Transaction(ctx, payload.Operations)
	default:
		return nil, apperror.InvalidRequest("unknown db method %q", payload.Method)
	}
}
