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
	"encoding/base64"

	"takos/platform/shared/apperror"
	"takos/platform/storage"
)

// Permitted storage methods.
const (
	storagePut        = "put"
	storageGet        = "get"
	storageGetText    = "getText"
	storageHead       = "head"
	storageDelete     = "delete"
	storageDeleteMany = "deleteMany"
	storageList       = "list"
)

func (g *Gateway) handleStorage(ctx context.Context, req *RpcRequest) (interface{}, error) {
	payload := req.Storage

	if req.AppID == "" {
		return nil, apperror.InvalidRequest("missing appId")
	}
	if err := requireAppPrefix("bucket", payload.Bucket); err != nil {
		return nil, err
	}
	if unsafeName(payload.Method) {
		return nil, apperror.InvalidRequest("unsafe method name")
	}
	if payload.WorkspaceID != "" && g.cfg.Mode != ModeDev {
		return nil, apperror.InvalidRequest("workspaceId is only accepted in dev mode")
	}

	ref := storage.Ref{
		AppID:     req.AppID,
		Workspace: payload.WorkspaceID,
		Bucket:    payload.Bucket,
	}
	if req.Auth.IsAuthenticated {
		ref.UserID = req.Auth.UserID
	}

	switch payload.Method {
	case storagePut:
		body, err := base64.StdEncoding.DecodeString(payload.Body)
		if err != nil {
			return nil, apperror.InvalidRequest("body must be base64 encoded")
		}
		return g.storage.Put(ctx, ref, payload.Key, body, storage.PutOptions{
			ContentType: payload.ContentType,
			Metadata:    payload.Metadata,
		})
	case storageGet:
		body, obj, err := g.storage.Get(ctx, ref, payload.Key)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, nil
		}
		return map[string]interface{}{
			"body":   base64.StdEncoding.EncodeToString(body),
			"object": obj,
		}, nil
	case storageGetText:
		text, obj, err := g.storage.GetText(ctx, ref, payload.Key)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, nil
		}
		return map[string]interface{}{"text": text, "object": obj}, nil
	case storageHead:
		obj, err := g.storage.Head(ctx, ref, payload.Key)
		if err != nil || obj == nil {
			return nil, err
		}
		return obj, nil
	case storageDelete:
		return nil, g.storage.Delete(ctx, ref, payload.Key)
	case storageDeleteMany:
		return nil, g.storage.DeleteMany(ctx, ref, payload.Keys)
	case storageList:
		return g.storage.List(ctx, ref, storage.ListOptions{
			Cursor: payload.Cursor,
			Limit:  payload.Limit,
		})
	default:
		return nil, apperror.InvalidRequest("unknown storage method %q", payload.Method)
	}
}
