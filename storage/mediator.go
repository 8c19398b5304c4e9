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

// Package storage mediates sandboxed-app object storage. Apps address
// objects by a logical (bucket, key) pair; the mediator namespaces every
// access under the owning app, workspace, and caller scope so no app can
// reach another app's data, and no physical key is ever derived from
// unvalidated input.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"takos/platform/shared/apperror"
)

const (
	// keyPrefix roots every physical key written by the mediator.
	keyPrefix = "takos:app"

	// DefaultListLimit caps a list page when the caller does not specify one.
	DefaultListLimit = 100

	// MaxListLimit is the hard ceiling for a single list page.
	MaxListLimit = 1000
)

// Ref identifies the namespace a storage operation runs in. UserID is empty
// for unauthenticated (global-scope) access; Workspace distinguishes dev and
// prod bundles of the same app.
type Ref struct {
	AppID     string
	Workspace string
	UserID    string
	Bucket    string
}

// scope returns the caller scope segment of the physical key.
func (r Ref) scope() string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "global"
}

// workspace returns the workspace segment, defaulting to prod.
func (r Ref) workspace() string {
	if r.Workspace == "" {
		return "prod"
	}
	return r.Workspace
}

// Object is the metadata record stored alongside each object.
type Object struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	Etag         string            `json:"etag"`
	LastModified time.Time         `json:"lastModified"`
	ContentType  string            `json:"contentType,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PutOptions carries optional metadata for a put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ListOptions controls pagination of a list.
type ListOptions struct {
	Cursor string
	Limit  int
}

// ListResult is one page of a bucket listing.
type ListResult struct {
	Objects   []Object `json:"objects"`
	Cursor    string   `json:"cursor,omitempty"`
	Truncated bool     `json:"truncated"`
}

// Mediator maps logical storage operations onto namespaced redis keys.
type Mediator struct {
	client *redis.Client
	now    func() time.Time
}

// NewMediator creates a storage mediator. The client may be nil, in which
// case every operation fails with ServiceUnavailable: unlike rate limiting,
// storage has no meaningful fail-open behavior.
func NewMediator(client *redis.Client) *Mediator {
	return &Mediator{client: client, now: time.Now}
}

// NormalizeKey validates and canonicalizes a logical key: leading slashes are
// stripped, empty segments collapse, and any "." or ".." segment rejects the
// key outright (path traversal fails closed).
func NormalizeKey(key string) (string, error) {
	trimmed := strings.TrimLeft(key, "/")
	if trimmed == "" {
		return "", apperror.InvalidRequest("storage key must not be empty")
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if p == "." || p == ".." {
			return "", apperror.InvalidRequest("storage key must not contain path segments %q", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return "", apperror.InvalidRequest("storage key must not be empty")
	}
	return strings.Join(out, "/"), nil
}

// physicalKey builds takos:app:{app}:storage:{workspace}:{scope}:{bucket}:{designator}:{key}.
func (m *Mediator) physicalKey(ref Ref, designator, logicalKey string) string {
	return fmt.Sprintf("%s:%s:storage:%s:%s:%s:%s:%s",
		keyPrefix, ref.AppID, ref.workspace(), ref.scope(), ref.Bucket, designator, logicalKey)
}

// indexKey is the sorted-set index of logical keys in a bucket namespace.
// It gives list a deterministic lexicographic order; the KV scan cursor is a
// hint, not an order guarantee.
func (m *Mediator) indexKey(ref Ref) string {
	return fmt.Sprintf("%s:%s:storage:%s:%s:%s:index",
		keyPrefix, ref.AppID, ref.workspace(), ref.scope(), ref.Bucket)
}

func (m *Mediator) ready() error {
	if m.client == nil {
		return apperror.ServiceUnavailable("storage binding is not configured")
	}
	return nil
}

// Put stores an object and its metadata record. The data write precedes the
// metadata write so a reader never observes metadata without data; readers
// must treat missing metadata as not found.
func (m *Mediator) Put(ctx context.Context, ref Ref, key string, body []byte, opts PutOptions) (*Object, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	logical, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(body)
	obj := &Object{
		Key:          logical,
		Size:         int64(len(body)),
		Etag:         hex.EncodeToString(sum[:]),
		LastModified: m.now().UTC(),
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
	}
	meta, err := json.Marshal(obj)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, err, "encode metadata")
	}

	encoded := base64.StdEncoding.EncodeToString(body)
	if err := m.client.Set(ctx, m.physicalKey(ref, "data", logical), encoded, 0).Err(); err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage put data")
	}
	if err := m.client.Set(ctx, m.physicalKey(ref, "meta", logical), meta, 0).Err(); err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage put meta")
	}
	if err := m.client.ZAdd(ctx, m.indexKey(ref), &redis.Z{Score: 0, Member: logical}).Err(); err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage index add")
	}
	return obj, nil
}

// Get returns the object body and metadata, or (nil, nil, nil) when the key
// does not exist.
func (m *Mediator) Get(ctx context.Context, ref Ref, key string) ([]byte, *Object, error) {
	if err := m.ready(); err != nil {
		return nil, nil, err
	}
	logical, err := NormalizeKey(key)
	if err != nil {
		return nil, nil, err
	}

	obj, err := m.readMeta(ctx, ref, logical)
	if err != nil || obj == nil {
		return nil, nil, err
	}

	encoded, err := m.client.Get(ctx, m.physicalKey(ref, "data", logical)).Result()
	if err == redis.Nil {
		// Metadata without data should not happen (writes are ordered the
		// other way), but treat it as not found rather than erroring.
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage get data")
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, apperror.Wrap(apperror.CodeInternal, err, "decode stored data")
	}
	return body, obj, nil
}

// GetText returns the object body as a string.
func (m *Mediator) GetText(ctx context.Context, ref Ref, key string) (string, *Object, error) {
	body, obj, err := m.Get(ctx, ref, key)
	if err != nil || obj == nil {
		return "", obj, err
	}
	return string(body), obj, nil
}

// Head returns the metadata record without touching the data row, or nil
// when the key does not exist.
func (m *Mediator) Head(ctx context.Context, ref Ref, key string) (*Object, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	logical, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	return m.readMeta(ctx, ref, logical)
}

func (m *Mediator) readMeta(ctx context.Context, ref Ref, logical string) (*Object, error) {
	raw, err := m.client.Get(ctx, m.physicalKey(ref, "meta", logical)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage get meta")
	}
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, err, "decode stored metadata")
	}
	return &obj, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (m *Mediator) Delete(ctx context.Context, ref Ref, key string) error {
	if err := m.ready(); err != nil {
		return err
	}
	logical, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	return m.deleteNormalized(ctx, ref, []string{logical})
}

// DeleteMany removes a batch of objects. Every key is validated before any
// row is touched, so one traversal attempt fails the whole batch with no
// partial deletion.
func (m *Mediator) DeleteMany(ctx context.Context, ref Ref, keys []string) error {
	if err := m.ready(); err != nil {
		return err
	}
	logicals := make([]string, 0, len(keys))
	for _, k := range keys {
		logical, err := NormalizeKey(k)
		if err != nil {
			return err
		}
		logicals = append(logicals, logical)
	}
	return m.deleteNormalized(ctx, ref, logicals)
}

func (m *Mediator) deleteNormalized(ctx context.Context, ref Ref, logicals []string) error {
	pipe := m.client.Pipeline()
	for _, logical := range logicals {
		pipe.Del(ctx, m.physicalKey(ref, "data", logical), m.physicalKey(ref, "meta", logical))
		pipe.ZRem(ctx, m.indexKey(ref), logical)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage delete")
	}
	return nil
}

// List returns one lexicographically ordered page of a bucket. The cursor is
// the last key of the previous page; a Truncated result means more entries
// exist. Objects whose metadata row has vanished mid-listing are skipped.
func (m *Mediator) List(ctx context.Context, ref Ref, opts ListOptions) (*ListResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	min := "-"
	if opts.Cursor != "" {
		min = "(" + opts.Cursor
	}

	keys, err := m.client.ZRangeByLex(ctx, m.indexKey(ref), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit) + 1,
	}).Result()
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeServiceUnavailable, err, "storage list")
	}

	truncated := len(keys) > limit
	if truncated {
		keys = keys[:limit]
	}

	result := &ListResult{Objects: make([]Object, 0, len(keys)), Truncated: truncated}
	for _, k := range keys {
		obj, err := m.readMeta(ctx, ref, k)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			continue
		}
		result.Objects = append(result.Objects, *obj)
	}
	if truncated && len(keys) > 0 {
		result.Cursor = keys[len(keys)-1]
	}
	return result, nil
}
