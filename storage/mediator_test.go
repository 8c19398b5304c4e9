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

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takos/platform/shared/apperror"
)

func newTestMediator(t *testing.T) (*Mediator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewMediator(client), mr
}

func testRef() Ref {
	return Ref{AppID: "app:notes", Workspace: "", UserID: "user-1", Bucket: "app:attachments"}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "plain key", key: "a/b/c.txt", want: "a/b/c.txt"},
		{name: "leading slashes stripped", key: "///a/b", want: "a/b"},
		{name: "empty segments collapse", key: "a//b///c", want: "a/b/c"},
		{name: "dot segment rejected", key: "a/./b", wantErr: true},
		{name: "dotdot segment rejected", key: "a/../b", wantErr: true},
		{name: "dotdot at start rejected", key: "../secret", wantErr: true},
		{name: "bare dot rejected", key: ".", wantErr: true},
		{name: "empty rejected", key: "", wantErr: true},
		{name: "only slashes rejected", key: "///", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperror.CodeInvalidRequest, apperror.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	body := []byte("hello storage")
	obj, err := m.Put(ctx, ref, "docs/readme.txt", body, PutOptions{
		ContentType: "text/plain",
		Metadata:    map[string]string{"origin": "test"},
	})
	require.NoError(t, err)

	wantEtag := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(wantEtag[:]), obj.Etag)
	assert.Equal(t, int64(len(body)), obj.Size)

	got, gotObj, err := m.Get(ctx, ref, "docs/readme.txt")
	require.NoError(t, err)
	require.NotNil(t, gotObj)
	assert.Equal(t, body, got)
	assert.Equal(t, obj.Etag, gotObj.Etag)
	assert.Equal(t, "text/plain", gotObj.ContentType)
	assert.Equal(t, "test", gotObj.Metadata["origin"])
}

func TestHeadReturnsEtag(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	body := []byte("etag me")
	_, err := m.Put(ctx, ref, "obj", body, PutOptions{})
	require.NoError(t, err)

	obj, err := m.Head(ctx, ref, "obj")
	require.NoError(t, err)
	require.NotNil(t, obj)
	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.Etag)
}

func TestGetMissingIsNil(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()

	body, obj, err := m.Get(ctx, testRef(), "nope")
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Nil(t, obj)

	head, err := m.Head(ctx, testRef(), "nope")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestTraversalKeyWritesNothing(t *testing.T) {
	m, mr := newTestMediator(t)
	ctx := context.Background()

	_, err := m.Put(ctx, testRef(), "a/../../../etc/passwd", []byte("x"), PutOptions{})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidRequest, apperror.CodeOf(err))
	assert.Empty(t, mr.Keys(), "no KV write may occur for a rejected key")
}

func TestScopeIsolation(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()

	userRef := testRef()
	globalRef := testRef()
	globalRef.UserID = ""

	_, err := m.Put(ctx, userRef, "shared-name", []byte("user data"), PutOptions{})
	require.NoError(t, err)

	// Global scope must not see the user-scoped object.
	_, obj, err := m.Get(ctx, globalRef, "shared-name")
	require.NoError(t, err)
	assert.Nil(t, obj)

	// Neither may a different workspace of the same app.
	devRef := testRef()
	devRef.Workspace = "ws-dev-1"
	_, obj, err = m.Get(ctx, devRef, "shared-name")
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestDeleteAndDeleteMany(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	for _, k := range []string{"a", "b", "c"} {
		_, err := m.Put(ctx, ref, k, []byte(k), PutOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, m.Delete(ctx, ref, "a"))
	obj, err := m.Head(ctx, ref, "a")
	require.NoError(t, err)
	assert.Nil(t, obj)

	// Deleting a missing key is fine.
	require.NoError(t, m.Delete(ctx, ref, "a"))

	require.NoError(t, m.DeleteMany(ctx, ref, []string{"b", "c"}))
	res, err := m.List(ctx, ref, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}

func TestDeleteManyRejectsBatchOnBadKey(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	_, err := m.Put(ctx, ref, "keep", []byte("x"), PutOptions{})
	require.NoError(t, err)

	err = m.DeleteMany(ctx, ref, []string{"keep", "../escape"})
	require.Error(t, err)

	// The valid key must survive: validation precedes any deletion.
	obj, err := m.Head(ctx, ref, "keep")
	require.NoError(t, err)
	assert.NotNil(t, obj)
}

func TestListPagination(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("item-%02d", i)
		_, err := m.Put(ctx, ref, key, []byte(key), PutOptions{})
		require.NoError(t, err)
	}

	page1, err := m.List(ctx, ref, ListOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1.Objects, 3)
	assert.True(t, page1.Truncated)
	assert.Equal(t, "item-00", page1.Objects[0].Key)
	assert.Equal(t, "item-02", page1.Cursor)

	page2, err := m.List(ctx, ref, ListOptions{Limit: 3, Cursor: page1.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Objects, 3)
	assert.True(t, page2.Truncated)
	assert.Equal(t, "item-03", page2.Objects[0].Key)

	page3, err := m.List(ctx, ref, ListOptions{Limit: 3, Cursor: page2.Cursor})
	require.NoError(t, err)
	require.Len(t, page3.Objects, 1)
	assert.False(t, page3.Truncated)
	assert.Empty(t, page3.Cursor)
}

func TestListDefaultLimit(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	_, err := m.Put(ctx, ref, "only", []byte("x"), PutOptions{})
	require.NoError(t, err)

	res, err := m.List(ctx, ref, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 1)
	assert.False(t, res.Truncated)
}

func TestOverwriteReplacesEtag(t *testing.T) {
	m, _ := newTestMediator(t)
	ctx := context.Background()
	ref := testRef()

	first, err := m.Put(ctx, ref, "obj", []byte("one"), PutOptions{})
	require.NoError(t, err)
	second, err := m.Put(ctx, ref, "obj", []byte("two"), PutOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Etag, second.Etag)

	body, obj, err := m.Get(ctx, ref, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), body)
	assert.Equal(t, second.Etag, obj.Etag)

	// Overwrite must not duplicate the index entry.
	res, err := m.List(ctx, ref, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Objects, 1)
}

func TestUnconfiguredMediatorIsUnavailable(t *testing.T) {
	m := NewMediator(nil)
	ctx := context.Background()

	_, err := m.Put(ctx, testRef(), "k", []byte("x"), PutOptions{})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeServiceUnavailable, apperror.CodeOf(err))
}
