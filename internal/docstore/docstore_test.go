/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/workerpool"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	pool := workerpool.New(context.Background(), 2, 4)
	t.Cleanup(func() { pool.Close() })
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"), pool, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestApplyDocumentUpdatePersistsPayload(t *testing.T) {
	s := openTestStore(t)

	err := s.Apply(store.PendingUpdate{
		Kind:       store.PendingUpdateDoc,
		DocumentID: 7,
		Payload:    []byte("hello"),
	})
	require.NoError(t, err)

	got, ok, err := s.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
}

func TestApplyDocumentDeleteRemovesPayload(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Apply(store.PendingUpdate{Kind: store.PendingUpdateDoc, DocumentID: 3, Payload: []byte("x")}))
	require.NoError(t, s.Apply(store.PendingUpdate{Kind: store.PendingDelete, DeleteIds: []types.DocumentId{3}}))

	_, ok, err := s.Get(3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnknownDocumentIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(99)
	require.NoError(t, err)
	assert.False(t, ok)
}
