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

package replication

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFollowerStartupWithEmptyLog(t *testing.T) {
	s := openTestStore(t)
	f, err := NewFollower(1, s, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, frSynchronize, f.state)
}

func TestFollowerMatchRespondsWithPrevRaftId(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertRaftEntries([]store.RaftEntryWrite{
		{RaftId: types.RaftId{Term: 1, Index: 1}, Entry: types.LogEntry{Kind: types.LogEntryItem, AccountId: 1}},
	}))
	f, err := NewFollower(1, s, zerolog.Nop())
	require.NoError(t, err)

	resp, err := f.HandleRequest(wire.ReqAppendEntries(1, wire.AERMatch(types.RaftId{Term: 1, Index: 2})))
	require.NoError(t, err)
	require.Equal(t, wire.ResponseAppendEntries, resp.Tag)
	assert.Equal(t, types.RaftId{Term: 1, Index: 1}, resp.AppendEntries.MatchLog)
}

func TestFollowerAppendEntriesStagesLogAndChange(t *testing.T) {
	s := openTestStore(t)
	f, err := NewFollower(1, s, zerolog.Nop())
	require.NoError(t, err)
	f.state = frAppendEntries

	updates := []wire.Update{
		wire.UpdateBegin(1, types.CollectionMail),
		wire.UpdateLog(types.RaftId{Term: 1, Index: 1}, []byte("entry")),
		wire.UpdateChange([]byte("change-payload")),
		wire.UpdateEof(),
	}
	resp, err := f.HandleRequest(wire.ReqAppendEntries(1, wire.AERUpdate(1, updates)))
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseAppendEntries, resp.Tag)

	assert.Equal(t, types.LogIndex(1), f.uncommittedIndex)
	payload, ok, err := s.GetChangeBytes(1, types.CollectionMail, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("change-payload"), payload)
}

func TestFollowerCommitUpdatesDrainsPendingInDeleteFirstOrder(t *testing.T) {
	s := openTestStore(t)
	f, err := NewFollower(1, s, zerolog.Nop())
	require.NoError(t, err)
	f.uncommittedIndex = 5
	f.leaderCommitIndex = 5

	var order []string
	f.ApplyToDocumentStore = func(p store.PendingUpdate) error {
		if p.Kind == store.PendingDelete {
			order = append(order, "delete")
		} else {
			order = append(order, "update")
		}
		return nil
	}

	require.NoError(t, s.PutPendingUpdate(5, 0, store.EncodePendingUpdate(store.PendingUpdate{Kind: store.PendingUpdateDoc, DocumentID: 1})))
	require.NoError(t, s.PutPendingUpdate(5, 1, store.EncodePendingUpdate(store.PendingUpdate{Kind: store.PendingDelete, DeleteIds: []types.DocumentId{2}})))

	require.NoError(t, f.commitUpdates())
	require.Len(t, order, 2)
	assert.Equal(t, "delete", order[0], "deletes apply before non-deletes within a commit batch")
}

func TestDeepestCommonTermPicksHighestSharedTerm(t *testing.T) {
	remote := []types.RaftId{{Term: 1, Index: 1}, {Term: 2, Index: 5}}
	local := []types.RaftId{{Term: 1, Index: 1}, {Term: 2, Index: 3}, {Term: 3, Index: 9}}

	got := deepestCommonTerm(remote, local)
	assert.Equal(t, types.TermId(2), got.Term)
	assert.Equal(t, types.LogIndex(3), got.Index)
}
