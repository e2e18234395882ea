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
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// fakeTransport lets a test script canned responses for specific
// request tags, one-shot, in call order.
type fakeTransport struct {
	online    bool
	responses []wire.Response
	sent      []wire.Request
}

func (f *fakeTransport) Send(ctx context.Context, peer types.PeerId, req wire.Request) (wire.Response, error) {
	f.sent = append(f.sent, req)
	if len(f.responses) == 0 {
		return wire.Response{}, context.DeadlineExceeded
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeTransport) Online(peer types.PeerId) bool { return f.online }

func TestLeaderBecomeLeaderTransitionsToAppendLogsOnMatch(t *testing.T) {
	s := openTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	node.UpsertPeer(2, 1, true)

	transport := &fakeTransport{
		online: true,
		responses: []wire.Response{
			wire.RespAppendEntries(wire.AERRMatch(node.LastLog())),
		},
	}
	lr := NewLeader(1, 2, node, s, transport, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := lr.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, wire.RequestBecomeFollower, transport.sent[0].Tag)
}

func TestLeaderRetriesOnTransientFailureThenBackoffs(t *testing.T) {
	s := openTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	cfg := DefaultConfig()
	cfg.RPCRetriesMax = 1
	cfg.RPCBackoffBase = time.Millisecond
	cfg.RPCBackoffMax = 2 * time.Millisecond

	transport := &fakeTransport{online: true}
	lr := NewLeader(1, 2, node, s, transport, cfg, zerolog.Nop())

	_, err := lr.sendWithRetry(context.Background(), wire.ReqPing())
	require.Error(t, err)
	assert.Len(t, transport.sent, cfg.RPCRetriesMax+1)
}

// TestLeaderAppendLogsConsumesUpdateResponse drives AppendLogs with a
// follower that is already caught up on raw log entries (matchLog ==
// node.LastLog()) but still reports a newly-changed collection via
// AERRUpdateTag — the normal, non-rollback catch-up path requestUpdates
// takes on the follower side. The leader must decode the follower's
// reported change bitmap, fetch document content for it rather than
// idling, and resume AppendLogs once done.
func TestLeaderAppendLogsConsumesUpdateResponse(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertRaftEntries([]store.RaftEntryWrite{
		{RaftId: types.RaftId{Term: 1, Index: 1}, Entry: types.LogEntry{
			Kind:               types.LogEntryItem,
			AccountId:          1,
			ChangedCollections: map[types.Collection]struct{}{types.CollectionMail: {}},
		}},
	}))

	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	node.UpsertPeer(2, 1, true)
	node.SetUncommittedIndex(1)

	changes := types.NewMergedChanges()
	changes.Updates[42] = struct{}{}

	var fetchedIDs []types.DocumentId

	transport := &fakeTransport{
		online: true,
		responses: []wire.Response{
			wire.RespAppendEntries(wire.AERRMatch(node.LastLog())),
			wire.RespAppendEntries(wire.AERRUpdate(1, types.CollectionMail, store.EncodeMergedChanges(*changes), false)),
			wire.RespAppendEntries(wire.AERRDone(1)),
		},
	}
	lr := NewLeader(1, 2, node, s, transport, DefaultConfig(), zerolog.Nop())
	lr.DocumentSource = func(id types.DocumentId) ([]byte, bool, error) {
		fetchedIDs = append(fetchedIDs, id)
		return []byte("doc-body"), true, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := lr.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(transport.sent), 3)
	third := transport.sent[2]
	require.Equal(t, wire.RequestAppendEntries, third.Tag)
	require.NotEmpty(t, third.AppendEntries.Updates)

	var doc wire.Update
	found := false
	for _, u := range third.AppendEntries.Updates {
		if u.Tag == wire.UpdateDocumentTag {
			doc = u
			found = true
		}
	}
	require.True(t, found, "AppendChanges must emit a document frame for the reported update")
	assert.Equal(t, types.DocumentId(42), doc.Document.DocumentId)
	assert.Equal(t, []byte("doc-body"), doc.Document.Payload)
	assert.False(t, doc.Document.Delete)
	assert.Equal(t, []types.DocumentId{42}, fetchedIDs)
}

// TestLeaderAppendChangesRollbackInsertsAreDeleted verifies that a
// rollback-flagged update response never triggers a content fetch for
// ids the leader cannot possibly have: a document only present because
// the follower diverged must be sent back as a delete frame instead.
func TestLeaderAppendChangesRollbackInsertsAreDeleted(t *testing.T) {
	s := openTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	node.UpsertPeer(2, 1, true)

	changes := types.NewMergedChanges()
	changes.Inserts[7] = struct{}{}

	transport := &fakeTransport{
		online: true,
		responses: []wire.Response{
			wire.RespAppendEntries(wire.AERRMatch(types.RaftId{Term: 9, Index: 9})),
			wire.RespAppendEntries(wire.AERRSynchronize(nil)),
			wire.RespAppendEntries(wire.AERRUpdate(1, types.CollectionMail, store.EncodeMergedChanges(*changes), true)),
		},
	}
	lr := NewLeader(1, 2, node, s, transport, DefaultConfig(), zerolog.Nop())
	lr.DocumentSource = func(id types.DocumentId) ([]byte, bool, error) {
		t.Fatalf("rollback inserts must never be fetched, got id %d", id)
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lr.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(transport.sent), 4)
	appendChangesReq := transport.sent[3]
	require.Equal(t, wire.RequestAppendEntries, appendChangesReq.Tag)

	var doc wire.Update
	found := false
	for _, u := range appendChangesReq.AppendEntries.Updates {
		if u.Tag == wire.UpdateDocumentTag {
			doc = u
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, types.DocumentId(7), doc.Document.DocumentId)
	assert.True(t, doc.Document.Delete)
}

func TestIntersectMatchIndexesFallsBackToHighestTermStart(t *testing.T) {
	s := openTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	lr := NewLeader(1, 2, node, s, &fakeTransport{}, DefaultConfig(), zerolog.Nop())

	terms := []types.RaftId{{Term: 1, Index: 1}}
	got := lr.intersectMatchIndexes(nil, terms)
	assert.Equal(t, types.TermId(1), got.Term)
}
