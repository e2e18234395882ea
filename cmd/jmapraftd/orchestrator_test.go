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

package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

func openOrchestratorTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTransport scripts canned responses per-peer for orchestrator
// tests, grounded on internal/replication's own fakeTransport double.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[types.PeerId]wire.Response
	online    bool
}

func (f *fakeTransport) Send(ctx context.Context, peer types.PeerId, req wire.Request) (wire.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.responses[peer]
	if !ok {
		return wire.Response{}, context.DeadlineExceeded
	}
	return resp, nil
}

func (f *fakeTransport) Online(peer types.PeerId) bool { return f.online }

func TestOrchestratorOnBecomeLeaderSpawnsOneLeaderPerPeer(t *testing.T) {
	s := openOrchestratorTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	tr := &fakeTransport{online: true}
	orch := newOrchestrator(1, node, s, tr, replication.DefaultConfig(), zerolog.Nop())

	orch.onBecomeLeader([]types.PeerId{2, 3})

	orch.mu.Lock()
	n := len(orch.leaders)
	orch.mu.Unlock()
	assert.Equal(t, 2, n)

	orch.stopAll()
	orch.mu.Lock()
	n = len(orch.leaders)
	orch.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestOrchestratorSpawnLeaderIsIdempotentPerPeer(t *testing.T) {
	s := openOrchestratorTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	tr := &fakeTransport{online: true}
	orch := newOrchestrator(1, node, s, tr, replication.DefaultConfig(), zerolog.Nop())

	orch.spawnLeader(2)
	orch.mu.Lock()
	firstCancel := orch.leaders[2]
	orch.mu.Unlock()

	orch.spawnLeader(2)
	orch.mu.Lock()
	secondCancel := orch.leaders[2]
	n := len(orch.leaders)
	orch.mu.Unlock()

	assert.Equal(t, 1, n)
	assert.NotNil(t, firstCancel)
	assert.NotNil(t, secondCancel)

	orch.stopAll()
}

func TestOrchestratorOnPeerAliveSpawnsLeaderReplicator(t *testing.T) {
	s := openOrchestratorTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	tr := &fakeTransport{online: true}
	orch := newOrchestrator(1, node, s, tr, replication.DefaultConfig(), zerolog.Nop())

	orch.onPeerAlive(4, 1)

	orch.mu.Lock()
	_, ok := orch.leaders[4]
	orch.mu.Unlock()
	assert.True(t, ok)

	orch.stopAll()
}

func TestOrchestratorIsLeaderReflectsNodeState(t *testing.T) {
	s := openOrchestratorTestStore(t)
	node := raftnode.New(1, 1, raftnode.DefaultConfig(), zerolog.Nop())
	tr := &fakeTransport{online: true}
	orch := newOrchestrator(1, node, s, tr, replication.DefaultConfig(), zerolog.Nop())

	assert.False(t, orch.isLeader())
}

// TestOrchestratorElectionFanOutWinsMajority drives a real raftnode.Node
// through a timer-triggered election against a two-peer shard, with
// onBecomeCandidate wired to a fake transport that grants one vote.
// One self-vote plus one granted vote is a majority of three.
func TestOrchestratorElectionFanOutWinsMajority(t *testing.T) {
	s := openOrchestratorTestStore(t)
	cfg := raftnode.DefaultConfig()
	cfg.ElectionTimeoutBaseMs = 5
	cfg.ElectionTimeoutJitterLo = 1
	cfg.ElectionTimeoutJitterHi = 2
	node := raftnode.New(1, 1, cfg, zerolog.Nop())
	node.UpsertPeer(2, 1, true)
	node.UpsertPeer(3, 1, true)

	tr := &fakeTransport{
		online: true,
		responses: map[types.PeerId]wire.Response{
			2: wire.RespVote(1, true),
		},
	}
	orch := newOrchestrator(1, node, s, tr, replication.DefaultConfig(), zerolog.Nop())
	node.OnBecomeLeader = orch.onBecomeLeader
	node.OnStepDown = orch.onStepDown
	node.OnBecomeCandidate = orch.onBecomeCandidate

	go node.Run()
	defer node.Stop()

	require.Eventually(t, func() bool {
		return node.State() == raftnode.StateLeader
	}, 2*time.Second, 5*time.Millisecond)

	orch.stopAll()
}
