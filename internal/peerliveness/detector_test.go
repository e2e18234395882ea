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

package peerliveness

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/types"
)

func TestDetectorPhiZeroBeforeMinSamples(t *testing.T) {
	d := NewDetector(8.0, 4, 64)
	d.Heartbeat()
	assert.Equal(t, float64(0), d.Phi())
}

func TestDetectorStaysAliveOnRegularHeartbeats(t *testing.T) {
	d := NewDetector(8.0, 3, 64)
	for i := 0; i < 10; i++ {
		d.Heartbeat()
		time.Sleep(2 * time.Millisecond)
	}
	assert.False(t, d.IsFailed())
}

func TestDetectorSuspectsAfterLongSilence(t *testing.T) {
	d := NewDetector(1.0, 3, 64)
	for i := 0; i < 10; i++ {
		d.Heartbeat()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	assert.True(t, d.IsFailed())
}

type recordingSink struct {
	statuses []Status
}

func (r *recordingSink) OnPeerStatus(s Status) { r.statuses = append(r.statuses, s) }

func TestFeedEmitsAliveThenOfflineTransition(t *testing.T) {
	sink := &recordingSink{}
	cfg := Config{Threshold: 1.0, MinSamples: 2, MaxSamples: 32, CheckInterval: 5 * time.Millisecond, HeartbeatTTL: time.Second}
	f := NewFeed(cfg, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		f.RecordHeartbeat(1, 7, types.RaftId{Term: 1, Index: 1}, 1, 1)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	require.NotEmpty(t, sink.statuses)
	assert.True(t, sink.statuses[0].Alive, "first transition is to alive while heartbeats arrive")
	last := sink.statuses[len(sink.statuses)-1]
	assert.False(t, last.Alive, "last transition is to offline once heartbeats stop")
	assert.Equal(t, types.PeerId(1), last.PeerId)
}

type fakePeerTable struct {
	upserted []types.PeerId
	lastLogs map[types.PeerId]types.RaftId
}

func (f *fakePeerTable) UpsertPeer(id types.PeerId, shard types.ShardId, alive bool) {
	f.upserted = append(f.upserted, id)
}

func (f *fakePeerTable) SetPeerLastLog(id types.PeerId, lastLog types.RaftId) {
	if f.lastLogs == nil {
		f.lastLogs = make(map[types.PeerId]types.RaftId)
	}
	f.lastLogs[id] = lastLog
}

func (f *fakePeerTable) RemovePeer(id types.PeerId) {}

func TestRaftSinkSpawnsOnAliveTransitionOnlyWhileLeader(t *testing.T) {
	table := &fakePeerTable{}
	var spawned []types.PeerId
	isLeader := true

	sink := NewRaftSink(table, func() bool { return isLeader }, func(peer types.PeerId, shard types.ShardId) {
		spawned = append(spawned, peer)
	})

	sink.OnPeerStatus(Status{PeerId: 2, Shard: 1, Alive: true, LastLog: types.RaftId{Term: 1, Index: 4}})
	require.Len(t, spawned, 1)
	assert.Equal(t, types.PeerId(2), spawned[0])
	assert.Equal(t, types.RaftId{Term: 1, Index: 4}, table.lastLogs[2])

	isLeader = false
	sink.OnPeerStatus(Status{PeerId: 3, Shard: 1, Alive: true})
	assert.Len(t, spawned, 1, "alive transitions while not leader must not spawn replication work")

	sink.OnPeerStatus(Status{PeerId: 2, Shard: 1, Alive: false})
	assert.Len(t, spawned, 1, "offline transitions never spawn, leader or not")
	assert.Contains(t, table.upserted, types.PeerId(2))
}
