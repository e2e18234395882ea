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
	"jmapraft/internal/types"
)

// RaftPeerTable is the subset of raftnode.Node's peer bookkeeping that
// RaftSink needs. raftnode.Node satisfies it without either package
// importing the other's concrete type — peerliveness and raftnode only
// ever share types.
type RaftPeerTable interface {
	UpsertPeer(id types.PeerId, shard types.ShardId, alive bool)
	SetPeerLastLog(id types.PeerId, lastLog types.RaftId)
	RemovePeer(id types.PeerId)
}

// AliveTransitionFunc is invoked whenever a peer flips offline->alive
// while the caller holds leadership; the server-level orchestrator
// plugs this in to spawn a fresh leader replicator task for that peer
// (§4.5: "spawn fresh LR on alive transition for an in-shard peer while
// Leader").
type AliveTransitionFunc func(peer types.PeerId, shard types.ShardId)

// RaftSink adapts Feed's Status transitions onto a raftnode.Node's peer
// table, and optionally notifies an orchestrator of alive transitions
// so it can (re)start replication work. Offline transitions are
// recorded in the peer table but never cancel anything in progress —
// the leader replicator task discovers the peer is offline for itself
// the next time it tries to send and backs off.
type RaftSink struct {
	peers       RaftPeerTable
	onAlive     AliveTransitionFunc
	isLeaderNow func() bool
}

// NewRaftSink constructs a RaftSink. isLeaderNow is consulted on every
// alive transition so onAlive only fires while this node currently
// holds leadership of the peer's shard; onAlive may be nil.
func NewRaftSink(peers RaftPeerTable, isLeaderNow func() bool, onAlive AliveTransitionFunc) *RaftSink {
	return &RaftSink{peers: peers, onAlive: onAlive, isLeaderNow: isLeaderNow}
}

// OnPeerStatus implements Sink.
func (r *RaftSink) OnPeerStatus(s Status) {
	r.peers.UpsertPeer(s.PeerId, s.Shard, s.Alive)
	if !s.LastLog.IsNone() {
		r.peers.SetPeerLastLog(s.PeerId, s.LastLog)
	}
	if s.Alive && r.onAlive != nil && r.isLeaderNow != nil && r.isLeaderNow() {
		r.onAlive(s.PeerId, s.Shard)
	}
}
