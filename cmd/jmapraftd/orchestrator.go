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
	"sync"

	"github.com/rs/zerolog"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// orchestrator wires raftnode's role-transition callbacks to
// replication task lifecycle and election vote fan-out. It is the one
// place outside internal/transport allowed to depend on both raftnode
// and replication, for the same reason: spawning a leader replicator
// or answering a vote is inherently a function of both.
type orchestrator struct {
	self      types.PeerId
	node      *raftnode.Node
	store     store.Adapter
	transport replication.Transport
	cfg       replication.Config
	log       zerolog.Logger

	// documentSource, when set, is wired onto every spawned Leader as
	// its DocumentSource hook.
	documentSource func(types.DocumentId) ([]byte, bool, error)

	mu      sync.Mutex
	leaders map[types.PeerId]context.CancelFunc
	wg      sync.WaitGroup
}

func newOrchestrator(self types.PeerId, node *raftnode.Node, st store.Adapter, tr replication.Transport, cfg replication.Config, log zerolog.Logger) *orchestrator {
	return &orchestrator{
		self:      self,
		node:      node,
		store:     st,
		transport: tr,
		cfg:       cfg,
		log:       log.With().Str("component", "orchestrator").Logger(),
		leaders:   make(map[types.PeerId]context.CancelFunc),
	}
}

func (o *orchestrator) isLeader() bool {
	return o.node.State() == raftnode.StateLeader
}

// activeLeaderCount reports how many leader replicator tasks are
// currently running, for the status endpoint.
func (o *orchestrator) activeLeaderCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.leaders)
}

// onBecomeLeader spawns a leader replicator for every shard peer the
// node won an election with.
func (o *orchestrator) onBecomeLeader(peers []types.PeerId) {
	for _, p := range peers {
		o.spawnLeader(p)
	}
}

// onPeerAlive is the peerliveness.AliveTransitionFunc: it only runs
// while the node currently holds leadership (peerliveness.RaftSink
// guards that), spawning a fresh leader replicator for the peer that
// just came back.
func (o *orchestrator) onPeerAlive(peer types.PeerId, shard types.ShardId) {
	o.spawnLeader(peer)
}

func (o *orchestrator) spawnLeader(peer types.PeerId) {
	o.mu.Lock()
	if _, exists := o.leaders[peer]; exists {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.leaders[peer] = cancel
	o.mu.Unlock()

	lr := replication.NewLeader(o.self, peer, o.node, o.store, o.transport, o.cfg, o.log)
	lr.DocumentSource = o.documentSource
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := lr.Run(ctx); err != nil && ctx.Err() == nil {
			o.log.Warn().Uint64("peer_id", uint64(peer)).Err(err).Msg("leader replicator exited")
		}
		o.mu.Lock()
		delete(o.leaders, peer)
		o.mu.Unlock()
	}()
}

// onStepDown cancels every active leader replicator task. It fires
// whenever the node leaves Leader or Candidate state.
func (o *orchestrator) onStepDown() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.leaders))
	for peer, cancel := range o.leaders {
		cancels = append(cancels, cancel)
		delete(o.leaders, peer)
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (o *orchestrator) onBecomeFollower(leader types.PeerId, term types.TermId) {
	o.log.Info().Uint64("leader", uint64(leader)).Uint64("term", uint64(term)).Msg("following new leader")
}

// onBecomeCandidate fans ReqVote out to every shard peer and feeds
// each reply back into the node's vote count, per §4.1's election
// procedure: the node votes for itself implicitly (runForElectionLocked
// already records that) and only needs replies from the rest.
func (o *orchestrator) onBecomeCandidate(term types.TermId, lastLog types.RaftId, peers []types.PeerId) {
	req := wire.ReqVote(uint64(term), lastLog)
	for _, p := range peers {
		peer := p
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RPCTimeout)
			defer cancel()
			resp, err := o.transport.Send(ctx, peer, req)
			if err != nil {
				return
			}
			if resp.Tag != wire.ResponseVote {
				return
			}
			// HandleVoteReply fires node.OnBecomeLeader itself once a
			// majority is reached; onBecomeLeader is not called again here.
			o.node.HandleVoteReply(peer, raftnode.VoteResult{
				Granted: resp.VoteGranted,
				Term:    types.TermId(resp.Term),
			})
		}()
	}
}

// stopAll cancels every active leader replicator and waits for its
// goroutine to return.
func (o *orchestrator) stopAll() {
	o.onStepDown()
	o.wg.Wait()
}
