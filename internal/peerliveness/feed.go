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
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jmapraft/internal/types"
)

// Status is the payload on_peer_status hands to whatever is consuming
// liveness transitions (§4.5): alive flag, the peer's last known log
// position, its shard, and the epoch/generation pair it last announced
// over a heartbeat or discovery record.
type Status struct {
	PeerId     types.PeerId
	Alive      bool
	LastLog    types.RaftId
	Shard      types.ShardId
	Epoch      uint64
	Generation uint64
}

// Sink receives peer status transitions. raftnode.Node satisfies this
// indirectly through the RaftSink adapter below; a server-level
// orchestrator can wrap that to additionally spawn/stop leader
// replicator tasks on alive transitions while it holds leadership.
type Sink interface {
	OnPeerStatus(Status)
}

// Config tunes the phi-accrual detector and the poll cadence used to
// evaluate it.
type Config struct {
	Threshold      float64
	MinSamples     int
	MaxSamples     int
	CheckInterval  time.Duration
	HeartbeatTTL   time.Duration
}

// DefaultConfig matches the teacher's failure detector defaults,
// adapted to Raft node heartbeat cadence rather than cluster gossip.
func DefaultConfig() Config {
	return Config{
		Threshold:     8.0,
		MinSamples:    4,
		MaxSamples:    64,
		CheckInterval: 200 * time.Millisecond,
		HeartbeatTTL:  10 * time.Second,
	}
}

type peerState struct {
	detector   *Detector
	shard      types.ShardId
	lastLog    types.RaftId
	epoch      uint64
	generation uint64
	wasAlive   bool
	lastSeen   time.Time
}

// Feed tracks every known peer's phi-accrual detector and emits
// alive/offline transitions to a Sink. It knows nothing about Raft
// roles or replication tasks; it only classifies heartbeats.
type Feed struct {
	mu    sync.Mutex
	cfg   Config
	sink  Sink
	log   zerolog.Logger
	peers map[types.PeerId]*peerState
}

// NewFeed constructs a Feed bound to sink.
func NewFeed(cfg Config, sink Sink, logger zerolog.Logger) *Feed {
	return &Feed{
		cfg:   cfg,
		sink:  sink,
		log:   logger.With().Str("component", "peerliveness").Logger(),
		peers: make(map[types.PeerId]*peerState),
	}
}

// RecordHeartbeat feeds one observed heartbeat (or any message that
// proves the peer is reachable) into its detector, creating the
// detector on first sight.
func (f *Feed) RecordHeartbeat(peer types.PeerId, shard types.ShardId, lastLog types.RaftId, epoch, generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps, ok := f.peers[peer]
	if !ok {
		ps = &peerState{detector: NewDetector(f.cfg.Threshold, f.cfg.MinSamples, f.cfg.MaxSamples)}
		f.peers[peer] = ps
	}
	ps.detector.Heartbeat()
	ps.shard = shard
	ps.lastLog = lastLog
	ps.epoch = epoch
	ps.generation = generation
	ps.lastSeen = time.Now()
}

// Forget removes a peer entirely, e.g. when it is decommissioned from
// the shard's membership list.
func (f *Feed) Forget(peer types.PeerId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, peer)
}

// IsAlive reports peer's last-evaluated classification. An unknown
// peer (no heartbeat recorded yet) is reported not alive.
func (f *Feed) IsAlive(peer types.PeerId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps, ok := f.peers[peer]
	return ok && ps.wasAlive
}

// Run polls every tracked detector at cfg.CheckInterval and emits a
// Status to the sink whenever a peer's alive/offline classification
// flips. It returns when ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.evaluate()
		}
	}
}

func (f *Feed) evaluate() {
	f.mu.Lock()
	var transitions []Status
	for peer, ps := range f.peers {
		alive := !ps.detector.IsFailed() && time.Since(ps.lastSeen) < f.cfg.HeartbeatTTL
		if alive != ps.wasAlive {
			ps.wasAlive = alive
			transitions = append(transitions, Status{
				PeerId:     peer,
				Alive:      alive,
				LastLog:    ps.lastLog,
				Shard:      ps.shard,
				Epoch:      ps.epoch,
				Generation: ps.generation,
			})
		}
	}
	f.mu.Unlock()

	for _, s := range transitions {
		f.log.Info().
			Uint64("peer", uint64(s.PeerId)).
			Bool("alive", s.Alive).
			Uint32("shard", uint32(s.Shard)).
			Msg("peer liveness transition")
		f.sink.OnPeerStatus(s)
	}
}
