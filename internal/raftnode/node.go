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

/*
Package raftnode owns the consensus state machine: election timers,
vote counting, step-down, and commit index advancement by median of
match indexes.

The node never imports the leader/follower replication tasks it
drives. Spawning those tasks on a state transition is the caller's
job, wired through the OnBecomeLeader/OnBecomeFollower/OnStepDown
callbacks — an arena-of-peers via PeerId, not a graph of cross-owning
pointers, per the redesign notes this module follows.
*/
package raftnode

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jmapraft/internal/types"
)

// State is the Raft node's discriminated state, mirroring
// S ∈ { Wait, Candidate, VotedFor, Leader, Follower }.
type State int

const (
	StateWait State = iota
	StateCandidate
	StateVotedFor
	StateLeader
	StateFollower
)

func (s State) String() string {
	switch s {
	case StateWait:
		return "wait"
	case StateCandidate:
		return "candidate"
	case StateVotedFor:
		return "voted_for"
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// Config is the election/commit timing configuration (§6's
// configuration table, the Raft-relevant subset).
type Config struct {
	ElectionTimeoutBaseMs   int
	ElectionTimeoutJitterLo int
	ElectionTimeoutJitterHi int
	CommitTimeoutMs         int
	// StartWithTombstonesEnabled controls whether a follower coming up
	// from an empty store starts with tombstone deletion enabled.
	StartWithTombstonesEnabled bool
}

// DefaultConfig returns the timing defaults named in §6.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutBaseMs:      1000,
		ElectionTimeoutJitterLo:    50,
		ElectionTimeoutJitterHi:    300,
		CommitTimeoutMs:            1000,
		StartWithTombstonesEnabled: true,
	}
}

// peerView is RN's private view of one in-shard peer.
type peerView struct {
	id          types.PeerId
	shard       types.ShardId
	alive       bool
	lastLog     types.RaftId
	voteGranted bool
	matchIndex  types.LogIndex
}

func (p *peerView) healthy() bool { return p.alive }

// Node is the Raft consensus state machine for one shard membership.
type Node struct {
	mu sync.Mutex

	selfID types.PeerId
	shard  types.ShardId
	cfg    Config
	rng    *rand.Rand
	log    zerolog.Logger

	term             types.TermId
	votedFor         types.PeerId
	hasVotedFor      bool
	state            State
	lastLog          types.RaftId
	uncommittedIndex types.LogIndex
	electionDeadline time.Time
	pendingRollback  bool

	peers map[types.PeerId]*peerView

	watches map[types.PeerId]chan CommitWatch

	stopCh chan struct{}
	timer  *time.Timer

	// OnBecomeLeader fires (outside the lock) whenever this node wins
	// an election, with the set of in-shard peers to replicate to.
	OnBecomeLeader func(peers []types.PeerId)
	// OnBecomeFollower fires whenever this node starts following a
	// leader discovered via AppendEntries/BecomeFollower.
	OnBecomeFollower func(leader types.PeerId, term types.TermId)
	// OnStepDown fires whenever the node drops out of Leader/Candidate.
	OnStepDown func()
	// OnBecomeCandidate fires (outside the lock) whenever the election
	// timer starts a new term, with the shard peers to solicit votes
	// from and the log position to offer as this node's credentials.
	OnBecomeCandidate func(term types.TermId, lastLog types.RaftId, peers []types.PeerId)
}

// CommitWatch is the value LR's Wait phase blocks on: the leader's
// current last-log index and uncommitted index for one peer.
type CommitWatch struct {
	LastLogIndex     types.LogIndex
	UncommittedIndex types.LogIndex
}

// New constructs a Node in its initial Wait state.
func New(selfID types.PeerId, shard types.ShardId, cfg Config, logger zerolog.Logger) *Node {
	n := &Node{
		selfID:  selfID,
		shard:   shard,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(selfID))),
		log:     logger.With().Uint64("node_id", uint64(selfID)).Uint32("shard_id", uint32(shard)).Logger(),
		state:   StateWait,
		lastLog: types.None,
		peers:   make(map[types.PeerId]*peerView),
		watches: make(map[types.PeerId]chan CommitWatch),
		stopCh:  make(chan struct{}),
	}
	n.lastLog = types.RaftId{Term: 0, Index: 0}
	n.electionDeadline = time.Now().Add(n.electionTimeout())
	return n
}

func (n *Node) electionTimeout() time.Duration {
	jitter := n.cfg.ElectionTimeoutJitterLo + n.rng.Intn(n.cfg.ElectionTimeoutJitterHi-n.cfg.ElectionTimeoutJitterLo+1)
	return time.Duration(n.cfg.ElectionTimeoutBaseMs+jitter) * time.Millisecond
}

// Run drives the election timer until Stop is called. Intended to run
// in its own goroutine.
func (n *Node) Run() {
	n.mu.Lock()
	deadline := n.electionDeadline
	n.mu.Unlock()

	n.timer = time.NewTimer(time.Until(deadline))
	defer n.timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.timer.C:
			n.tick()
			n.mu.Lock()
			d := time.Until(n.electionDeadline)
			n.mu.Unlock()
			if d < 0 {
				d = 0
			}
			n.timer.Reset(d)
		}
	}
}

// Stop terminates the election-timer goroutine.
func (n *Node) Stop() { close(n.stopCh) }

func (n *Node) resetDeadline() {
	n.electionDeadline = time.Now().Add(n.electionTimeout())
}

func (n *Node) hasElectionQuorum() bool {
	healthy := 1 // self
	total := 1
	for _, p := range n.peers {
		if p.shard != n.shard {
			continue
		}
		total++
		if p.healthy() {
			healthy++
		}
	}
	return healthy >= (total+1)/2
}

func (n *Node) shardPeerCount() int {
	count := 1
	for _, p := range n.peers {
		if p.shard == n.shard {
			count++
		}
	}
	return count
}

// tick implements §4.1's four-step election-timer procedure. A leader
// never runs for election against itself: its deadline is reset on
// becoming leader and again here as a backstop, so a stale pre-leader
// firing can't demote it without an actual step-down event.
func (n *Node) tick() {
	n.mu.Lock()

	if n.state == StateLeader {
		n.resetDeadline()
		n.mu.Unlock()
		return
	}

	if !n.hasElectionQuorum() {
		n.resetDeadline()
		n.mu.Unlock()
		return
	}

	for _, p := range n.peers {
		if p.shard == n.shard && p.healthy() && n.lastLog.Less(p.lastLog) {
			n.resetDeadline()
			n.mu.Unlock()
			return
		}
	}

	if n.pendingRollback {
		n.resetDeadline()
		n.mu.Unlock()
		return
	}

	peers := n.runForElectionLocked()
	if n.OnBecomeCandidate != nil {
		cb, term, lastLog := n.OnBecomeCandidate, n.term, n.lastLog
		go cb(term, lastLog, peers)
	}
	n.mu.Unlock()
}

func (n *Node) runForElectionLocked() []types.PeerId {
	n.term++
	n.state = StateCandidate
	n.hasVotedFor = false
	n.votedFor = n.selfID
	n.hasVotedFor = true
	var shardPeers []types.PeerId
	for id, p := range n.peers {
		p.voteGranted = false
		if p.shard == n.shard {
			shardPeers = append(shardPeers, id)
		}
	}
	n.resetDeadline()
	n.log.Info().Uint64("term", uint64(n.term)).Msg("starting election")
	return shardPeers
}

// SetPendingRollback records whether a rollback is outstanding, forcing
// ticks to back off per §4.1 step 3.
func (n *Node) SetPendingRollback(pending bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingRollback = pending
}

// Term returns the current term.
func (n *Node) Term() types.TermId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// State returns the current state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// LastLog returns the node's current last-log pointer.
func (n *Node) LastLog() types.RaftId {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastLog
}

// SetLastLog is called by the leader/follower tasks once a write (or a
// rollback) changes the local log tail.
func (n *Node) SetLastLog(id types.RaftId) {
	n.mu.Lock()
	n.lastLog = id
	n.mu.Unlock()
}

// votesGrantedLocked counts the votes this node currently holds, self included.
func (n *Node) votesGrantedLocked() int {
	votes := 1
	for _, p := range n.peers {
		if p.shard == n.shard && p.voteGranted {
			votes++
		}
	}
	return votes
}

func (n *Node) becomeLeaderLocked() []types.PeerId {
	n.state = StateLeader
	var shardPeers []types.PeerId
	for id, p := range n.peers {
		if p.shard == n.shard {
			p.matchIndex = 0
			shardPeers = append(shardPeers, id)
		}
	}
	n.resetDeadline()
	n.log.Info().Uint64("term", uint64(n.term)).Int("peers", len(shardPeers)).Msg("became leader")
	return shardPeers
}

// stepDownLocked is the generic "lost leadership/candidacy" transition:
// it lands in Wait, not Follower, since at this point no specific
// leader has been identified. HandleBecomeFollower overrides the
// resulting state to Follower once it has, which remains correct.
func (n *Node) stepDownLocked(newTerm types.TermId) {
	wasLeader := n.state == StateLeader
	wasCandidate := n.state == StateCandidate
	n.state = StateWait
	if newTerm > n.term {
		n.term = newTerm
		n.hasVotedFor = false
	}
	n.resetDeadline()
	if wasLeader || wasCandidate {
		n.log.Info().Uint64("term", uint64(n.term)).Msg("stepping down")
	}
}
