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

package raftnode

import "jmapraft/internal/types"

// VoteRequest is the decoded body of a wire Vote request.
type VoteRequest struct {
	Candidate types.PeerId
	Term      types.TermId
	LastLog   types.RaftId
}

// VoteResult is what HandleVoteRequest tells the caller to send back.
type VoteResult struct {
	Granted  bool
	StepDown bool
	Term     types.TermId
}

// HandleVoteRequest applies the vote rule: grant at most one vote per
// term, and only to a candidate whose log is at least as up to date as
// ours.
func (n *Node) HandleVoteRequest(req VoteRequest) VoteResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return VoteResult{Granted: false, Term: n.term}
	}
	if req.Term > n.term {
		wasLeaderOrCandidate := n.state == StateLeader || n.state == StateCandidate
		n.stepDownLocked(req.Term)
		if wasLeaderOrCandidate && n.OnStepDown != nil {
			go n.OnStepDown()
		}
	}
	if n.hasVotedFor && n.votedFor != req.Candidate {
		return VoteResult{Granted: false, Term: n.term}
	}
	if req.LastLog.Less(n.lastLog) {
		return VoteResult{Granted: false, Term: n.term}
	}

	n.votedFor = req.Candidate
	n.hasVotedFor = true
	n.state = StateVotedFor
	n.resetDeadline()
	return VoteResult{Granted: true, Term: n.term}
}

// HandleVoteReply records a vote grant/denial from a peer, promoting
// this node to Leader once it has a majority of the shard. Returns the
// shard peer list to replicate to if leadership was just won, else nil.
func (n *Node) HandleVoteReply(peer types.PeerId, reply VoteResult) []types.PeerId {
	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.term {
		n.stepDownLocked(reply.Term)
		if n.OnStepDown != nil {
			go n.OnStepDown()
		}
		return nil
	}
	if n.state != StateCandidate || reply.Term != n.term || !reply.Granted {
		return nil
	}
	p, ok := n.peers[peer]
	if !ok || p.shard != n.shard {
		return nil
	}
	p.voteGranted = true

	if n.votesGrantedLocked() <= n.shardPeerCount()/2 {
		return nil
	}
	peers := n.becomeLeaderLocked()
	if n.OnBecomeLeader != nil {
		cb := n.OnBecomeLeader
		go cb(peers)
	}
	return peers
}

// HandleBecomeFollower processes a BecomeFollower RPC: a peer claims
// leadership for a term at least as high as ours.
func (n *Node) HandleBecomeFollower(leader types.PeerId, term types.TermId) (accepted bool, currentTerm types.TermId) {
	n.mu.Lock()
	wasLeaderOrCandidate := n.state == StateLeader || n.state == StateCandidate
	if term < n.term {
		t := n.term
		n.mu.Unlock()
		return false, t
	}
	n.stepDownLocked(term)
	n.state = StateFollower
	n.mu.Unlock()

	if wasLeaderOrCandidate && n.OnStepDown != nil {
		n.OnStepDown()
	}
	if n.OnBecomeFollower != nil {
		n.OnBecomeFollower(leader, term)
	}
	return true, term
}

// UpsertPeer adds or updates a peer's membership/liveness view, used by
// the liveness feed and by UpdatePeers RPCs.
func (n *Node) UpsertPeer(id types.PeerId, shard types.ShardId, alive bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	if !ok {
		p = &peerView{id: id, shard: shard}
		n.peers[id] = p
	}
	p.shard = shard
	p.alive = alive
}

// RemovePeer drops a peer from the membership view entirely.
func (n *Node) RemovePeer(id types.PeerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
	if ch, ok := n.watches[id]; ok {
		close(ch)
		delete(n.watches, id)
	}
}

// SetPeerLastLog records a peer's self-reported last-log pointer, used
// by the election-timer's "peer ahead of us" back-off check.
func (n *Node) SetPeerLastLog(id types.PeerId, lastLog types.RaftId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.lastLog = lastLog
	}
}
