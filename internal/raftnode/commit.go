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

import (
	"sort"

	"jmapraft/internal/types"
)

// ReportMatchIndex is called by the leader replicator once a peer's
// AppendEntriesResponse confirms it holds entries up to matchIndex. It
// recomputes the commit index as the median of
// {uncommitted_index+1} ∪ {peer.match_index+1 : peer healthy}, advancing
// the leader's commit index when a majority agree, then republishes the
// new watch value for every subscribed peer.
func (n *Node) ReportMatchIndex(peer types.PeerId, matchIndex types.LogIndex) (newCommit types.LogIndex, advanced bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateLeader {
		return 0, false
	}
	p, ok := n.peers[peer]
	if !ok || p.shard != n.shard {
		return 0, false
	}
	if matchIndex > p.matchIndex {
		p.matchIndex = matchIndex
	}

	candidates := []types.LogIndex{n.uncommittedIndex + 1}
	for _, peerView := range n.peers {
		if peerView.shard == n.shard && peerView.healthy() {
			candidates = append(candidates, peerView.matchIndex+1)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	median := candidates[len(candidates)/2]

	if median == 0 || median-1 <= n.uncommittedIndex {
		return n.uncommittedIndex, false
	}

	n.uncommittedIndex = median - 1
	n.publishWatchesLocked()
	return n.uncommittedIndex, true
}

// UncommittedIndex returns the leader's current uncommitted index (the
// last index confirmed durable on this node's own log, not yet proven
// replicated to a majority).
func (n *Node) UncommittedIndex() types.LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uncommittedIndex
}

// SetUncommittedIndex is called whenever the leader appends a new entry
// to its own log, before replication confirms it.
func (n *Node) SetUncommittedIndex(index types.LogIndex) {
	n.mu.Lock()
	n.uncommittedIndex = index
	n.publishWatchesLocked()
	n.mu.Unlock()
}

// Watch returns the channel a leader-replicator task for peer should
// block on during its Wait phase. The channel holds at most one
// pending value; a new publish overwrites a stale unread one.
func (n *Node) Watch(peer types.PeerId) <-chan CommitWatch {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.watches[peer]
	if !ok {
		ch = make(chan CommitWatch, 1)
		n.watches[peer] = ch
	}
	return ch
}

func (n *Node) publishWatchesLocked() {
	v := CommitWatch{LastLogIndex: n.lastLog.Index, UncommittedIndex: n.uncommittedIndex}
	for _, ch := range n.watches {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}
