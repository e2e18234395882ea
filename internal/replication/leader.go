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
	"time"

	"github.com/rs/zerolog"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/raftnode"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

type lrPhase int

const (
	lrBecomeLeader lrPhase = iota
	lrSynchronize
	lrMerge
	lrAppendChanges
	lrAppendBlobs
	lrAppendLogs
	lrWait
)

func (p lrPhase) String() string {
	switch p {
	case lrBecomeLeader:
		return "become_leader"
	case lrSynchronize:
		return "synchronize"
	case lrMerge:
		return "merge"
	case lrAppendChanges:
		return "append_changes"
	case lrAppendBlobs:
		return "append_blobs"
	case lrAppendLogs:
		return "append_logs"
	case lrWait:
		return "wait"
	default:
		return "unknown"
	}
}

type staleColl struct {
	account    types.AccountId
	coll       types.Collection
	changes    types.MergedChanges
	isRollback bool
}

// Leader is the per-follower leader-replicator task (LR). One
// instance is spawned per in-shard peer when this node becomes leader.
type Leader struct {
	self      types.PeerId
	peer      types.PeerId
	node      *raftnode.Node
	store     store.Adapter
	transport Transport
	cfg       Config
	log       zerolog.Logger

	// InitGate, if non-nil, is closed once the leader has stabilized
	// its own commit state; BecomeLeader blocks on it before advancing.
	InitGate <-chan struct{}

	// DocumentSource fetches the current payload for a document id, for
	// the AppendChanges phase to embed in the wire.DocumentUpdate frames
	// it sends a catching-up follower. Left nil in tests that only drive
	// the phase state machine; the document store itself is out of this
	// module's scope.
	DocumentSource func(types.DocumentId) ([]byte, bool, error)

	pendingBlobIDs []types.BlobId
}

// NewLeader constructs a Leader task for one peer.
func NewLeader(self, peer types.PeerId, node *raftnode.Node, st store.Adapter, transport Transport, cfg Config, logger zerolog.Logger) *Leader {
	return &Leader{
		self: self, peer: peer, node: node, store: st, transport: transport, cfg: cfg,
		log: logger.With().Uint64("peer_id", uint64(peer)).Str("task", "leader_replicator").Logger(),
	}
}

// Run drives the phase state machine until ctx is cancelled (the node
// stepped down, or the peer was removed from the shard).
func (l *Leader) Run(ctx context.Context) error {
	phase := lrBecomeLeader
	var matchedLog types.RaftId
	var stale []staleColl
	var followerLastIndex types.LogIndex
	var carry []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch phase {
		case lrBecomeLeader:
			resp, err := l.sendWithRetry(ctx, wire.ReqBecomeFollower(uint64(l.node.Term()), l.node.LastLog()))
			if err != nil {
				if err := l.waitOnline(ctx); err != nil {
					return err
				}
				continue
			}
			switch resp.Tag {
			case wire.ResponseStepDown:
				return jerrors.New(jerrors.KindQuorumLoss, "stepped down while replicating").WithDetail("peer became newer term")
			case wire.ResponseUnregisteredPeer:
				time.Sleep(l.cfg.RPCBackoffBase)
				continue
			case wire.ResponseAppendEntries:
				if resp.AppendEntries.Tag != wire.AERRMatchTag {
					phase = lrSynchronize
					continue
				}
				if l.InitGate != nil {
					select {
					case <-l.InitGate:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				matchLog := resp.AppendEntries.MatchLog
				if matchLog == l.node.LastLog() {
					followerLastIndex = matchLog.Index
					phase = lrAppendLogs
				} else {
					phase = lrSynchronize
				}
			default:
				phase = lrSynchronize
			}

		case lrSynchronize:
			terms, err := l.store.GetRaftMatchTerms()
			if err != nil {
				return err
			}
			resp, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERSynchronize(terms)))
			if err != nil {
				if err := l.waitOnline(ctx); err != nil {
					return err
				}
				phase = lrBecomeLeader
				continue
			}
			if resp.Tag != wire.ResponseAppendEntries || resp.AppendEntries.Tag != wire.AERRSynchronizeTag {
				phase = lrBecomeLeader
				continue
			}
			matchedLog = l.intersectMatchIndexes(resp.AppendEntries.MatchIndexes, terms)
			phase = lrMerge

		case lrMerge:
			resp, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERMerge(matchedLog)))
			if err != nil {
				phase = lrBecomeLeader
				continue
			}
			followerLastIndex = matchedLog.Index
			if resp.Tag == wire.ResponseAppendEntries && resp.AppendEntries.Tag == wire.AERRUpdateTag {
				changes, err := store.DecodeMergedChanges(resp.AppendEntries.Changes)
				if err != nil {
					return err
				}
				stale = append(stale, staleColl{resp.AppendEntries.Account, resp.AppendEntries.Coll, changes, resp.AppendEntries.IsRollback})
				phase = lrAppendChanges
			} else {
				phase = lrAppendLogs
			}

		case lrAppendChanges:
			if len(stale) == 0 {
				phase = lrAppendLogs
				continue
			}
			sc := stale[0]
			stale = stale[1:]
			updates := make([]wire.Update, 0, len(sc.changes.Deletes)+len(sc.changes.Inserts)+len(sc.changes.Updates))
			updates = append(updates, wire.UpdateBegin(sc.account, sc.coll))
			for id := range sc.changes.Deletes {
				updates = append(updates, wire.UpdateDocument(wire.DocumentUpdate{DocumentId: id, Delete: true}))
			}
			if sc.isRollback {
				// These ids were only ever inserted on the diverged
				// follower; the leader has no content for them, so the
				// follower must discard them rather than receive a body.
				for id := range sc.changes.Inserts {
					updates = append(updates, wire.UpdateDocument(wire.DocumentUpdate{DocumentId: id, Delete: true}))
				}
			} else {
				for id := range sc.changes.Inserts {
					doc, err := l.fetchDocument(id)
					if err != nil {
						return err
					}
					updates = append(updates, wire.UpdateDocument(doc))
				}
			}
			for id := range sc.changes.Updates {
				doc, err := l.fetchDocument(id)
				if err != nil {
					return err
				}
				updates = append(updates, wire.UpdateDocument(doc))
			}
			updates = append(updates, wire.UpdateEof())

			resp, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERUpdate(uint64(followerLastIndex), updates)))
			if err != nil {
				phase = lrBecomeLeader
				continue
			}
			if resp.Tag == wire.ResponseAppendEntries && resp.AppendEntries.Tag == wire.AERRFetchBlobsTag {
				stale = append([]staleColl{sc}, stale...)
				phase = lrAppendBlobs
				l.pendingBlobIDs = resp.AppendEntries.BlobIds
				continue
			}

		case lrAppendBlobs:
			for _, id := range l.pendingBlobIDs {
				raw, ok, err := l.store.BlobGet(id)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				compressed, err := wire.CompressBlob(raw)
				if err != nil {
					return err
				}
				if _, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERUpdate(uint64(followerLastIndex), []wire.Update{wire.UpdateBlob(id, compressed)}))); err != nil {
					phase = lrBecomeLeader
					break
				}
			}
			l.pendingBlobIDs = nil
			if phase == lrAppendBlobs {
				phase = lrAppendChanges
			}

		case lrAppendLogs:
			uncommitted := l.node.UncommittedIndex()
			if uncommitted <= followerLastIndex {
				phase = lrWait
				continue
			}
			records, remaining, lastIndex, err := l.store.GetLogEntries(followerLastIndex, uncommitted, carry, l.cfg.MaxBatchSizeBytes)
			if err != nil {
				return err
			}
			carry = remaining
			updates := make([]wire.Update, 0, len(records)*2)
			for _, rec := range records {
				var lastColl types.Collection
				first := true
				for coll := range rec.Entry.ChangedCollections {
					if first || coll != lastColl {
						updates = append(updates, wire.UpdateBegin(rec.Entry.AccountId, coll))
						first = false
						lastColl = coll
					}
					updates = append(updates, wire.UpdateLog(rec.RaftId, rec.Bytes))
					if payload, ok, err := l.store.GetChangeBytes(rec.Entry.AccountId, coll, rec.RaftId.Index); err == nil && ok {
						updates = append(updates, wire.UpdateChange(payload))
					}
				}
			}
			updates = append(updates, wire.UpdateEof())

			resp, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERUpdate(uint64(uncommitted), updates)))
			if err != nil {
				phase = lrBecomeLeader
				continue
			}
			if resp.Tag == wire.ResponseAppendEntries && resp.AppendEntries.Tag == wire.AERRUpdateTag {
				changes, err := store.DecodeMergedChanges(resp.AppendEntries.Changes)
				if err != nil {
					return err
				}
				stale = append(stale, staleColl{resp.AppendEntries.Account, resp.AppendEntries.Coll, changes, resp.AppendEntries.IsRollback})
				phase = lrAppendChanges
				continue
			}
			if resp.Tag != wire.ResponseAppendEntries || resp.AppendEntries.Tag != wire.AERRDoneTag {
				phase = lrWait
				continue
			}
			upToIndex := types.LogIndex(resp.AppendEntries.UpToIndex)
			followerLastIndex = lastIndex
			newCommit, _ := l.node.ReportMatchIndex(l.peer, upToIndex)
			// The follower's commit gate only opens on an explicit
			// AdvanceCommitIndex: it never infers commit progress from
			// AppendLogs traffic alone, so every caught-up batch is
			// followed by telling it how far this node has confirmed.
			if _, err := l.sendWithRetry(ctx, wire.ReqAppendEntries(uint64(l.node.Term()), wire.AERAdvanceCommitIndex(uint64(newCommit)))); err != nil {
				phase = lrBecomeLeader
				continue
			}
			if upToIndex < uncommitted {
				continue
			}
			phase = lrWait

		case lrWait:
			watch := l.node.Watch(l.peer)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-watch:
				if !ok {
					return nil
				}
				_ = v
				if !l.transport.Online(l.peer) {
					if err := l.waitOnline(ctx); err != nil {
						return err
					}
					phase = lrBecomeLeader
					continue
				}
				phase = lrAppendLogs
			}
		}
	}
}

// fetchDocument builds the wire frame for one changed document id. A
// missing DocumentSource degrades to an empty-payload frame rather than
// failing the phase, as the documented cross-module simplification. A
// payload the source no longer has becomes a Delete frame, because the
// document was already removed and the follower should just discard it.
func (l *Leader) fetchDocument(id types.DocumentId) (wire.DocumentUpdate, error) {
	if l.DocumentSource == nil {
		return wire.DocumentUpdate{DocumentId: id}, nil
	}
	payload, ok, err := l.DocumentSource(id)
	if err != nil {
		return wire.DocumentUpdate{}, err
	}
	if !ok {
		return wire.DocumentUpdate{DocumentId: id, Delete: true}, nil
	}
	return wire.DocumentUpdate{DocumentId: id, Payload: payload}, nil
}

func (l *Leader) waitOnline(ctx context.Context) error {
	for !l.transport.Online(l.peer) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RPCBackoffBase):
		}
	}
	return nil
}

func (l *Leader) sendWithRetry(ctx context.Context, req wire.Request) (wire.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.RPCRetriesMax; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.RPCTimeout)
		resp, err := l.transport.Send(cctx, l.peer, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return wire.Response{}, ctx.Err()
		case <-time.After(backoffDuration(l.cfg, attempt)):
		}
	}
	return wire.Response{}, jerrors.TransientTransport("rpc retries exhausted", lastErr)
}

// intersectMatchIndexes ANDs the follower's reported index bitmap for
// the highest common term against this node's own, returning the
// highest surviving (term, index) pair.
func (l *Leader) intersectMatchIndexes(peerBitmap []byte, terms []types.RaftId) types.RaftId {
	if len(terms) == 0 {
		return types.RaftId{}
	}
	highestTerm := terms[len(terms)-1]
	_, localBitmap, err := l.store.GetRaftMatchIndexes(highestTerm.Index)
	if err != nil {
		return highestTerm
	}
	best := types.RaftId{Term: highestTerm.Term, Index: highestTerm.Index}
	n := len(peerBitmap)
	if len(localBitmap) < n {
		n = len(localBitmap)
	}
	for byteIdx := n - 1; byteIdx >= 0; byteIdx-- {
		common := peerBitmap[byteIdx] & localBitmap[byteIdx]
		if common == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if common&(1<<uint(bit)) != 0 {
				index := highestTerm.Index + types.LogIndex(byteIdx*8+bit)
				return types.RaftId{Term: highestTerm.Term, Index: index}
			}
		}
	}
	return best
}
