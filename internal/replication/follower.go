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
	"github.com/rs/zerolog"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

type frState int

const (
	frSynchronize frState = iota
	frAppendEntries
	frAppendChanges
	frAppendBlobs
	frRollback
)

type accountColl struct {
	account types.AccountId
	coll    types.Collection
}

// Follower is the per-leader follower-receiver task (FR). One instance
// handles the inbound stream from a single leader connection.
type Follower struct {
	self  types.PeerId
	store store.Adapter
	log   zerolog.Logger

	state frState

	leaderCommitIndex types.LogIndex
	commitIndex       types.LogIndex
	uncommittedIndex  types.LogIndex
	mergeIndex        types.LogIndex
	sequenceID        uint32

	changedAccounts map[accountColl]struct{}
	pendingBlobs    map[types.BlobId]struct{}
	currentAccount  types.AccountId
	currentColl     types.Collection

	rollbackQueue []accountColl

	// ApplyToDocumentStore applies one drained pending update to the
	// JMAP document store. Left nil in tests that only exercise the
	// replication-core bookkeeping; the document store itself is out of
	// this module's scope.
	ApplyToDocumentStore func(store.PendingUpdate) error
}

// NewFollower constructs a Follower task and runs its startup steps
// (see startup).
func NewFollower(self types.PeerId, st store.Adapter, logger zerolog.Logger) (*Follower, error) {
	f := &Follower{
		self:            self,
		store:           st,
		log:             logger.With().Str("task", "follower_receiver").Logger(),
		changedAccounts: make(map[accountColl]struct{}),
		pendingBlobs:    make(map[types.BlobId]struct{}),
	}
	if err := f.startup(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Follower) startup() error {
	// Set the stored leader commit index to MAX. No tombstones are
	// discarded here.
	if err := f.store.SetLeaderCommitIndex(^types.LogIndex(0)); err != nil {
		return err
	}
	// Read the persisted follower commit index. Pending rows and R/C
	// entries above it are kept: nothing is drained or truncated here,
	// and the follower commit index is then set to the last log index.
	followerCommit, err := f.store.FollowerCommitIndex()
	if err != nil {
		return err
	}
	f.commitIndex = followerCommit

	last, err := f.store.LastLog()
	if err != nil {
		return err
	}
	f.uncommittedIndex = last.Index
	f.mergeIndex = last.Index
	if err := f.store.SetFollowerCommitIndex(last.Index); err != nil {
		return err
	}

	_, _, _, ok, err := f.store.NextRollbackChange()
	if err != nil {
		return err
	}
	if ok {
		f.state = frRollback
	} else {
		f.state = frSynchronize
	}
	return nil
}

// HandleRequest processes one inbound wire.Request and returns the
// wire.Response to send back.
func (f *Follower) HandleRequest(req wire.Request) (wire.Response, error) {
	if req.Tag != wire.RequestAppendEntries {
		return wire.RespNone(), jerrors.ProtocolDivergence("follower receiver only accepts append-entries requests")
	}
	aer := req.AppendEntries

	switch aer.Tag {
	case wire.AERBecomeFollowerMatch:
		matchLog, ok, err := f.store.GetPrevRaftId(aer.LastLog)
		if err != nil {
			return wire.Response{}, err
		}
		if !ok {
			matchLog = types.None
		}
		return wire.RespAppendEntries(wire.AERRMatch(matchLog)), nil

	case wire.AERSynchronizeTag:
		localTerms, err := f.store.GetRaftMatchTerms()
		if err != nil {
			return wire.Response{}, err
		}
		common := deepestCommonTerm(aer.MatchTerms, localTerms)
		if common.IsNone() {
			return wire.RespAppendEntries(wire.AERRSynchronize(nil)), nil
		}
		_, bitmap, err := f.store.GetRaftMatchIndexes(common.Index)
		if err != nil {
			return wire.Response{}, err
		}
		return wire.RespAppendEntries(wire.AERRSynchronize(bitmap)), nil

	case wire.AERMergeTag:
		if err := f.store.PrepareRollbackChanges(aer.MatchedLog.Index); err != nil {
			return wire.Response{}, err
		}
		account, coll, changes, ok, err := f.store.NextRollbackChange()
		if err != nil {
			return wire.Response{}, err
		}
		if !ok {
			f.state = frAppendEntries
			return wire.RespAppendEntries(wire.AERRContinue()), nil
		}
		f.state = frRollback
		f.rollbackQueue = append(f.rollbackQueue, accountColl{account, coll})
		return wire.RespAppendEntries(wire.AERRUpdate(account, coll, store.EncodeMergedChanges(changes), true)), nil

	case wire.AERUpdateTag:
		return f.handleUpdate(aer)

	case wire.AERAdvanceCommitIndexTag:
		f.leaderCommitIndex = types.LogIndex(aer.CommitIndex)
		if err := f.commitUpdates(); err != nil {
			return wire.Response{}, err
		}
		return wire.RespAppendEntries(wire.AERRDone(uint64(f.uncommittedIndex))), nil
	}

	return wire.RespNone(), jerrors.ProtocolDivergence("unhandled append-entries-request tag")
}

func (f *Follower) handleUpdate(aer wire.AppendEntriesRequest) (wire.Response, error) {
	switch f.state {
	case frAppendEntries, frSynchronize:
		for _, u := range aer.Updates {
			switch u.Tag {
			case wire.UpdateBeginTag:
				f.currentAccount, f.currentColl = u.Account, u.Coll
			case wire.UpdateLogTag:
				if err := f.store.InsertRaftEntries([]store.RaftEntryWrite{{RaftId: u.RaftId, Entry: types.LogEntry{Kind: types.LogEntryItem, AccountId: f.currentAccount}}}); err != nil {
					return wire.Response{}, err
				}
				if u.RaftId.Index < f.mergeIndex {
					f.mergeIndex = u.RaftId.Index
				}
				f.uncommittedIndex = u.RaftId.Index
			case wire.UpdateChangeTag:
				if err := f.store.WriteChange(f.currentAccount, f.currentColl, f.uncommittedIndex, u.Bytes); err != nil {
					return wire.Response{}, err
				}
				f.changedAccounts[accountColl{f.currentAccount, f.currentColl}] = struct{}{}
			case wire.UpdateEofTag:
				f.state = frAppendEntries
				return f.requestUpdates()
			}
		}
		return wire.RespAppendEntries(wire.AERRContinue()), nil

	case frAppendChanges:
		missing := map[types.BlobId]struct{}{}
		pending := make([]wire.Update, 0, len(aer.Updates))
		for _, u := range aer.Updates {
			if u.Tag != wire.UpdateDocumentTag || u.Document.Delete {
				pending = append(pending, u)
				continue
			}
			for _, ref := range u.Document.BlobRefs {
				if exists, _ := f.store.BlobExists(ref); !exists {
					missing[ref] = struct{}{}
				}
			}
			pending = append(pending, u)
		}
		if len(missing) > 0 {
			ids := make([]types.BlobId, 0, len(missing))
			for id := range missing {
				ids = append(ids, id)
				f.pendingBlobs[id] = struct{}{}
			}
			f.state = frAppendBlobs
			return wire.RespAppendEntries(wire.AERRFetchBlobs(ids)), nil
		}
		var deleteIds []types.DocumentId
		for _, u := range pending {
			if u.Tag != wire.UpdateDocumentTag {
				continue
			}
			if u.Document.Delete {
				deleteIds = append(deleteIds, u.Document.DocumentId)
				continue
			}
			encoded := store.EncodePendingUpdate(store.PendingUpdate{Kind: store.PendingUpdateDoc, DocumentID: u.Document.DocumentId, Payload: u.Document.Payload})
			if err := f.store.PutPendingUpdate(f.uncommittedIndex, f.sequenceID, encoded); err != nil {
				return wire.Response{}, err
			}
			f.sequenceID++
		}
		if len(deleteIds) > 0 {
			encoded := store.EncodePendingUpdate(store.PendingUpdate{Kind: store.PendingDelete, DeleteIds: deleteIds})
			if err := f.store.PutPendingUpdate(f.uncommittedIndex, f.sequenceID, encoded); err != nil {
				return wire.Response{}, err
			}
			f.sequenceID++
		}
		// This (account, coll)'s batch is fully staged; fall back to
		// frAppendEntries and let requestUpdates check for any other
		// collection still owed a catch-up, or commit if none remain.
		f.state = frAppendEntries
		return f.requestUpdates()

	case frAppendBlobs:
		for _, u := range aer.Updates {
			if u.Tag != wire.UpdateBlobTag {
				continue
			}
			raw, err := wire.DecompressBlob(u.Blob, u.BlobId)
			if err != nil {
				return wire.Response{}, err
			}
			if err := f.store.BlobStore(u.BlobId, raw); err != nil {
				return wire.Response{}, err
			}
			delete(f.pendingBlobs, u.BlobId)
		}
		if len(f.pendingBlobs) == 0 {
			f.state = frAppendChanges
		}
		return wire.RespAppendEntries(wire.AERRContinue()), nil
	}
	return wire.RespAppendEntries(wire.AERRContinue()), nil
}

// requestUpdates implements §4.4.a: for each changed (account,
// collection != Thread) pull the merged changes and ask the leader for
// document bodies, or commit immediately when nothing to fetch.
func (f *Follower) requestUpdates() (wire.Response, error) {
	for ac := range f.changedAccounts {
		if ac.coll.IsThread() {
			delete(f.changedAccounts, ac)
			continue
		}
		changes, err := f.store.MergeChanges(ac.account, ac.coll, f.mergeIndex, f.uncommittedIndex)
		if err != nil {
			return wire.Response{}, err
		}
		if len(changes.Deletes) > 0 {
			ids := make([]types.DocumentId, 0, len(changes.Deletes))
			for id := range changes.Deletes {
				ids = append(ids, id)
			}
			encoded := store.EncodePendingUpdate(store.PendingUpdate{Kind: store.PendingDelete, DeleteIds: ids})
			if err := f.store.PutPendingUpdate(f.uncommittedIndex, f.sequenceID, encoded); err != nil {
				return wire.Response{}, err
			}
			f.sequenceID++
		}
		if len(changes.Inserts) == 0 && len(changes.Updates) == 0 {
			delete(f.changedAccounts, ac)
			continue
		}
		// The merge window advances to uncommittedIndex now, not once the
		// fetched bodies land: otherwise a leader retry or a later batch
		// that re-touches this (account, coll) would re-walk the same
		// change rows and ask for the same documents again.
		f.mergeIndex = f.uncommittedIndex
		delete(f.changedAccounts, ac)
		f.state = frAppendChanges
		return wire.RespAppendEntries(wire.AERRUpdate(ac.account, ac.coll, store.EncodeMergedChanges(changes), false)), nil
	}
	return f.commitUpdatesResponse()
}

func (f *Follower) commitUpdatesResponse() (wire.Response, error) {
	if err := f.commitUpdates(); err != nil {
		return wire.Response{}, err
	}
	return wire.RespAppendEntries(wire.AERRDone(uint64(f.uncommittedIndex))), nil
}

// commitUpdates implements §4.4.b: drains staged pending rows in
// ascending (index, seq) order and applies them to the document store,
// deletes before non-deletes within the batch to avoid id-reuse
// collisions (§5 ordering guarantee).
func (f *Follower) commitUpdates() error {
	if f.leaderCommitIndex < f.uncommittedIndex {
		return nil
	}
	pending, err := f.store.DrainPendingUpdates(f.uncommittedIndex)
	if err != nil {
		return err
	}
	var deletes, rest []store.PendingUpdate
	for _, p := range pending {
		if p.Kind == store.PendingDelete {
			deletes = append(deletes, p)
		} else {
			rest = append(rest, p)
		}
	}
	if f.ApplyToDocumentStore != nil {
		for _, p := range deletes {
			if err := f.ApplyToDocumentStore(p); err != nil {
				return err
			}
		}
		for _, p := range rest {
			if err := f.ApplyToDocumentStore(p); err != nil {
				return err
			}
		}
	}
	if err := f.store.SetFollowerCommitIndex(f.uncommittedIndex); err != nil {
		return err
	}
	f.commitIndex = f.uncommittedIndex
	return nil
}

// HandleRollback processes one Rollback{account, collection, changes}
// descriptor per spec §4.4, clearing inserts and applying any
// leader-rewritten updates before advancing to the next descriptor.
func (f *Follower) HandleRollback(account types.AccountId, coll types.Collection, changes types.MergedChanges) (wire.Response, error) {
	if f.ApplyToDocumentStore != nil {
		for id := range changes.Inserts {
			if err := f.ApplyToDocumentStore(store.PendingUpdate{Kind: store.PendingDelete, DeleteIds: []types.DocumentId{id}}); err != nil {
				return wire.Response{}, err
			}
		}
	}
	changes.Inserts = map[types.DocumentId]struct{}{}
	if len(changes.Updates) == 0 && len(changes.Deletes) == 0 {
		if err := f.store.RemoveRollbackChange(account, coll); err != nil {
			return wire.Response{}, err
		}
		if len(f.rollbackQueue) > 0 {
			f.rollbackQueue = f.rollbackQueue[1:]
		}
		if len(f.rollbackQueue) == 0 {
			last, err := f.store.LastLog()
			if err != nil {
				return wire.Response{}, err
			}
			f.state = frSynchronize
			return wire.RespAppendEntries(wire.AERRMatch(last)), nil
		}
	}
	return wire.RespAppendEntries(wire.AERRContinue()), nil
}

// deepestCommonTerm walks both match-term spines (each sorted ascending
// by index, one entry per distinct term) to find the deepest (term,
// index) pair both sides agree starts a shared term.
func deepestCommonTerm(remote, local []types.RaftId) types.RaftId {
	localByTerm := make(map[types.TermId]types.RaftId, len(local))
	for _, id := range local {
		localByTerm[id.Term] = id
	}
	best := types.None
	for _, r := range remote {
		l, ok := localByTerm[r.Term]
		if !ok {
			continue
		}
		start := r
		if l.Index < start.Index {
			start = l
		}
		if best.IsNone() || r.Term > best.Term {
			best = start
		}
	}
	return best
}
