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

// Package types holds the identifiers and value types shared by every
// layer of the replication core: the change log, the store adapter, the
// Raft node, and the leader/follower replication tasks.
package types

import (
	"encoding/binary"
	"math"
)

// PeerId identifies a node within a shard's Raft group.
type PeerId uint64

// ShardId identifies an independent Raft group. Each shard replicates a
// disjoint subset of accounts.
type ShardId uint32

// AccountId identifies a per-user namespace inside the document store.
type AccountId uint32

// DocumentId identifies a single document within an account/collection.
type DocumentId uint32

// ChangeId is the log index at which a change was committed; it doubles
// as the change's identity within its (account, collection) history.
type ChangeId uint64

// TermId is a Raft term: a monotonically increasing logical clock.
type TermId uint64

// LogIndex is a position in the Raft log; it keeps increasing across terms.
type LogIndex uint64

// RaftId totally orders log positions lexicographically by (Term, Index).
type RaftId struct {
	Term  TermId
	Index LogIndex
}

// None is the RaftId sentinel meaning "no entry" — the maximum possible
// value, so that it never compares less than a real entry.
var None = RaftId{Term: TermId(math.MaxUint64), Index: LogIndex(math.MaxUint64)}

// IsNone reports whether id is the None sentinel.
func (id RaftId) IsNone() bool { return id == None }

// Less implements the (term, index) lexicographic total order required
// by invariant I2 and by the election "more up-to-date log" check.
func (id RaftId) Less(other RaftId) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// LessOrEqual reports id <= other under the same total order.
func (id RaftId) LessOrEqual(other RaftId) bool {
	return id == other || id.Less(other)
}

// Bytes encodes id as its big-endian on-disk/on-wire key:
// raft/{term:be64}{index:be64}.
func (id RaftId) Bytes() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id.Term))
	binary.BigEndian.PutUint64(buf[8:16], uint64(id.Index))
	return buf
}

// ParseRaftId decodes a key produced by Bytes.
func ParseRaftId(buf []byte) RaftId {
	return RaftId{
		Term:  TermId(binary.BigEndian.Uint64(buf[0:8])),
		Index: LogIndex(binary.BigEndian.Uint64(buf[8:16])),
	}
}

// Collection tags a per-account table. Thread is a virtual collection:
// it appears only in change tracking, never as a set of records
// (invariant I7).
type Collection uint8

const (
	CollectionMail Collection = iota
	CollectionMailbox
	CollectionThread
	CollectionIdentity
	CollectionEmailSubmission
	CollectionVacationResponse
	CollectionPrincipal
	CollectionPushSubscription
)

func (c Collection) String() string {
	switch c {
	case CollectionMail:
		return "Mail"
	case CollectionMailbox:
		return "Mailbox"
	case CollectionThread:
		return "Thread"
	case CollectionIdentity:
		return "Identity"
	case CollectionEmailSubmission:
		return "EmailSubmission"
	case CollectionVacationResponse:
		return "VacationResponse"
	case CollectionPrincipal:
		return "Principal"
	case CollectionPushSubscription:
		return "PushSubscription"
	default:
		return "Unknown"
	}
}

// IsThread reports whether c is the Thread pseudo-collection, which
// never has rollback work to do (invariant I7).
func (c Collection) IsThread() bool { return c == CollectionThread }

// BlobId content-addresses a blob: its hash, its size, and whether it is
// small enough to be inlined directly in a change ("local") rather than
// stored in the blob store.
type BlobId struct {
	Hash    [32]byte // BLAKE3-256 digest
	Size    uint32
	IsLocal bool
}

// Bytes encodes a BlobId for wire transmission: 32-byte hash, 4-byte
// big-endian size, 1-byte local flag.
func (b BlobId) Bytes() []byte {
	buf := make([]byte, 37)
	copy(buf[0:32], b.Hash[:])
	binary.BigEndian.PutUint32(buf[32:36], b.Size)
	if b.IsLocal {
		buf[36] = 1
	}
	return buf
}

// ParseBlobId decodes a BlobId produced by Bytes.
func ParseBlobId(buf []byte) BlobId {
	var id BlobId
	copy(id.Hash[:], buf[0:32])
	id.Size = binary.BigEndian.Uint32(buf[32:36])
	id.IsLocal = buf[36] != 0
	return id
}

// LogEntryKind distinguishes the two shapes a LogEntry can take.
type LogEntryKind uint8

const (
	// LogEntryItem is a normal client-visible write touching one account.
	LogEntryItem LogEntryKind = iota
	// LogEntrySnapshot batches writes across many accounts, used during
	// bulk catch-up framing.
	LogEntrySnapshot
)

// LogEntry is the append-only unit of the Raft log (entity table, §3).
// Entries are never mutated or deleted once written; rollback does not
// remove them either.
type LogEntry struct {
	Kind LogEntryKind

	// Item fields.
	AccountId          AccountId
	ChangedCollections map[Collection]struct{}

	// Snapshot fields: for each distinct set of changed collections, the
	// set of accounts that changed exactly those collections in this
	// entry.
	ChangedAccounts map[string]map[AccountId]struct{}
}

// MergedChanges is the net effect of a change range on one
// (account, collection) pair after cancellation rules are applied:
// insert-then-delete collapses to neither, delete-then-insert collapses
// to update, update-then-delete collapses to delete.
type MergedChanges struct {
	Inserts map[DocumentId]struct{}
	Updates map[DocumentId]struct{}
	Deletes map[DocumentId]struct{}
}

// NewMergedChanges returns an empty MergedChanges ready for accumulation.
func NewMergedChanges() *MergedChanges {
	return &MergedChanges{
		Inserts: make(map[DocumentId]struct{}),
		Updates: make(map[DocumentId]struct{}),
		Deletes: make(map[DocumentId]struct{}),
	}
}

// IsEmpty reports whether the merged change set has no remaining work.
func (m *MergedChanges) IsEmpty() bool {
	return len(m.Inserts) == 0 && len(m.Updates) == 0 && len(m.Deletes) == 0
}

// PeerState is the liveness/progress information the Peer Liveness Feed
// (PL) reports to the Raft Node for one peer.
type PeerState struct {
	PeerId     PeerId
	Alive      bool
	LastLog    RaftId
	Shard      ShardId
	Epoch      uint64
	Generation uint64
}
