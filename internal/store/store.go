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

package store

import (
	"bytes"
	"encoding/binary"

	"go.etcd.io/bbolt"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
)

// Adapter is the interface the Raft node, leader replicator, and
// follower receiver consume. It never exposes the bucket layout to
// its callers — only the operations named in the component design.
type Adapter interface {
	GetPrevRaftId(key types.RaftId) (types.RaftId, bool, error)
	GetNextRaftId(key types.RaftId) (types.RaftId, bool, error)
	GetRaftMatchTerms() ([]types.RaftId, error)
	GetRaftMatchIndexes(fromIndex types.LogIndex) (types.TermId, []byte, error)
	GetLogEntries(afterIndex, upToIndex types.LogIndex, carry []byte, maxBytes int) (entries []LogEntryRecord, remainingCarry []byte, lastIndex types.LogIndex, err error)
	GetChangeBytes(account types.AccountId, coll types.Collection, index types.LogIndex) ([]byte, bool, error)
	WriteChange(account types.AccountId, coll types.Collection, index types.LogIndex, payload []byte) error
	PutPendingUpdate(index types.LogIndex, seq uint32, encoded []byte) error
	DrainPendingUpdates(upToIndex types.LogIndex) ([]PendingUpdate, error)
	InsertRaftEntries(batch []RaftEntryWrite) error
	WriteBatch(fn func(b *Batch) error) error

	BlobGet(id types.BlobId) ([]byte, bool, error)
	BlobExists(id types.BlobId) (bool, error)
	BlobStore(id types.BlobId, raw []byte) error

	PrepareRollbackChanges(afterIndex types.LogIndex) error
	NextRollbackChange() (account types.AccountId, coll types.Collection, changes types.MergedChanges, ok bool, err error)
	RemoveRollbackChange(account types.AccountId, coll types.Collection) error
	MergeChanges(account types.AccountId, coll types.Collection, fromIndex, toIndex types.LogIndex) (types.MergedChanges, error)

	LeaderCommitIndex() (types.LogIndex, error)
	SetLeaderCommitIndex(types.LogIndex) error
	FollowerCommitIndex() (types.LogIndex, error)
	SetFollowerCommitIndex(types.LogIndex) error

	LastLog() (types.RaftId, error)
}

// RaftEntryWrite is one (LogEntry, inline changes) pair written
// atomically by InsertRaftEntries, per invariant I4.
type RaftEntryWrite struct {
	RaftId  types.RaftId
	Entry   types.LogEntry
	Changes []ChangeWrite
}

// ChangeWrite is one C[account, collection, index] row.
type ChangeWrite struct {
	Account types.AccountId
	Coll    types.Collection
	Index   types.LogIndex
	Payload []byte
}

// LogEntryRecord pairs a raw encoded LogEntry with the RaftId it lives
// at, as returned by GetLogEntries — the leader replicator needs the id
// to emit a wire.UpdateLog frame, not just the bytes.
type LogEntryRecord struct {
	RaftId types.RaftId
	Entry  types.LogEntry
	Bytes  []byte
}

// BoltStore is the reference Adapter implementation, backed by a
// single bbolt database file with one bucket per logical key space.
type BoltStore struct {
	db *bbolt.DB
}

// Open creates or opens a BoltStore at path, creating all required
// buckets if they don't already exist.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, jerrors.StoreCorruption("open bbolt database", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRaft, bucketChange, bucketTombstone, bucketPending, bucketRollback, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, jerrors.StoreCorruption("create buckets", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// GetPrevRaftId returns the greatest RaftId <= key stored in R, or
// ok=false if none exists.
func (s *BoltStore) GetPrevRaftId(key types.RaftId) (types.RaftId, bool, error) {
	var result types.RaftId
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaft).Cursor()
		k, _ := c.Seek(raftKey(key))
		if k != nil && bytes.Equal(k, raftKey(key)) {
			result, found = key, true
			return nil
		}
		// Seek lands at the first key >= target (or nil at end); step
		// back one to find the greatest key < target.
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k != nil {
			result, found = types.ParseRaftId(k), true
		}
		return nil
	})
	return result, found, err
}

// GetNextRaftId returns the least RaftId >= key stored in R.
func (s *BoltStore) GetNextRaftId(key types.RaftId) (types.RaftId, bool, error) {
	var result types.RaftId
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaft).Cursor()
		k, _ := c.Seek(raftKey(key))
		if k != nil {
			result, found = types.ParseRaftId(k), true
		}
		return nil
	})
	return result, found, err
}

// GetRaftMatchTerms returns, for each distinct term present in R, the
// minimal (term, index) — the "spine" the Synchronize phase walks.
func (s *BoltStore) GetRaftMatchTerms() ([]types.RaftId, error) {
	var spine []types.RaftId
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaft).Cursor()
		var lastTerm types.TermId
		first := true
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id := types.ParseRaftId(k)
			if first || id.Term != lastTerm {
				spine = append(spine, id)
				lastTerm = id.Term
				first = false
			}
		}
		return nil
	})
	return spine, err
}

// GetRaftMatchIndexes returns the term containing fromIndex and a
// bitmap (one bit per index present in R for that term, LSB-first,
// offset from the term's minimal index) of indexes recorded.
func (s *BoltStore) GetRaftMatchIndexes(fromIndex types.LogIndex) (types.TermId, []byte, error) {
	var term types.TermId
	var indexes []types.LogIndex
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaft).Cursor()
		// Find the term containing fromIndex by scanning the spine.
		var termStart types.LogIndex
		var termFound bool
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id := types.ParseRaftId(k)
			if id.Index <= fromIndex || !termFound {
				term = id.Term
				termStart = id.Index
				termFound = true
			}
			if id.Index > fromIndex && id.Term == term {
				break
			}
		}
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id := types.ParseRaftId(k)
			if id.Term == term {
				indexes = append(indexes, id.Index)
				_ = termStart
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if len(indexes) == 0 {
		return term, nil, nil
	}
	minIdx, maxIdx := indexes[0], indexes[0]
	for _, i := range indexes {
		if i < minIdx {
			minIdx = i
		}
		if i > maxIdx {
			maxIdx = i
		}
	}
	bitmap := make([]byte, (maxIdx-minIdx)/8+1)
	for _, i := range indexes {
		bit := uint(i - minIdx)
		bitmap[bit/8] |= 1 << (bit % 8)
	}
	return term, bitmap, nil
}

// GetLogEntries streams the log range (afterIndex, upToIndex] as raw
// LogEntry bytes, honoring a soft maxBytes budget. carry/remainingCarry
// let a caller resume a partially-sent entry across calls; this
// reference implementation never splits a single entry, so carry is
// always returned empty.
func (s *BoltStore) GetLogEntries(afterIndex, upToIndex types.LogIndex, carry []byte, maxBytes int) ([]LogEntryRecord, []byte, types.LogIndex, error) {
	var entries []LogEntryRecord
	lastIndex := afterIndex
	budget := maxBytes
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRaft).Cursor()
		start := types.RaftId{Term: 0, Index: afterIndex + 1}
		for k, v := c.Seek(raftKey(start)); k != nil; k, v = c.Next() {
			id := types.ParseRaftId(k)
			if id.Index <= afterIndex {
				continue
			}
			if id.Index > upToIndex {
				break
			}
			if budget > 0 && len(v) > budget && len(entries) > 0 {
				break
			}
			entry := make([]byte, len(v))
			copy(entry, v)
			decoded, err := DecodeLogEntry(entry)
			if err != nil {
				return err
			}
			entries = append(entries, LogEntryRecord{RaftId: id, Entry: decoded, Bytes: entry})
			lastIndex = id.Index
			budget -= len(v)
		}
		return nil
	})
	return entries, nil, lastIndex, err
}

// GetChangeBytes fetches the raw change payload written alongside one
// log index, used by the leader replicator to pair each Log frame with
// its Change frames during AppendLogs.
func (s *BoltStore) GetChangeBytes(account types.AccountId, coll types.Collection, index types.LogIndex) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChange).Get(changeKey(account, coll, index))
		if v == nil {
			return nil
		}
		out = make([]byte, len(v))
		copy(out, v)
		found = true
		return nil
	})
	return out, found, err
}

// WriteChange writes a single C[account, collection, index] row outside
// of InsertRaftEntries, used by the follower receiver which learns the
// change payload in a separate frame from the log entry it belongs to.
func (s *BoltStore) WriteChange(account types.AccountId, coll types.Collection, index types.LogIndex, payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChange).Put(changeKey(account, coll, index), payload)
	})
}

// PutPendingUpdate stages one P[index, seq] row, staged during
// AppendChanges until commit_updates applies it to the document store.
func (s *BoltStore) PutPendingUpdate(index types.LogIndex, seq uint32, encoded []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put(pendingKey(index, seq), encoded)
	})
}

// DrainPendingUpdates removes and returns every P[index, seq] row with
// index ≤ upToIndex, in ascending (index, seq) order, for commit_updates
// to apply to the document store.
func (s *BoltStore) DrainPendingUpdates(upToIndex types.LogIndex) ([]PendingUpdate, error) {
	var out []PendingUpdate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			index, _ := decodePendingKey(k)
			if index > upToIndex {
				break
			}
			p, err := DecodePendingUpdate(v)
			if err != nil {
				return err
			}
			out = append(out, p)
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// InsertRaftEntries atomically writes a batch of R rows plus their
// inline C rows (invariant I4).
func (s *BoltStore) InsertRaftEntries(batch []RaftEntryWrite) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		raft := tx.Bucket(bucketRaft)
		change := tx.Bucket(bucketChange)
		for _, w := range batch {
			if err := raft.Put(raftKey(w.RaftId), EncodeLogEntry(w.Entry)); err != nil {
				return err
			}
			for _, c := range w.Changes {
				if err := change.Put(changeKey(c.Account, c.Coll, c.Index), c.Payload); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Batch is the transaction handle exposed to WriteBatch callers.
type Batch struct {
	tx *bbolt.Tx
}

// RecordTombstone records a tombstone row for account, to be applied
// once index commits.
func (b *Batch) RecordTombstone(index types.LogIndex, account types.AccountId, docIDs []types.DocumentId) error {
	buf := []byte{}
	buf = appendU32(buf, uint32(len(docIDs)))
	for _, id := range docIDs {
		buf = appendU32(buf, uint32(id))
	}
	return b.tx.Bucket(bucketTombstone).Put(tombstoneKey(index, account), buf)
}

// WriteBatch runs fn within a single bbolt read-write transaction.
func (s *BoltStore) WriteBatch(fn func(b *Batch) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Batch{tx: tx})
	})
}

// BlobGet reads a blob by content address. Blobs live outside bbolt's
// own buckets would be more typical at scale, but for the reference
// adapter a dedicated bucket keeps the whole store in one file.
func (s *BoltStore) BlobGet(id types.BlobId) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("blob"))
		if b == nil {
			return nil
		}
		v := b.Get(id.Hash[:])
		if v != nil {
			out = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

func (s *BoltStore) BlobExists(id types.BlobId) (bool, error) {
	_, found, err := s.BlobGet(id)
	return found, err
}

func (s *BoltStore) BlobStore(id types.BlobId, raw []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("blob"))
		if err != nil {
			return err
		}
		return b.Put(id.Hash[:], raw)
	})
}

func (s *BoltStore) LeaderCommitIndex() (types.LogIndex, error) {
	return s.readScalar(metaKeyLeaderCommitIndex)
}

func (s *BoltStore) SetLeaderCommitIndex(idx types.LogIndex) error {
	return s.writeScalar(metaKeyLeaderCommitIndex, idx)
}

func (s *BoltStore) FollowerCommitIndex() (types.LogIndex, error) {
	return s.readScalar(metaKeyFollowerCommitIndex)
}

func (s *BoltStore) SetFollowerCommitIndex(idx types.LogIndex) error {
	return s.writeScalar(metaKeyFollowerCommitIndex, idx)
}

func (s *BoltStore) readScalar(key []byte) (types.LogIndex, error) {
	var v uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta).Get(key)
		if b != nil {
			v = binary.BigEndian.Uint64(b)
		}
		return nil
	})
	return types.LogIndex(v), err
}

func (s *BoltStore) writeScalar(key []byte, v types.LogIndex) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, encodeU64(uint64(v)))
	})
}

// LastLog returns the greatest RaftId stored in R, or types.None if
// the log is empty.
func (s *BoltStore) LastLog() (types.RaftId, error) {
	result := types.None
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketRaft).Cursor().Last()
		if k != nil {
			result = types.ParseRaftId(k)
		}
		return nil
	})
	return result, err
}

var _ = decodeU64 // retained for symmetry with encodeU64
