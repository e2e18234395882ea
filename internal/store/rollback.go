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
	"go.etcd.io/bbolt"

	"jmapraft/internal/types"
)

// changeOp tags whether a change bytes payload represents an insert,
// update, or delete. The reference adapter keeps this alongside the
// opaque payload so prepare_rollback_changes/merge_changes can apply
// the merge rule without understanding document contents.
type changeOp byte

const (
	opInsert changeOp = iota
	opUpdate
	opDelete
)

// changeEnvelope is the concrete shape EncodeChangePayload /
// DecodeChangePayload wrap around an opaque document delta so the
// store can classify it for merge purposes.
type changeEnvelope struct {
	op      changeOp
	docID   types.DocumentId
	payload []byte
}

// EncodeChangePayload wraps an opaque document delta with the
// classification tag the merge algorithm needs.
func EncodeChangePayload(op byte, docID types.DocumentId, payload []byte) []byte {
	buf := []byte{op}
	buf = appendU32(buf, uint32(docID))
	buf = append(buf, payload...)
	return buf
}

func decodeChangeEnvelope(buf []byte) changeEnvelope {
	if len(buf) < 5 {
		return changeEnvelope{}
	}
	return changeEnvelope{
		op:      changeOp(buf[0]),
		docID:   types.DocumentId(u32(buf[1:5])),
		payload: buf[5:],
	}
}

func u32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// applyMergeRule folds one change envelope into an in-progress
// MergedChanges accumulator per the cancellation rules: insert then
// delete collapses to neither; delete then insert collapses to update;
// update then delete collapses to delete.
func applyMergeRule(m types.MergedChanges, env changeEnvelope) {
	id := env.docID
	switch env.op {
	case opInsert:
		if _, wasDeleted := m.Deletes[id]; wasDeleted {
			delete(m.Deletes, id)
			m.Updates[id] = struct{}{}
		} else {
			m.Inserts[id] = struct{}{}
		}
	case opUpdate:
		if _, wasInserted := m.Inserts[id]; !wasInserted {
			m.Updates[id] = struct{}{}
		}
	case opDelete:
		if _, wasInserted := m.Inserts[id]; wasInserted {
			delete(m.Inserts, id)
		} else {
			delete(m.Updates, id)
			m.Deletes[id] = struct{}{}
		}
	}
}

// PrepareRollbackChanges computes, for each (account, collection)
// touched strictly after afterIndex, the MergedChanges that must be
// undone, and persists one descriptor per pair into the rollback
// column (invariant I7: Thread is skipped, it never has rollback work).
func (s *BoltStore) PrepareRollbackChanges(afterIndex types.LogIndex) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		change := tx.Bucket(bucketChange)
		rollback := tx.Bucket(bucketRollback)
		merged := map[string]*types.MergedChanges{}
		order := []struct {
			account types.AccountId
			coll    types.Collection
		}{}

		c := change.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			account, coll, index := decodeChangeKey(k)
			if index <= afterIndex || coll.IsThread() {
				continue
			}
			key := string(changePrefix(account, coll))
			m, ok := merged[key]
			if !ok {
				nm := types.NewMergedChanges()
				m = nm
				merged[key] = m
				order = append(order, struct {
					account types.AccountId
					coll    types.Collection
				}{account, coll})
			}
			applyMergeRule(*m, decodeChangeEnvelope(v))
		}

		for _, pair := range order {
			key := string(changePrefix(pair.account, pair.coll))
			m := merged[key]
			if m.IsEmpty() {
				continue
			}
			if err := rollback.Put(rollbackKey(pair.account, pair.coll), EncodeMergedChanges(*m)); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextRollbackChange returns the next outstanding rollback descriptor,
// or ok=false if none remain.
func (s *BoltStore) NextRollbackChange() (types.AccountId, types.Collection, types.MergedChanges, bool, error) {
	var account types.AccountId
	var coll types.Collection
	var changes types.MergedChanges
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketRollback).Cursor().First()
		if k == nil {
			return nil
		}
		account, coll = decodeRollbackKey(k)
		m, err := DecodeMergedChanges(v)
		if err != nil {
			return err
		}
		changes, found = m, true
		return nil
	})
	return account, coll, changes, found, err
}

// RemoveRollbackChange drops a completed rollback descriptor.
func (s *BoltStore) RemoveRollbackChange(account types.AccountId, coll types.Collection) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRollback).Delete(rollbackKey(account, coll))
	})
}

// MergeChanges computes the forward-ranged MergedChanges over
// (fromIndex, toIndex] for one (account, collection) pair, used during
// leader-to-follower catch-up (request_updates, §4.4.a).
func (s *BoltStore) MergeChanges(account types.AccountId, coll types.Collection, fromIndex, toIndex types.LogIndex) (types.MergedChanges, error) {
	m := types.NewMergedChanges()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChange).Cursor()
		prefix := changePrefix(account, coll)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			_, _, index := decodeChangeKey(k)
			if index <= fromIndex || index > toIndex {
				continue
			}
			applyMergeRule(*m, decodeChangeEnvelope(v))
		}
		return nil
	})
	return *m, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
