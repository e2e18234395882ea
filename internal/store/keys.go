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

// Package store implements the Change Log Store and the Store Adapter
// interface the rest of the replication core consumes: append-only
// raft/change/tombstone/pending column families backed by bbolt, plus
// the ~15 operations the Raft node, leader replicator, and follower
// receiver call against them.
package store

import (
	"encoding/binary"

	"jmapraft/internal/types"
)

// Bucket names, one per logical key space named in the persisted
// state layout.
var (
	bucketRaft      = []byte("raft")
	bucketChange    = []byte("change")
	bucketTombstone = []byte("tombstone")
	bucketPending   = []byte("pending")
	bucketRollback  = []byte("rollback")
	bucketMeta      = []byte("meta")
)

var (
	metaKeyLeaderCommitIndex   = []byte("leader_commit_index")
	metaKeyFollowerCommitIndex = []byte("follower_commit_index")
)

// raftKey builds the raft/{term:be64}{index:be64} key.
func raftKey(id types.RaftId) []byte { return id.Bytes() }

// changeKey builds the change/{account:be32}{collection:u8}{index:be64} key.
func changeKey(account types.AccountId, coll types.Collection, index types.LogIndex) []byte {
	buf := make([]byte, 4+1+8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(account))
	buf[4] = byte(coll)
	binary.BigEndian.PutUint64(buf[5:13], uint64(index))
	return buf
}

// changePrefix builds the change/{account}{collection} prefix used to
// scan every index for one (account, collection) pair.
func changePrefix(account types.AccountId, coll types.Collection) []byte {
	buf := make([]byte, 4+1)
	binary.BigEndian.PutUint32(buf[0:4], uint32(account))
	buf[4] = byte(coll)
	return buf
}

func decodeChangeKey(key []byte) (types.AccountId, types.Collection, types.LogIndex) {
	account := types.AccountId(binary.BigEndian.Uint32(key[0:4]))
	coll := types.Collection(key[4])
	index := types.LogIndex(binary.BigEndian.Uint64(key[5:13]))
	return account, coll, index
}

// tombstoneKey builds the tombstone/{index:be64}{account:be32} key.
func tombstoneKey(index types.LogIndex, account types.AccountId) []byte {
	buf := make([]byte, 8+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(index))
	binary.BigEndian.PutUint32(buf[8:12], uint32(account))
	return buf
}

// tombstonePrefix builds the tombstone/{index} prefix.
func tombstonePrefix(index types.LogIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(index))
	return buf
}

// pendingKey builds the pending/{index:be64}{seq:be32} key.
func pendingKey(index types.LogIndex, seq uint32) []byte {
	buf := make([]byte, 8+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(index))
	binary.BigEndian.PutUint32(buf[8:12], seq)
	return buf
}

func decodePendingKey(key []byte) (types.LogIndex, uint32) {
	index := types.LogIndex(binary.BigEndian.Uint64(key[0:8]))
	seq := binary.BigEndian.Uint32(key[8:12])
	return index, seq
}

// rollbackKey builds the rollback/{account:be32}{collection:u8} key —
// one outstanding MergedChanges descriptor per (account, collection).
func rollbackKey(account types.AccountId, coll types.Collection) []byte {
	return changePrefix(account, coll)
}

func decodeRollbackKey(key []byte) (types.AccountId, types.Collection) {
	return types.AccountId(binary.BigEndian.Uint32(key[0:4])), types.Collection(key[4])
}
