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
	"encoding/binary"
	"io"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
)

const (
	logEntryKindItem     byte = 0
	logEntryKindSnapshot byte = 1
)

// EncodeLogEntry serializes a LogEntry for storage in the raft column.
// Unlike the wire layer (which treats LogEntry bytes as opaque), the
// store has to decode these to answer get_raft_match_terms and
// equivalent spine queries, so it owns a real codec.
func EncodeLogEntry(e types.LogEntry) []byte {
	buf := []byte{}
	switch e.Kind {
	case types.LogEntryItem:
		buf = append(buf, logEntryKindItem)
		buf = appendU32(buf, uint32(e.AccountId))
		buf = appendU32(buf, uint32(len(e.ChangedCollections)))
		for c := range e.ChangedCollections {
			buf = append(buf, byte(c))
		}
	case types.LogEntrySnapshot:
		buf = append(buf, logEntryKindSnapshot)
		buf = appendU32(buf, uint32(len(e.ChangedAccounts)))
		for collSet, accounts := range e.ChangedAccounts {
			buf = appendU32(buf, uint32(len(collSet)))
			buf = append(buf, []byte(collSet)...)
			buf = appendU32(buf, uint32(len(accounts)))
			for acc := range accounts {
				buf = appendU32(buf, uint32(acc))
			}
		}
	}
	return buf
}

// DecodeLogEntry is the inverse of EncodeLogEntry.
func DecodeLogEntry(buf []byte) (types.LogEntry, error) {
	if len(buf) < 1 {
		return types.LogEntry{}, jerrors.StoreCorruption("log entry too short", io.ErrUnexpectedEOF)
	}
	switch buf[0] {
	case logEntryKindItem:
		if len(buf) < 9 {
			return types.LogEntry{}, jerrors.StoreCorruption("item log entry truncated", io.ErrUnexpectedEOF)
		}
		account := binary.BigEndian.Uint32(buf[1:5])
		n := binary.BigEndian.Uint32(buf[5:9])
		colls := make(map[types.Collection]struct{}, n)
		pos := 9
		for i := uint32(0); i < n; i++ {
			if pos >= len(buf) {
				return types.LogEntry{}, jerrors.StoreCorruption("item log entry collections truncated", io.ErrUnexpectedEOF)
			}
			colls[types.Collection(buf[pos])] = struct{}{}
			pos++
		}
		return types.LogEntry{Kind: types.LogEntryItem, AccountId: types.AccountId(account), ChangedCollections: colls}, nil
	case logEntryKindSnapshot:
		if len(buf) < 5 {
			return types.LogEntry{}, jerrors.StoreCorruption("snapshot log entry truncated", io.ErrUnexpectedEOF)
		}
		numGroups := binary.BigEndian.Uint32(buf[1:5])
		pos := 5
		changed := make(map[string]map[types.AccountId]struct{}, numGroups)
		for i := uint32(0); i < numGroups; i++ {
			if pos+4 > len(buf) {
				return types.LogEntry{}, jerrors.StoreCorruption("snapshot group header truncated", io.ErrUnexpectedEOF)
			}
			collLen := binary.BigEndian.Uint32(buf[pos : pos+4])
			pos += 4
			if pos+int(collLen) > len(buf) {
				return types.LogEntry{}, jerrors.StoreCorruption("snapshot collection set truncated", io.ErrUnexpectedEOF)
			}
			collSet := string(buf[pos : pos+int(collLen)])
			pos += int(collLen)
			if pos+4 > len(buf) {
				return types.LogEntry{}, jerrors.StoreCorruption("snapshot account count truncated", io.ErrUnexpectedEOF)
			}
			numAccounts := binary.BigEndian.Uint32(buf[pos : pos+4])
			pos += 4
			accounts := make(map[types.AccountId]struct{}, numAccounts)
			for j := uint32(0); j < numAccounts; j++ {
				if pos+4 > len(buf) {
					return types.LogEntry{}, jerrors.StoreCorruption("snapshot account truncated", io.ErrUnexpectedEOF)
				}
				accounts[types.AccountId(binary.BigEndian.Uint32(buf[pos:pos+4]))] = struct{}{}
				pos += 4
			}
			changed[collSet] = accounts
		}
		return types.LogEntry{Kind: types.LogEntrySnapshot, ChangedAccounts: changed}, nil
	default:
		return types.LogEntry{}, jerrors.StoreCorruption("unknown log entry kind byte", nil)
	}
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// PendingUpdateKind distinguishes the three shapes a PendingUpdate row
// can take.
type PendingUpdateKind byte

const (
	PendingBegin PendingUpdateKind = iota
	PendingUpdateDoc
	PendingDelete
)

// PendingUpdate is one entry in the P[index, seq] column.
type PendingUpdate struct {
	Kind       PendingUpdateKind
	Account    types.AccountId
	Coll       types.Collection
	DocumentID types.DocumentId
	Payload    []byte
	DeleteIds  []types.DocumentId
}

// EncodePendingUpdate serializes a PendingUpdate row.
func EncodePendingUpdate(p PendingUpdate) []byte {
	buf := []byte{byte(p.Kind)}
	switch p.Kind {
	case PendingBegin:
		buf = appendU32(buf, uint32(p.Account))
		buf = append(buf, byte(p.Coll))
	case PendingUpdateDoc:
		buf = appendU32(buf, uint32(p.DocumentID))
		buf = appendU32(buf, uint32(len(p.Payload)))
		buf = append(buf, p.Payload...)
	case PendingDelete:
		buf = appendU32(buf, uint32(len(p.DeleteIds)))
		for _, id := range p.DeleteIds {
			buf = appendU32(buf, uint32(id))
		}
	}
	return buf
}

// DecodePendingUpdate is the inverse of EncodePendingUpdate.
func DecodePendingUpdate(buf []byte) (PendingUpdate, error) {
	if len(buf) < 1 {
		return PendingUpdate{}, jerrors.StoreCorruption("pending update too short", io.ErrUnexpectedEOF)
	}
	kind := PendingUpdateKind(buf[0])
	switch kind {
	case PendingBegin:
		if len(buf) < 6 {
			return PendingUpdate{}, jerrors.StoreCorruption("pending begin truncated", io.ErrUnexpectedEOF)
		}
		return PendingUpdate{
			Kind:    PendingBegin,
			Account: types.AccountId(binary.BigEndian.Uint32(buf[1:5])),
			Coll:    types.Collection(buf[5]),
		}, nil
	case PendingUpdateDoc:
		if len(buf) < 9 {
			return PendingUpdate{}, jerrors.StoreCorruption("pending update doc truncated", io.ErrUnexpectedEOF)
		}
		docID := binary.BigEndian.Uint32(buf[1:5])
		n := binary.BigEndian.Uint32(buf[5:9])
		if len(buf) < 9+int(n) {
			return PendingUpdate{}, jerrors.StoreCorruption("pending update payload truncated", io.ErrUnexpectedEOF)
		}
		payload := make([]byte, n)
		copy(payload, buf[9:9+n])
		return PendingUpdate{Kind: PendingUpdateDoc, DocumentID: types.DocumentId(docID), Payload: payload}, nil
	case PendingDelete:
		if len(buf) < 5 {
			return PendingUpdate{}, jerrors.StoreCorruption("pending delete truncated", io.ErrUnexpectedEOF)
		}
		n := binary.BigEndian.Uint32(buf[1:5])
		ids := make([]types.DocumentId, 0, n)
		pos := 5
		for i := uint32(0); i < n; i++ {
			if pos+4 > len(buf) {
				return PendingUpdate{}, jerrors.StoreCorruption("pending delete ids truncated", io.ErrUnexpectedEOF)
			}
			ids = append(ids, types.DocumentId(binary.BigEndian.Uint32(buf[pos:pos+4])))
			pos += 4
		}
		return PendingUpdate{Kind: PendingDelete, DeleteIds: ids}, nil
	default:
		return PendingUpdate{}, jerrors.StoreCorruption("unknown pending update kind byte", nil)
	}
}

// EncodeMergedChanges serializes a MergedChanges descriptor for the
// rollback column.
func EncodeMergedChanges(m types.MergedChanges) []byte {
	buf := []byte{}
	writeSet := func(set map[types.DocumentId]struct{}) {
		buf = appendU32(buf, uint32(len(set)))
		for id := range set {
			buf = appendU32(buf, uint32(id))
		}
	}
	writeSet(m.Inserts)
	writeSet(m.Updates)
	writeSet(m.Deletes)
	return buf
}

// DecodeMergedChanges is the inverse of EncodeMergedChanges.
func DecodeMergedChanges(buf []byte) (types.MergedChanges, error) {
	m := types.MergedChanges{
		Inserts: map[types.DocumentId]struct{}{},
		Updates: map[types.DocumentId]struct{}{},
		Deletes: map[types.DocumentId]struct{}{},
	}
	pos := 0
	readSet := func(dst map[types.DocumentId]struct{}) error {
		if pos+4 > len(buf) {
			return jerrors.StoreCorruption("merged changes set header truncated", io.ErrUnexpectedEOF)
		}
		n := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		for i := uint32(0); i < n; i++ {
			if pos+4 > len(buf) {
				return jerrors.StoreCorruption("merged changes set entry truncated", io.ErrUnexpectedEOF)
			}
			dst[types.DocumentId(binary.BigEndian.Uint32(buf[pos:pos+4]))] = struct{}{}
			pos += 4
		}
		return nil
	}
	if err := readSet(m.Inserts); err != nil {
		return types.MergedChanges{}, err
	}
	if err := readSet(m.Updates); err != nil {
		return types.MergedChanges{}, err
	}
	if err := readSet(m.Deletes); err != nil {
		return types.MergedChanges{}, err
	}
	return m, nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
