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

package wire

import (
	"fmt"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
)

// Tags for the Request sum type.
const (
	tagBecomeFollower byte = iota + 1
	tagAppendEntries
	tagVote
	tagUpdatePeers
	tagPing
	tagAuth
)

// Tags for the AppendEntriesRequest sum type.
const (
	tagAERMatch byte = iota + 1
	tagAERSynchronize
	tagAERMerge
	tagAERUpdate
	tagAERAdvanceCommitIndex
)

// Tags for the Update frame sum type.
const (
	tagUpdateBegin byte = iota + 1
	tagUpdateLog
	tagUpdateChange
	tagUpdateDocument
	tagUpdateBlob
	tagUpdateEof
)

// Tags for the Response sum type.
const (
	tagRespNone byte = iota + 1
	tagRespStepDown
	tagRespUnregisteredPeer
	tagRespPong
	tagRespAppendEntries
	tagRespVote
	tagRespAuth
)

// Tags for the AppendEntriesResponse sum type.
const (
	tagAERRMatch byte = iota + 1
	tagAERRSynchronize
	tagAERRContinue
	tagAERRDone
	tagAERRUpdate
	tagAERRFetchBlobs
)

func putRaftId(w *byteWriter, id types.RaftId) {
	w.u64(uint64(id.Term))
	w.u64(uint64(id.Index))
}

func getRaftId(r *byteReader) (types.RaftId, error) {
	term, err := r.u64()
	if err != nil {
		return types.RaftId{}, err
	}
	index, err := r.u64()
	if err != nil {
		return types.RaftId{}, err
	}
	return types.RaftId{Term: types.TermId(term), Index: types.LogIndex(index)}, nil
}

func putBlobId(w *byteWriter, id types.BlobId) {
	w.fixed(id.Hash[:])
	w.u32(id.Size)
	if id.IsLocal {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func getBlobId(r *byteReader) (types.BlobId, error) {
	hash, err := r.fixed(32)
	if err != nil {
		return types.BlobId{}, err
	}
	size, err := r.u32()
	if err != nil {
		return types.BlobId{}, err
	}
	local, err := r.byte()
	if err != nil {
		return types.BlobId{}, err
	}
	var id types.BlobId
	copy(id.Hash[:], hash)
	id.Size = size
	id.IsLocal = local != 0
	return id, nil
}

// PeerInfo is the gossip-sourced peer descriptor carried by
// UpdatePeers.
type PeerInfo struct {
	PeerId types.PeerId
	Shard  types.ShardId
	Addr   string
}

// DocumentUpdate carries the opaque document body FR needs to apply
// plus the blob references it must resolve before applying it
// (invariant I6). The document payload itself is never parsed above
// the store adapter. Delete distinguishes a tombstone frame (no
// Payload/BlobRefs carried) from a content frame, mirroring the two
// shapes a changed document id can take once merged.
type DocumentUpdate struct {
	DocumentId types.DocumentId
	BlobRefs   []types.BlobId
	Payload    []byte
	Delete     bool
}

// Update is one frame within an AppendEntriesRequest.Update /
// AppendEntriesResponse.Update stream.
type Update struct {
	Tag      byte
	Account  types.AccountId
	Coll     types.Collection
	RaftId   types.RaftId
	Bytes    []byte
	Document DocumentUpdate
	BlobId   types.BlobId
	Blob     []byte
}

func UpdateBegin(account types.AccountId, coll types.Collection) Update {
	return Update{Tag: tagUpdateBegin, Account: account, Coll: coll}
}

func UpdateLog(raftID types.RaftId, bytes []byte) Update {
	return Update{Tag: tagUpdateLog, RaftId: raftID, Bytes: bytes}
}

func UpdateChange(bytes []byte) Update {
	return Update{Tag: tagUpdateChange, Bytes: bytes}
}

func UpdateDocument(doc DocumentUpdate) Update {
	return Update{Tag: tagUpdateDocument, Document: doc}
}

func UpdateBlob(id types.BlobId, compressed []byte) Update {
	return Update{Tag: tagUpdateBlob, BlobId: id, Blob: compressed}
}

func UpdateEof() Update { return Update{Tag: tagUpdateEof} }

func encodeUpdate(w *byteWriter, u Update) {
	w.byte(u.Tag)
	switch u.Tag {
	case tagUpdateBegin:
		w.u32(uint32(u.Account))
		w.byte(byte(u.Coll))
	case tagUpdateLog:
		putRaftId(w, u.RaftId)
		w.bytesWithLen(u.Bytes)
	case tagUpdateChange:
		w.bytesWithLen(u.Bytes)
	case tagUpdateDocument:
		w.u32(uint32(u.Document.DocumentId))
		if u.Document.Delete {
			w.byte(1)
		} else {
			w.byte(0)
		}
		w.uvarint(uint64(len(u.Document.BlobRefs)))
		for _, b := range u.Document.BlobRefs {
			putBlobId(w, b)
		}
		w.bytesWithLen(u.Document.Payload)
	case tagUpdateBlob:
		putBlobId(w, u.BlobId)
		w.bytesWithLen(u.Blob)
	case tagUpdateEof:
		// no payload
	}
}

func decodeUpdate(r *byteReader) (Update, error) {
	tag, err := r.byte()
	if err != nil {
		return Update{}, err
	}
	u := Update{Tag: tag}
	switch tag {
	case tagUpdateBegin:
		acct, err := r.u32()
		if err != nil {
			return Update{}, err
		}
		coll, err := r.byte()
		if err != nil {
			return Update{}, err
		}
		u.Account = types.AccountId(acct)
		u.Coll = types.Collection(coll)
	case tagUpdateLog:
		id, err := getRaftId(r)
		if err != nil {
			return Update{}, err
		}
		b, err := r.bytesWithLen()
		if err != nil {
			return Update{}, err
		}
		u.RaftId = id
		u.Bytes = b
	case tagUpdateChange:
		b, err := r.bytesWithLen()
		if err != nil {
			return Update{}, err
		}
		u.Bytes = b
	case tagUpdateDocument:
		docID, err := r.u32()
		if err != nil {
			return Update{}, err
		}
		delFlag, err := r.byte()
		if err != nil {
			return Update{}, err
		}
		n, err := r.uvarint()
		if err != nil {
			return Update{}, err
		}
		var refs []types.BlobId
		for i := uint64(0); i < n; i++ {
			b, err := getBlobId(r)
			if err != nil {
				return Update{}, err
			}
			refs = append(refs, b)
		}
		payload, err := r.bytesWithLen()
		if err != nil {
			return Update{}, err
		}
		if len(payload) == 0 {
			payload = nil
		}
		u.Document = DocumentUpdate{DocumentId: types.DocumentId(docID), BlobRefs: refs, Payload: payload, Delete: delFlag != 0}
	case tagUpdateBlob:
		id, err := getBlobId(r)
		if err != nil {
			return Update{}, err
		}
		b, err := r.bytesWithLen()
		if err != nil {
			return Update{}, err
		}
		u.BlobId = id
		u.Blob = b
	case tagUpdateEof:
		// no payload
	default:
		return Update{}, jerrors.ProtocolDivergence(fmt.Sprintf("unknown update tag %d", tag))
	}
	return u, nil
}

// AppendEntriesRequest is the sum type carried inside Request.AppendEntries.
type AppendEntriesRequest struct {
	Tag         byte
	LastLog     types.RaftId
	MatchTerms  []types.RaftId
	MatchedLog  types.RaftId
	CommitIndex uint64
	Updates     []Update
}

func AERMatch(lastLog types.RaftId) AppendEntriesRequest {
	return AppendEntriesRequest{Tag: tagAERMatch, LastLog: lastLog}
}

func AERSynchronize(matchTerms []types.RaftId) AppendEntriesRequest {
	return AppendEntriesRequest{Tag: tagAERSynchronize, MatchTerms: matchTerms}
}

func AERMerge(matchedLog types.RaftId) AppendEntriesRequest {
	return AppendEntriesRequest{Tag: tagAERMerge, MatchedLog: matchedLog}
}

func AERUpdate(commitIndex uint64, updates []Update) AppendEntriesRequest {
	return AppendEntriesRequest{Tag: tagAERUpdate, CommitIndex: commitIndex, Updates: updates}
}

func AERAdvanceCommitIndex(commitIndex uint64) AppendEntriesRequest {
	return AppendEntriesRequest{Tag: tagAERAdvanceCommitIndex, CommitIndex: commitIndex}
}

func encodeAER(w *byteWriter, a AppendEntriesRequest) {
	w.byte(a.Tag)
	switch a.Tag {
	case tagAERMatch:
		putRaftId(w, a.LastLog)
	case tagAERSynchronize:
		w.uvarint(uint64(len(a.MatchTerms)))
		for _, t := range a.MatchTerms {
			putRaftId(w, t)
		}
	case tagAERMerge:
		putRaftId(w, a.MatchedLog)
	case tagAERUpdate:
		w.u64(a.CommitIndex)
		w.uvarint(uint64(len(a.Updates)))
		for _, u := range a.Updates {
			encodeUpdate(w, u)
		}
	case tagAERAdvanceCommitIndex:
		w.u64(a.CommitIndex)
	}
}

func decodeAER(r *byteReader) (AppendEntriesRequest, error) {
	tag, err := r.byte()
	if err != nil {
		return AppendEntriesRequest{}, err
	}
	a := AppendEntriesRequest{Tag: tag}
	switch tag {
	case tagAERMatch:
		id, err := getRaftId(r)
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		a.LastLog = id
	case tagAERSynchronize:
		n, err := r.uvarint()
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		terms := make([]types.RaftId, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := getRaftId(r)
			if err != nil {
				return AppendEntriesRequest{}, err
			}
			terms = append(terms, id)
		}
		a.MatchTerms = terms
	case tagAERMerge:
		id, err := getRaftId(r)
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		a.MatchedLog = id
	case tagAERUpdate:
		ci, err := r.u64()
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		n, err := r.uvarint()
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		updates := make([]Update, 0, n)
		for i := uint64(0); i < n; i++ {
			u, err := decodeUpdate(r)
			if err != nil {
				return AppendEntriesRequest{}, err
			}
			updates = append(updates, u)
		}
		a.CommitIndex = ci
		a.Updates = updates
	case tagAERAdvanceCommitIndex:
		ci, err := r.u64()
		if err != nil {
			return AppendEntriesRequest{}, err
		}
		a.CommitIndex = ci
	default:
		return AppendEntriesRequest{}, jerrors.ProtocolDivergence(fmt.Sprintf("unknown append-entries-request tag %d", tag))
	}
	return a, nil
}

// Request is the top-level sum type sent from LR to FR (and Vote
// requests sent by the Raft node to peers).
type Request struct {
	Tag           byte
	Term          uint64
	LastLog       types.RaftId
	AppendEntries AppendEntriesRequest
	Peers         []PeerInfo
	PeerId        types.PeerId
	AuthResponse  [32]byte
}

func ReqBecomeFollower(term uint64, lastLog types.RaftId) Request {
	return Request{Tag: tagBecomeFollower, Term: term, LastLog: lastLog}
}

func ReqAppendEntries(term uint64, body AppendEntriesRequest) Request {
	return Request{Tag: tagAppendEntries, Term: term, AppendEntries: body}
}

func ReqVote(term uint64, last types.RaftId) Request {
	return Request{Tag: tagVote, Term: term, LastLog: last}
}

func ReqUpdatePeers(peers []PeerInfo) Request {
	return Request{Tag: tagUpdatePeers, Peers: peers}
}

func ReqPing() Request { return Request{Tag: tagPing} }

func ReqAuth(peerID types.PeerId, response [32]byte) Request {
	return Request{Tag: tagAuth, PeerId: peerID, AuthResponse: response}
}

// Encode serializes r into a frame payload (without the length prefix).
func (r Request) Encode() []byte {
	w := &byteWriter{}
	w.byte(r.Tag)
	switch r.Tag {
	case tagBecomeFollower:
		w.u64(r.Term)
		putRaftId(w, r.LastLog)
	case tagAppendEntries:
		w.u64(r.Term)
		encodeAER(w, r.AppendEntries)
	case tagVote:
		w.u64(r.Term)
		putRaftId(w, r.LastLog)
	case tagUpdatePeers:
		w.uvarint(uint64(len(r.Peers)))
		for _, p := range r.Peers {
			w.u64(uint64(p.PeerId))
			w.u32(uint32(p.Shard))
			w.bytesWithLen([]byte(p.Addr))
		}
	case tagPing:
		// no payload
	case tagAuth:
		w.u64(uint64(r.PeerId))
		w.fixed(r.AuthResponse[:])
	}
	return w.buf
}

// DecodeRequest parses a frame payload produced by Request.Encode.
func DecodeRequest(payload []byte) (Request, error) {
	r := newByteReader(payload)
	tag, err := r.byte()
	if err != nil {
		return Request{}, err
	}
	req := Request{Tag: tag}
	switch tag {
	case tagBecomeFollower:
		term, err := r.u64()
		if err != nil {
			return Request{}, err
		}
		last, err := getRaftId(r)
		if err != nil {
			return Request{}, err
		}
		req.Term = term
		req.LastLog = last
	case tagAppendEntries:
		term, err := r.u64()
		if err != nil {
			return Request{}, err
		}
		aer, err := decodeAER(r)
		if err != nil {
			return Request{}, err
		}
		req.Term = term
		req.AppendEntries = aer
	case tagVote:
		term, err := r.u64()
		if err != nil {
			return Request{}, err
		}
		last, err := getRaftId(r)
		if err != nil {
			return Request{}, err
		}
		req.Term = term
		req.LastLog = last
	case tagUpdatePeers:
		n, err := r.uvarint()
		if err != nil {
			return Request{}, err
		}
		peers := make([]PeerInfo, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := r.u64()
			if err != nil {
				return Request{}, err
			}
			shard, err := r.u32()
			if err != nil {
				return Request{}, err
			}
			addr, err := r.bytesWithLen()
			if err != nil {
				return Request{}, err
			}
			peers = append(peers, PeerInfo{PeerId: types.PeerId(id), Shard: types.ShardId(shard), Addr: string(addr)})
		}
		req.Peers = peers
	case tagPing:
		// no payload
	case tagAuth:
		id, err := r.u64()
		if err != nil {
			return Request{}, err
		}
		resp, err := r.fixed(32)
		if err != nil {
			return Request{}, err
		}
		req.PeerId = types.PeerId(id)
		copy(req.AuthResponse[:], resp)
	default:
		return Request{}, jerrors.ProtocolDivergence(fmt.Sprintf("unknown request tag %d", tag))
	}
	return req, nil
}

// AppendEntriesResponse is the sum type carried inside
// Response.AppendEntries.
type AppendEntriesResponse struct {
	Tag          byte
	MatchLog     types.RaftId
	MatchIndexes []byte
	UpToIndex    uint64
	Account      types.AccountId
	Coll         types.Collection
	Changes      []byte
	IsRollback   bool
	BlobIds      []types.BlobId
}

func AERRMatch(matchLog types.RaftId) AppendEntriesResponse {
	return AppendEntriesResponse{Tag: tagAERRMatch, MatchLog: matchLog}
}

func AERRSynchronize(matchIndexes []byte) AppendEntriesResponse {
	return AppendEntriesResponse{Tag: tagAERRSynchronize, MatchIndexes: matchIndexes}
}

func AERRContinue() AppendEntriesResponse { return AppendEntriesResponse{Tag: tagAERRContinue} }

func AERRDone(upToIndex uint64) AppendEntriesResponse {
	return AppendEntriesResponse{Tag: tagAERRDone, UpToIndex: upToIndex}
}

func AERRUpdate(account types.AccountId, coll types.Collection, changes []byte, isRollback bool) AppendEntriesResponse {
	return AppendEntriesResponse{Tag: tagAERRUpdate, Account: account, Coll: coll, Changes: changes, IsRollback: isRollback}
}

func AERRFetchBlobs(ids []types.BlobId) AppendEntriesResponse {
	return AppendEntriesResponse{Tag: tagAERRFetchBlobs, BlobIds: ids}
}

func encodeAERR(w *byteWriter, a AppendEntriesResponse) {
	w.byte(a.Tag)
	switch a.Tag {
	case tagAERRMatch:
		putRaftId(w, a.MatchLog)
	case tagAERRSynchronize:
		w.bytesWithLen(a.MatchIndexes)
	case tagAERRContinue:
		// no payload
	case tagAERRDone:
		w.u64(a.UpToIndex)
	case tagAERRUpdate:
		w.u32(uint32(a.Account))
		w.byte(byte(a.Coll))
		w.bytesWithLen(a.Changes)
		if a.IsRollback {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case tagAERRFetchBlobs:
		w.uvarint(uint64(len(a.BlobIds)))
		for _, id := range a.BlobIds {
			putBlobId(w, id)
		}
	}
}

func decodeAERR(r *byteReader) (AppendEntriesResponse, error) {
	tag, err := r.byte()
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	a := AppendEntriesResponse{Tag: tag}
	switch tag {
	case tagAERRMatch:
		id, err := getRaftId(r)
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		a.MatchLog = id
	case tagAERRSynchronize:
		b, err := r.bytesWithLen()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		a.MatchIndexes = b
	case tagAERRContinue:
		// no payload
	case tagAERRDone:
		v, err := r.u64()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		a.UpToIndex = v
	case tagAERRUpdate:
		acct, err := r.u32()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		coll, err := r.byte()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		changes, err := r.bytesWithLen()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		rollback, err := r.byte()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		a.Account = types.AccountId(acct)
		a.Coll = types.Collection(coll)
		a.Changes = changes
		a.IsRollback = rollback != 0
	case tagAERRFetchBlobs:
		n, err := r.uvarint()
		if err != nil {
			return AppendEntriesResponse{}, err
		}
		ids := make([]types.BlobId, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := getBlobId(r)
			if err != nil {
				return AppendEntriesResponse{}, err
			}
			ids = append(ids, id)
		}
		a.BlobIds = ids
	default:
		return AppendEntriesResponse{}, jerrors.ProtocolDivergence(fmt.Sprintf("unknown append-entries-response tag %d", tag))
	}
	return a, nil
}

// Response is the top-level sum type sent from FR back to LR.
type Response struct {
	Tag           byte
	Term          uint64
	AppendEntries AppendEntriesResponse
	VoteGranted   bool
	Challenge     [32]byte
}

func RespNone() Response             { return Response{Tag: tagRespNone} }
func RespStepDown(term uint64) Response {
	return Response{Tag: tagRespStepDown, Term: term}
}
func RespUnregisteredPeer() Response { return Response{Tag: tagRespUnregisteredPeer} }
func RespPong() Response             { return Response{Tag: tagRespPong} }

func RespAppendEntries(body AppendEntriesResponse) Response {
	return Response{Tag: tagRespAppendEntries, AppendEntries: body}
}

func RespVote(term uint64, granted bool) Response {
	return Response{Tag: tagRespVote, Term: term, VoteGranted: granted}
}

func RespAuth(challenge [32]byte) Response {
	return Response{Tag: tagRespAuth, Challenge: challenge}
}

// Encode serializes resp into a frame payload.
func (resp Response) Encode() []byte {
	w := &byteWriter{}
	w.byte(resp.Tag)
	switch resp.Tag {
	case tagRespNone, tagRespUnregisteredPeer, tagRespPong:
		// no payload
	case tagRespStepDown:
		w.u64(resp.Term)
	case tagRespAppendEntries:
		encodeAERR(w, resp.AppendEntries)
	case tagRespVote:
		w.u64(resp.Term)
		if resp.VoteGranted {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case tagRespAuth:
		w.fixed(resp.Challenge[:])
	}
	return w.buf
}

// DecodeResponse parses a frame payload produced by Response.Encode.
func DecodeResponse(payload []byte) (Response, error) {
	r := newByteReader(payload)
	tag, err := r.byte()
	if err != nil {
		return Response{}, err
	}
	resp := Response{Tag: tag}
	switch tag {
	case tagRespNone, tagRespUnregisteredPeer, tagRespPong:
		// no payload
	case tagRespStepDown:
		term, err := r.u64()
		if err != nil {
			return Response{}, err
		}
		resp.Term = term
	case tagRespAppendEntries:
		aerr, err := decodeAERR(r)
		if err != nil {
			return Response{}, err
		}
		resp.AppendEntries = aerr
	case tagRespVote:
		term, err := r.u64()
		if err != nil {
			return Response{}, err
		}
		granted, err := r.byte()
		if err != nil {
			return Response{}, err
		}
		resp.Term = term
		resp.VoteGranted = granted != 0
	case tagRespAuth:
		challenge, err := r.fixed(32)
		if err != nil {
			return Response{}, err
		}
		copy(resp.Challenge[:], challenge)
	default:
		return Response{}, jerrors.ProtocolDivergence(fmt.Sprintf("unknown response tag %d", tag))
	}
	return resp, nil
}
