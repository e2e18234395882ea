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
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello raft")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [10]byte
	n := putUvarintForTest(lenBuf[:], MaxFrameBytes+1)
	buf.Write(lenBuf[:n])

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestRequestEncodeDecodeBecomeFollower(t *testing.T) {
	req := ReqBecomeFollower(7, types.RaftId{Term: 7, Index: 42})
	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestRequestEncodeDecodeAppendEntriesUpdate(t *testing.T) {
	updates := []Update{
		UpdateBegin(types.AccountId(1), types.CollectionMail),
		UpdateLog(types.RaftId{Term: 1, Index: 5}, []byte{1, 2, 3}),
		UpdateChange([]byte{9, 9}),
		UpdateEof(),
	}
	aer := AERUpdate(5, updates)
	req := ReqAppendEntries(1, aer)

	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestRequestEncodeDecodeDocumentUpdateDistinguishesDelete(t *testing.T) {
	blobID := HashBlob([]byte("attachment"), false)
	updates := []Update{
		UpdateBegin(types.AccountId(1), types.CollectionMail),
		UpdateDocument(DocumentUpdate{DocumentId: 7, Payload: []byte("body"), BlobRefs: []types.BlobId{blobID}}),
		UpdateDocument(DocumentUpdate{DocumentId: 8, Delete: true}),
		UpdateEof(),
	}
	req := ReqAppendEntries(1, AERUpdate(5, updates))

	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
	assert.False(t, decoded.AppendEntries.Updates[1].Document.Delete)
	assert.True(t, decoded.AppendEntries.Updates[2].Document.Delete)
}

func TestResponseEncodeDecodeFetchBlobs(t *testing.T) {
	ids := []types.BlobId{HashBlob([]byte("blob one"), false), HashBlob([]byte("blob two"), true)}
	resp := RespAppendEntries(AERRFetchBlobs(ids))

	decoded, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestBlobRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	id := HashBlob(raw, false)

	framed, err := CompressBlob(raw)
	require.NoError(t, err)
	assert.Less(t, len(framed), len(raw), "compressible input should shrink")

	got, err := DecompressBlob(framed, id)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestBlobRoundTripRejectsTamperedHash(t *testing.T) {
	raw := []byte("small blob")
	id := HashBlob(raw, true)
	id.Hash[0] ^= 0xFF

	framed, err := CompressBlob(raw)
	require.NoError(t, err)

	_, err = DecompressBlob(framed, id)
	require.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	sharedKey := []byte("shard-0-replication-key")
	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, sharedKey)
		done <- err
	}()

	clientConn.SetDeadline(time.Now().Add(2 * time.Second))
	err := ClientHandshake(clientConn, types.PeerId(3), sharedKey)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

// putUvarintForTest mirrors binary.PutUvarint without importing encoding/binary
// twice in this file's import block under a different alias.
func putUvarintForTest(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}
