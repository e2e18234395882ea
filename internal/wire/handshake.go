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
	"crypto/rand"
	"crypto/subtle"
	"net"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
	"lukechampine.com/blake3"
)

// ServerHandshake performs the server side of the mutual-challenge
// handshake over an already-established TLS connection: issue a random
// 32-byte challenge, expect the client's BLAKE3(sharedKey || challenge)
// response, and return the peer id it claims. Only the response is
// checked; the claimed peer id is returned as sent.
func ServerHandshake(conn net.Conn, sharedKey []byte) (types.PeerId, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return 0, jerrors.TransientTransport("generate handshake challenge", err)
	}

	resp := RespAuth(challenge)
	if err := WriteFrame(conn, resp.Encode()); err != nil {
		return 0, err
	}

	br := bufio.NewReader(conn)
	payload, err := ReadFrame(br)
	if err != nil {
		return 0, err
	}
	req, err := DecodeRequest(payload)
	if err != nil {
		return 0, err
	}
	if req.Tag != tagAuth {
		return 0, jerrors.ProtocolDivergence("expected Auth request during handshake")
	}

	expected := expectedResponse(sharedKey, challenge)
	if subtle.ConstantTimeCompare(expected[:], req.AuthResponse[:]) != 1 {
		return 0, jerrors.ProtocolDivergence("handshake response does not match shared key")
	}
	return req.PeerId, nil
}

// ClientHandshake performs the client side: read the server's
// challenge, respond with BLAKE3(sharedKey || challenge) tagged with
// our own peer id.
func ClientHandshake(conn net.Conn, selfID types.PeerId, sharedKey []byte) error {
	br := bufio.NewReader(conn)
	payload, err := ReadFrame(br)
	if err != nil {
		return err
	}
	resp, err := DecodeResponse(payload)
	if err != nil {
		return err
	}
	if resp.Tag != tagRespAuth {
		return jerrors.ProtocolDivergence("expected Auth response during handshake")
	}

	answer := expectedResponse(sharedKey, resp.Challenge)
	req := ReqAuth(selfID, answer)
	return WriteFrame(conn, req.Encode())
}

func expectedResponse(sharedKey []byte, challenge [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write(sharedKey)
	h.Write(challenge[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
