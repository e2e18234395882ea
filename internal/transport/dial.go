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

/*
Package transport implements replication.Transport over a TLS
connection per call, carrying the BLAKE3 mutual-challenge handshake
from internal/wire. It also runs the listener side: accept a
connection, perform the server handshake, and dispatch each inbound
frame to the Raft node or the active follower-receiver task.
*/
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// AddressBook resolves a peer id to a dial address. The orchestration
// layer populates it from config.Peers and keeps it current as
// UpdatePeers RPCs arrive.
type AddressBook struct {
	mu   sync.RWMutex
	addr map[types.PeerId]string
}

// NewAddressBook returns an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{addr: make(map[types.PeerId]string)}
}

// Set records (or updates) the dial address for peer.
func (b *AddressBook) Set(peer types.PeerId, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr[peer] = addr
}

// Lookup returns the dial address for peer, if known.
func (b *AddressBook) Lookup(peer types.PeerId) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.addr[peer]
	return a, ok
}

// LivenessSource reports whether a peer is currently classified alive,
// satisfied by *peerliveness.Feed.
type LivenessSource interface {
	IsAlive(peer types.PeerId) bool
}

// HeartbeatRecorder is fed one observed contact with a peer, satisfied
// by *peerliveness.Feed.RecordHeartbeat. Successful RPC traffic counts
// as a heartbeat in addition to whatever gossip/mDNS discovery feeds
// the liveness detector independently.
type HeartbeatRecorder interface {
	RecordHeartbeat(peer types.PeerId, shard types.ShardId, lastLog types.RaftId, epoch, generation uint64)
}

// DialTransport implements replication.Transport by dialing a fresh
// TLS connection for every Send call: connect, handshake, send one
// frame, read one frame back, close. Leader replicator tasks already
// retry with backoff above this layer (internal/replication's
// sendWithRetry), so a short-lived connection per RPC keeps this layer
// simple and avoids half-open sockets surviving a peer restart.
type DialTransport struct {
	selfID    types.PeerId
	authKey   []byte
	tlsConfig *tls.Config
	addrs     *AddressBook
	liveness  LivenessSource
	timeout   time.Duration
	log       zerolog.Logger

	shard      types.ShardId
	heartbeats HeartbeatRecorder
}

// NewDialTransport constructs a DialTransport. liveness may be nil, in
// which case Online always reports true (useful in single-peer or
// test deployments that never wired a liveness feed).
func NewDialTransport(selfID types.PeerId, authKey []byte, tlsConfig *tls.Config, addrs *AddressBook, liveness LivenessSource, timeout time.Duration, logger zerolog.Logger) *DialTransport {
	return &DialTransport{
		selfID:    selfID,
		authKey:   authKey,
		tlsConfig: tlsConfig,
		addrs:     addrs,
		liveness:  liveness,
		timeout:   timeout,
		log:       logger.With().Str("component", "transport").Logger(),
	}
}

// WithHeartbeats arranges for every successful Send to also record a
// heartbeat for the peer, in addition to whatever external liveness
// source is wired in.
func (t *DialTransport) WithHeartbeats(rec HeartbeatRecorder, shard types.ShardId) *DialTransport {
	t.heartbeats = rec
	t.shard = shard
	return t
}

// Online reports whether peer is currently reachable per the liveness
// feed.
func (t *DialTransport) Online(peer types.PeerId) bool {
	if t.liveness == nil {
		return true
	}
	return t.liveness.IsAlive(peer)
}

// Send dials peer, performs the handshake, sends req, and returns its
// response. Every failure is wrapped as a transient-transport error so
// the replication layer's retry loop treats it as retryable.
func (t *DialTransport) Send(ctx context.Context, peer types.PeerId, req wire.Request) (wire.Response, error) {
	addr, ok := t.addrs.Lookup(peer)
	if !ok {
		return wire.Response{}, jerrors.TransientTransport(fmt.Sprintf("no known address for peer %d", peer), nil)
	}

	dialer := &net.Dialer{Timeout: t.timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.Response{}, jerrors.TransientTransport("dial peer", err)
	}
	conn := tls.Client(rawConn, t.tlsConfig)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.timeout))
	}

	if err := wire.ClientHandshake(conn, t.selfID, t.authKey); err != nil {
		return wire.Response{}, jerrors.TransientTransport("client handshake", err)
	}

	if err := wire.WriteFrame(conn, req.Encode()); err != nil {
		return wire.Response{}, jerrors.TransientTransport("write request frame", err)
	}

	br := bufio.NewReader(conn)
	payload, err := wire.ReadFrame(br)
	if err != nil {
		return wire.Response{}, jerrors.TransientTransport("read response frame", err)
	}
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		return wire.Response{}, jerrors.TransientTransport("decode response", err)
	}
	if t.heartbeats != nil {
		t.heartbeats.RecordHeartbeat(peer, t.shard, types.None, 0, 0)
	}
	return resp, nil
}
