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

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

func TestAddressBookSetAndLookup(t *testing.T) {
	b := NewAddressBook()
	_, ok := b.Lookup(1)
	assert.False(t, ok)

	b.Set(1, "127.0.0.1:9001")
	addr, ok := b.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9001", addr)
}

func TestDialTransportOnlineWithNoLivenessSourceAlwaysTrue(t *testing.T) {
	tr := NewDialTransport(1, []byte("k"), nil, NewAddressBook(), nil, time.Second, zerolog.Nop())
	assert.True(t, tr.Online(7))
}

type fakeLiveness struct{ alive map[types.PeerId]bool }

func (f fakeLiveness) IsAlive(peer types.PeerId) bool { return f.alive[peer] }

func TestDialTransportOnlineDelegatesToLivenessSource(t *testing.T) {
	tr := NewDialTransport(1, []byte("k"), nil, NewAddressBook(), fakeLiveness{alive: map[types.PeerId]bool{2: true}}, time.Second, zerolog.Nop())
	assert.True(t, tr.Online(2))
	assert.False(t, tr.Online(3))
}

func TestDialTransportSendUnknownPeerIsTransientError(t *testing.T) {
	tr := newTestDialer(t, 99, []byte("shared-secret"), NewAddressBook())
	_, err := tr.Send(context.Background(), 42, wire.ReqPing())
	require.Error(t, err)
}

func TestDialTransportSendRoundTripsPing(t *testing.T) {
	authKey := []byte("shared-secret")
	_, _, addr, cancel := newTestServer(t, 1, authKey)
	defer cancel()

	addrs := NewAddressBook()
	addrs.Set(1, addr)
	dialer := newTestDialer(t, 2, authKey, addrs)

	resp, err := dialer.Send(context.Background(), 1, wire.ReqPing())
	require.NoError(t, err)
	assert.Equal(t, wire.ResponsePong, resp.Tag)
}

func TestDialTransportSendUpdatePeersPopulatesServerAddressBook(t *testing.T) {
	authKey := []byte("shared-secret")
	srv, _, addr, cancel := newTestServer(t, 1, authKey)
	defer cancel()

	addrs := NewAddressBook()
	addrs.Set(1, addr)
	dialer := newTestDialer(t, 2, authKey, addrs)

	req := wire.ReqUpdatePeers([]wire.PeerInfo{{PeerId: 3, Shard: 1, Addr: "127.0.0.1:9999"}})
	resp, err := dialer.Send(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseNone, resp.Tag)

	learned, ok := srv.addrs.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9999", learned)
}

func TestDialTransportRecordsHeartbeatOnSuccess(t *testing.T) {
	authKey := []byte("shared-secret")
	_, _, addr, cancel := newTestServer(t, 1, authKey)
	defer cancel()

	addrs := NewAddressBook()
	addrs.Set(1, addr)
	dialer := newTestDialer(t, 2, authKey, addrs)

	rec := &recordingHeartbeats{}
	dialer.WithHeartbeats(rec, 1)

	_, err := dialer.Send(context.Background(), 1, wire.ReqPing())
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, types.PeerId(1), rec.calls[0])
}

type recordingHeartbeats struct {
	calls []types.PeerId
}

func (r *recordingHeartbeats) RecordHeartbeat(peer types.PeerId, shard types.ShardId, lastLog types.RaftId, epoch, generation uint64) {
	r.calls = append(r.calls, peer)
}
