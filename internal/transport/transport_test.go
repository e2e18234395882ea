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
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/store"
	tlspkg "jmapraft/internal/tls"
	"jmapraft/internal/types"
)

// freeLocalAddr reserves an ephemeral port and immediately releases
// it, for handing to Server.ListenAndServe before it starts accepting.
func freeLocalAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newTestServer starts a Server listening on an ephemeral localhost
// port, backed by a fresh node and store, and returns it alongside the
// address clients should dial and a teardown func.
func newTestServer(t *testing.T, self types.PeerId, authKey []byte) (*Server, *raftnode.Node, string, func()) {
	t.Helper()

	certPEM, keyPEM, err := tlspkg.GenerateSelfSignedCert(tlspkg.DefaultCertConfig())
	require.NoError(t, err)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, tlspkg.SaveCertificates(certPath, keyPath, certPEM, keyPEM))
	listenTLS, err := tlspkg.LoadTLSConfig(certPath, keyPath)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	node := raftnode.New(self, 1, raftnode.DefaultConfig(), zerolog.Nop())
	srv := NewServer(self, authKey, listenTLS, node, st, NewAddressBook(), zerolog.Nop())

	addr := freeLocalAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	go func() {
		ready <- srv.ListenAndServe(ctx, addr)
	}()
	// Give the listener a moment to bind before any test dials it.
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-ready:
		require.NoError(t, err)
	default:
	}

	return srv, node, addr, cancel
}

func newTestDialer(t *testing.T, self types.PeerId, authKey []byte, addrs *AddressBook) *DialTransport {
	t.Helper()
	return NewDialTransport(self, authKey, tlspkg.LoadClusterDialConfig(), addrs, nil, time.Second, zerolog.Nop())
}
