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
Package replication implements the leader-side and follower-side
per-peer replication state machines (LR and FR). LR sends through the
Transport abstraction so it can be driven over a real TLS connection
in production and over net.Pipe() in tests; FR only answers the
requests handed to it and holds no Transport.
*/
package replication

import (
	"context"
	"time"

	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// Transport sends one request to a peer and waits for its response.
// Implementations own connection lifecycle, reconnects, and the
// BLAKE3 handshake; Send should fail fast with a transient error
// rather than block indefinitely when the peer is unreachable.
type Transport interface {
	Send(ctx context.Context, peer types.PeerId, req wire.Request) (wire.Response, error)
	// Online reports the last-known reachability of peer, as tracked by
	// the peer liveness feed / connection pool.
	Online(peer types.PeerId) bool
}

// Config holds the RPC timing knobs used by LR.
type Config struct {
	RPCTimeout        time.Duration
	RPCRetriesMax     int
	RPCBackoffBase    time.Duration
	RPCBackoffMax     time.Duration
	MaxBatchSizeBytes int
}

// DefaultConfig returns the defaults named in spec §4.3/§6.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:        1000 * time.Millisecond,
		RPCRetriesMax:     5,
		RPCBackoffBase:    50 * time.Millisecond,
		RPCBackoffMax:     2 * time.Second,
		MaxBatchSizeBytes: 10 * 1024 * 1024,
	}
}

func backoffDuration(cfg Config, attempt int) time.Duration {
	d := cfg.RPCBackoffBase << uint(attempt)
	if d > cfg.RPCBackoffMax || d <= 0 {
		return cfg.RPCBackoffMax
	}
	return d
}
