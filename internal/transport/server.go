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
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
	"jmapraft/internal/store"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// Server accepts inbound peer connections and dispatches each request
// frame to the Raft node or to the active follower-receiver task for
// the connection's leader. It is the one place allowed to import both
// raftnode and replication, for the same reason cmd/jmapraftd is: RN
// and the replication tasks must not import each other.
type Server struct {
	self      types.PeerId
	authKey   []byte
	tlsConfig *tls.Config
	node      *raftnode.Node
	store     store.Adapter
	addrs     *AddressBook
	log       zerolog.Logger

	// ApplyToDocumentStore is threaded into every Follower task this
	// server constructs.
	ApplyToDocumentStore func(store.PendingUpdate) error

	mu        sync.Mutex
	followers map[types.PeerId]*replication.Follower

	shard      types.ShardId
	heartbeats HeartbeatRecorder
}

// WithHeartbeats arranges for every successfully decoded inbound
// request to also record a heartbeat for its sender.
func (s *Server) WithHeartbeats(rec HeartbeatRecorder, shard types.ShardId) *Server {
	s.heartbeats = rec
	s.shard = shard
	return s
}

// NewServer constructs a Server bound to node and store.
func NewServer(self types.PeerId, authKey []byte, tlsConfig *tls.Config, node *raftnode.Node, st store.Adapter, addrs *AddressBook, logger zerolog.Logger) *Server {
	return &Server{
		self:      self,
		authKey:   authKey,
		tlsConfig: tlsConfig,
		node:      node,
		store:     st,
		addrs:     addrs,
		log:       logger.With().Str("component", "transport_server").Logger(),
		followers: make(map[types.PeerId]*replication.Follower),
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs the handshake-then-dispatch loop for one already
// established connection: a TLS-accepted socket in production, or a
// net.Pipe() end in a test harness that wires two Servers together
// directly. The handshake itself (internal/wire's BLAKE3
// mutual-challenge) doesn't care which kind of net.Conn it rides on.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	peer, err := wire.ServerHandshake(conn, s.authKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		return
	}
	log := s.log.With().Uint64("peer_id", uint64(peer)).Logger()

	if host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
		if _, known := s.addrs.Lookup(peer); !known {
			log.Debug().Str("remote", host).Msg("peer connected from unregistered address")
		}
	}

	br := bufio.NewReader(conn)
	for {
		payload, err := wire.ReadFrame(br)
		if err != nil {
			log.Debug().Err(err).Msg("connection closed")
			return
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			log.Warn().Err(err).Msg("malformed request")
			return
		}
		if s.heartbeats != nil {
			s.heartbeats.RecordHeartbeat(peer, s.shard, types.None, 0, 0)
		}

		resp, err := s.dispatch(peer, req)
		if err != nil {
			log.Warn().Err(err).Msg("request handling failed")
			return
		}
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			log.Debug().Err(err).Msg("write response failed")
			return
		}
	}
}

func (s *Server) dispatch(peer types.PeerId, req wire.Request) (wire.Response, error) {
	switch req.Tag {
	case wire.RequestPing:
		return wire.RespPong(), nil

	case wire.RequestUpdatePeers:
		for _, p := range req.Peers {
			s.addrs.Set(p.PeerId, p.Addr)
			s.node.UpsertPeer(p.PeerId, p.Shard, true)
		}
		return wire.RespNone(), nil

	case wire.RequestVote:
		result := s.node.HandleVoteRequest(raftnode.VoteRequest{
			Candidate: peer,
			Term:      types.TermId(req.Term),
			LastLog:   req.LastLog,
		})
		return wire.RespVote(uint64(result.Term), result.Granted), nil

	case wire.RequestBecomeFollower:
		accepted, currentTerm := s.node.HandleBecomeFollower(peer, types.TermId(req.Term))
		if !accepted {
			return wire.RespStepDown(uint64(currentTerm)), nil
		}
		if err := s.ensureFollower(peer); err != nil {
			return wire.Response{}, err
		}
		return wire.RespNone(), nil

	case wire.RequestAppendEntries:
		follower, err := s.followerFor(peer)
		if err != nil {
			return wire.Response{}, err
		}
		return follower.HandleRequest(req)

	default:
		return wire.RespUnregisteredPeer(), nil
	}
}

// ensureFollower (re)creates the follower-receiver task for peer,
// discarding any prior one: a new BecomeFollower means a new leader
// term, and FR's startup procedure (commit_leader/commit_follower)
// must run again per §4.4.
func (s *Server) ensureFollower(peer types.PeerId) error {
	f, err := replication.NewFollower(s.self, s.store, s.log)
	if err != nil {
		return err
	}
	f.ApplyToDocumentStore = s.ApplyToDocumentStore

	s.mu.Lock()
	s.followers[peer] = f
	s.mu.Unlock()
	return nil
}

// followerFor returns the active follower task for peer, lazily
// constructing one if AppendEntries arrived without a preceding
// BecomeFollower (the leader has already stabilized the relationship
// from an earlier connection).
func (s *Server) followerFor(peer types.PeerId) (*replication.Follower, error) {
	s.mu.Lock()
	f, ok := s.followers[peer]
	s.mu.Unlock()
	if ok {
		return f, nil
	}
	if err := s.ensureFollower(peer); err != nil {
		return nil, err
	}
	s.mu.Lock()
	f = s.followers[peer]
	s.mu.Unlock()
	return f, nil
}
