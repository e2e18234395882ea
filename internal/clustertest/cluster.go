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

// Package clustertest wires real raftnode.Node, replication.Leader, and
// replication.Follower instances into an in-process, net.Pipe()-backed
// multi-node cluster, for tests that need to observe an actual election
// and replication run rather than drive the phase machines in
// isolation. It reuses transport.Server.ServeConn for request dispatch,
// so the only test-only code is the Transport implementation that
// drives a persistent pipe instead of dialing TLS per call.
package clustertest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	jerrors "jmapraft/internal/errors"
	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
	"jmapraft/internal/store"
	"jmapraft/internal/transport"
	"jmapraft/internal/types"
	"jmapraft/internal/wire"
)

// FastRaftConfig shortens raftnode's election/commit timers enough that
// a cluster converges inside a unit test's patience, grounded on
// node_test.go's TestRunDoesNotSelfDemoteAfterBecomingLeader timing.
func FastRaftConfig() raftnode.Config {
	return raftnode.Config{
		ElectionTimeoutBaseMs:      30,
		ElectionTimeoutJitterLo:    5,
		ElectionTimeoutJitterHi:    20,
		CommitTimeoutMs:            20,
		StartWithTombstonesEnabled: true,
	}
}

// FastReplicationConfig shortens replication's RPC timeout/backoff to
// match FastRaftConfig's timers.
func FastReplicationConfig() replication.Config {
	cfg := replication.DefaultConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.RPCRetriesMax = 2
	cfg.RPCBackoffBase = 5 * time.Millisecond
	cfg.RPCBackoffMax = 20 * time.Millisecond
	return cfg
}

// authKey is shared by every node in a test cluster; production derives
// this per-shard from configuration, but a harness only needs one fixed
// value for wire.ClientHandshake/ServerHandshake to agree on.
var authKey = []byte("clustertest-shared-authentication-key")

// fakeDocStore stands in for docstore.Store: an in-memory
// DocumentId -> payload map guarded by a mutex, exposing the same
// Get/Apply shape the real store gives replication.Leader.DocumentSource
// and Follower/transport.Server.ApplyToDocumentStore.
type fakeDocStore struct {
	mu   sync.Mutex
	docs map[types.DocumentId][]byte
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[types.DocumentId][]byte)}
}

func (d *fakeDocStore) Get(id types.DocumentId) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, ok := d.docs[id]
	return payload, ok, nil
}

func (d *fakeDocStore) put(id types.DocumentId, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[id] = append([]byte(nil), payload...)
}

func (d *fakeDocStore) snapshot() map[types.DocumentId][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[types.DocumentId][]byte, len(d.docs))
	for id, payload := range d.docs {
		out[id] = append([]byte(nil), payload...)
	}
	return out
}

// Apply mirrors docstore.Store.Apply's PendingUpdateKind switch closely
// enough for assertions: a committed insert/update lands in the map, a
// committed delete removes it.
func (d *fakeDocStore) Apply(p store.PendingUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch p.Kind {
	case store.PendingUpdateDoc:
		d.docs[p.DocumentID] = append([]byte(nil), p.Payload...)
	case store.PendingDelete:
		for _, id := range p.DeleteIds {
			delete(d.docs, id)
		}
	}
	return nil
}

// pipeConn is one persistent, already-handshaken client-side connection
// to a peer's transport.Server, serialized by mu since replication.Leader
// only ever issues one in-flight request per peer at a time but a test
// may also drive onBecomeCandidate's vote fan-out concurrently with it.
type pipeConn struct {
	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// pipeTransport implements replication.Transport over a fixed mesh of
// net.Pipe() connections set up once at cluster-construction time,
// per internal/replication/transport.go's documented intent that
// Transport be driven over net.Pipe() in tests instead of TLS sockets.
type pipeTransport struct {
	self types.PeerId

	mu    sync.Mutex
	conns map[types.PeerId]*pipeConn
	down  map[types.PeerId]bool
}

func newPipeTransport(self types.PeerId) *pipeTransport {
	return &pipeTransport{
		self:  self,
		conns: make(map[types.PeerId]*pipeConn),
		down:  make(map[types.PeerId]bool),
	}
}

func (t *pipeTransport) addPeer(peer types.PeerId, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[peer] = &pipeConn{conn: conn, br: bufio.NewReader(conn)}
}

// SetOnline flips a simulated network partition between this transport
// and peer: Send and Online both honor it immediately, letting a test
// model a split vote or a leader crash without tearing down any pipe.
func (t *pipeTransport) SetOnline(peer types.PeerId, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[peer] = !online
}

func (t *pipeTransport) Online(peer types.PeerId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.conns[peer]
	return exists && !t.down[peer]
}

func (t *pipeTransport) Send(ctx context.Context, peer types.PeerId, req wire.Request) (wire.Response, error) {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	blocked := t.down[peer]
	t.mu.Unlock()
	if !ok {
		return wire.Response{}, jerrors.TransientTransport(fmt.Sprintf("no pipe configured to peer %d", peer), nil)
	}
	if blocked {
		return wire.Response{}, jerrors.TransientTransport(fmt.Sprintf("peer %d unreachable (partitioned)", peer), nil)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = pc.conn.SetDeadline(dl)
	} else {
		_ = pc.conn.SetDeadline(time.Time{})
	}
	if err := wire.WriteFrame(pc.conn, req.Encode()); err != nil {
		return wire.Response{}, jerrors.TransientTransport("write frame", err)
	}
	payload, err := wire.ReadFrame(pc.br)
	if err != nil {
		return wire.Response{}, jerrors.TransientTransport("read frame", err)
	}
	resp, err := wire.DecodeResponse(payload)
	if err != nil {
		return wire.Response{}, jerrors.ProtocolDivergence("malformed response: " + err.Error())
	}
	return resp, nil
}

// Node is one cluster member: a Raft node, its store, its docstore
// stand-in, its transport.Server (dispatch for inbound requests), its
// pipeTransport (outbound requests), and the leader-replicator
// lifecycle management cmd/jmapraftd/orchestrator.go normally owns.
type Node struct {
	ID    types.PeerId
	Raft  *raftnode.Node
	Store *store.BoltStore
	Docs  *fakeDocStore
	Srv   *transport.Server

	transport *pipeTransport
	cfg       replication.Config
	log       zerolog.Logger

	mu      sync.Mutex
	leaders map[types.PeerId]context.CancelFunc
	wg      sync.WaitGroup
}

func (n *Node) isLeader() bool { return n.Raft.State() == raftnode.StateLeader }

// spawnLeader mirrors orchestrator.spawnLeader: one Leader task per
// peer, cancelled on step-down, reporting DocumentSource from this
// node's own fakeDocStore.
func (n *Node) spawnLeader(peer types.PeerId) {
	n.mu.Lock()
	if _, exists := n.leaders[peer]; exists {
		n.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.leaders[peer] = cancel
	n.mu.Unlock()

	lr := replication.NewLeader(n.ID, peer, n.Raft, n.Store, n.transport, n.cfg, n.log)
	lr.DocumentSource = n.Docs.Get
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = lr.Run(ctx)
		n.mu.Lock()
		delete(n.leaders, peer)
		n.mu.Unlock()
	}()
}

func (n *Node) onBecomeLeader(peers []types.PeerId) {
	for _, p := range peers {
		n.spawnLeader(p)
	}
}

func (n *Node) onStepDown() {
	n.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(n.leaders))
	for peer, cancel := range n.leaders {
		cancels = append(cancels, cancel)
		delete(n.leaders, peer)
	}
	n.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (n *Node) onBecomeCandidate(term types.TermId, lastLog types.RaftId, peers []types.PeerId) {
	req := wire.ReqVote(uint64(term), lastLog)
	for _, p := range peers {
		peer := p
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()
			resp, err := n.transport.Send(ctx, peer, req)
			if err != nil || resp.Tag != wire.ResponseVote {
				return
			}
			n.Raft.HandleVoteReply(peer, raftnode.VoteResult{Granted: resp.VoteGranted, Term: types.TermId(resp.Term)})
		}()
	}
}

// stopAll cancels every active leader task and waits for it to exit.
func (n *Node) stopAll() {
	n.onStepDown()
	n.wg.Wait()
}

// LeaderCount reports how many leader-replicator tasks this node
// currently has running, for tests asserting a stepped-down node
// tears its replicators down.
func (n *Node) LeaderCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.leaders)
}

// Cluster is a fully connected mesh of Node instances sharing one
// logical shard, each pair joined by a pair of net.Pipe() connections
// (one per direction) with a transport.Server.ServeConn goroutine
// driving the inbound side of each.
type Cluster struct {
	Nodes map[types.PeerId]*Node

	raftCfg raftnode.Config
	replCfg replication.Config
	log     zerolog.Logger
}

// NewCluster builds an n-node cluster, each member pre-wired with
// election/replication callbacks and a full mesh of handshaken pipes,
// but does not start any node's Raft.Run() loop — call Start for that,
// separately, so a test can adjust state before the election timer
// starts ticking.
func NewCluster(t *testing.T, n int, shard types.ShardId) *Cluster {
	t.Helper()
	raftCfg := FastRaftConfig()
	replCfg := FastReplicationConfig()
	log := zerolog.Nop()

	c := &Cluster{
		Nodes:   make(map[types.PeerId]*Node, n),
		raftCfg: raftCfg,
		replCfg: replCfg,
		log:     log,
	}

	ids := make([]types.PeerId, n)
	for i := 0; i < n; i++ {
		ids[i] = types.PeerId(i + 1)
	}

	for _, id := range ids {
		st, err := store.Open(t.TempDir() + fmt.Sprintf("/node-%d.db", id))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })

		raft := raftnode.New(id, shard, raftCfg, log)
		addrs := transport.NewAddressBook()
		srv := transport.NewServer(id, authKey, nil, raft, st, addrs, log)
		docs := newFakeDocStore()
		srv.ApplyToDocumentStore = docs.Apply

		node := &Node{
			ID:        id,
			Raft:      raft,
			Store:     st,
			Docs:      docs,
			Srv:       srv,
			transport: newPipeTransport(id),
			cfg:       replCfg,
			log:       log,
			leaders:   make(map[types.PeerId]context.CancelFunc),
		}
		raft.OnBecomeLeader = node.onBecomeLeader
		raft.OnStepDown = node.onStepDown
		raft.OnBecomeCandidate = node.onBecomeCandidate

		c.Nodes[id] = node
	}

	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			c.Nodes[from].Raft.UpsertPeer(to, shard, true)
		}
	}

	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			c.connect(t, from, to, shard)
		}
	}

	return c
}

// connect wires one directed edge: from dials to over a net.Pipe(),
// performing the same handshake a real TLS dial would, then hands the
// server-side end to to's transport.Server.ServeConn exactly as
// ListenAndServe would for an accepted socket.
func (c *Cluster) connect(t *testing.T, from, to types.PeerId, shard types.ShardId) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	go c.Nodes[to].Srv.ServeConn(serverSide)

	require.NoError(t, clientSide.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wire.ClientHandshake(clientSide, from, authKey))
	require.NoError(t, clientSide.SetDeadline(time.Time{}))

	c.Nodes[from].transport.addPeer(to, clientSide)
}

// Start launches every node's Raft.Run() loop. Stop (via t.Cleanup) or
// an explicit call to Cluster.Stop tears them down again.
func (c *Cluster) Start(t *testing.T) {
	t.Helper()
	for _, node := range c.Nodes {
		go node.Raft.Run()
	}
	t.Cleanup(c.Stop)
}

// Stop halts every node's election timer and leader-replicator tasks.
func (c *Cluster) Stop() {
	for _, node := range c.Nodes {
		node.Raft.Stop()
		node.stopAll()
	}
}

// Leader returns the current leader node, or nil if none has one yet.
func (c *Cluster) Leader() *Node {
	for _, node := range c.Nodes {
		if node.isLeader() {
			return node
		}
	}
	return nil
}

// Followers returns every node that isn't currently leader.
func (c *Cluster) Followers() []*Node {
	var out []*Node
	for _, node := range c.Nodes {
		if !node.isLeader() {
			out = append(out, node)
		}
	}
	return out
}

// Partition marks every pipe between the two given id sets as down in
// both directions, simulating a network split.
func (c *Cluster) Partition(left, right []types.PeerId) {
	for _, l := range left {
		for _, r := range right {
			c.Nodes[l].transport.SetOnline(r, false)
			c.Nodes[r].transport.SetOnline(l, false)
		}
	}
}

// Heal reverses a prior Partition between the two given id sets.
func (c *Cluster) Heal(left, right []types.PeerId) {
	for _, l := range left {
		for _, r := range right {
			c.Nodes[l].transport.SetOnline(r, true)
			c.Nodes[r].transport.SetOnline(l, true)
		}
	}
}

// Eventually polls cond every 5ms until it returns true or timeout
// elapses, failing the test otherwise. Cluster convergence (elections,
// replication catch-up) is asynchronous by nature, so tests built on
// this harness poll rather than sleep a fixed guess.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msgAndArgs...)
}
