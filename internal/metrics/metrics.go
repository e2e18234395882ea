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

// Package metrics exposes the replication core's state as Prometheus
// gauges, counters, and histograms: Raft role/term/commit position,
// per-peer replication lag, pending-queue depth, and RPC latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmapraft_raft_term",
		Help: "Current Raft term observed by this node.",
	})

	RaftRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jmapraft_raft_role",
			Help: "1 if this node currently holds the named role, 0 otherwise.",
		},
		[]string{"role"},
	)

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmapraft_raft_commit_index",
		Help: "Highest log index known committed by quorum.",
	})

	RaftUncommittedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmapraft_raft_uncommitted_index",
		Help: "Highest log index written locally but not yet confirmed committed.",
	})

	RaftPeersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmapraft_raft_peers_alive",
		Help: "Number of peers in this node's shard currently classified alive.",
	})

	RaftElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jmapraft_raft_elections_total",
		Help: "Number of elections this node has started.",
	})

	ReplicationLagEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jmapraft_replication_lag_entries",
			Help: "Log entries a follower peer is behind this node's last log index, from the leader's perspective.",
		},
		[]string{"peer"},
	)

	ReplicationRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jmapraft_replication_rpc_duration_seconds",
			Help:    "Leader replicator RPC round-trip latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer", "phase"},
	)

	ReplicationRPCRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapraft_replication_rpc_retries_total",
			Help: "Leader replicator RPC retry attempts, by peer.",
		},
		[]string{"peer"},
	)

	ReplicationRollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapraft_replication_rollbacks_total",
			Help: "Rollback operations a follower has applied, by collection.",
		},
		[]string{"collection"},
	)

	FollowerPendingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jmapraft_follower_pending_queue_depth",
		Help: "PendingUpdate rows staged but not yet committed into the document store.",
	})

	PeerLivenessPhi = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jmapraft_peer_liveness_phi",
			Help: "Current phi-accrual suspicion level per peer.",
		},
		[]string{"peer"},
	)

	StoreWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jmapraft_store_write_duration_seconds",
		Help:    "bbolt write-transaction duration for raft log and change appends.",
		Buckets: prometheus.DefBuckets,
	})
)

// Register adds every metric above to prometheus's default registerer.
// Call once at process startup.
func Register() {
	prometheus.MustRegister(
		RaftTerm,
		RaftRole,
		RaftCommitIndex,
		RaftUncommittedIndex,
		RaftPeersAlive,
		RaftElectionsTotal,
		ReplicationLagEntries,
		ReplicationRPCDuration,
		ReplicationRPCRetriesTotal,
		ReplicationRollbacksTotal,
		FollowerPendingQueueDepth,
		PeerLivenessPhi,
		StoreWriteDuration,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration against a fixed start time,
// for code that can't wrap the operation in a single deferred call.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into
// histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
