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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicationLagEntriesTracksPerPeerLabel(t *testing.T) {
	ReplicationLagEntries.Reset()
	ReplicationLagEntries.WithLabelValues("2").Set(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(ReplicationLagEntries.WithLabelValues("2")))
}

func TestRaftRoleIsPerRoleGauge(t *testing.T) {
	RaftRole.Reset()
	RaftRole.WithLabelValues("leader").Set(1)
	RaftRole.WithLabelValues("follower").Set(0)
	assert.Equal(t, float64(1), testutil.ToFloat64(RaftRole.WithLabelValues("leader")))
	assert.Equal(t, float64(0), testutil.ToFloat64(RaftRole.WithLabelValues("follower")))
}

// countingHistogram records every Observe call and delegates the rest of
// the Histogram interface to the wrapped metric.
type countingHistogram struct {
	prometheus.Histogram
	observed []float64
}

func (c *countingHistogram) Observe(v float64) { c.observed = append(c.observed, v) }

func TestTimerObservesElapsedDuration(t *testing.T) {
	h := &countingHistogram{Histogram: StoreWriteDuration}
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)
	require.Len(t, h.observed, 1)
	assert.GreaterOrEqual(t, h.observed[0], 0.005)
}
