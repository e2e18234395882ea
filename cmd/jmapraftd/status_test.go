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

package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
)

func TestStatusHandlerReportsNodeState(t *testing.T) {
	s := openOrchestratorTestStore(t)
	node := raftnode.New(5, 2, raftnode.DefaultConfig(), zerolog.Nop())
	orch := newOrchestrator(5, node, s, &fakeTransport{}, replication.DefaultConfig(), zerolog.Nop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	statusHandler(node, nodeIdentity{nodeID: 5, shardID: 2}, orch)(rec, req)

	require.Equal(t, 200, rec.Code)
	var st nodeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, uint64(5), st.NodeID)
	require.Equal(t, uint32(2), st.ShardID)
	require.Equal(t, "wait", st.Role)
	require.Equal(t, 0, st.ActiveLeaders)
}
