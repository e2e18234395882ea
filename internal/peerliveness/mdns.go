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

package peerliveness

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"jmapraft/internal/types"
)

const mdnsServiceName = "_jmapraft._tcp"

// MDNSDiscovery advertises this node's replication listener on the
// local network and browses for peers, for the standalone deployment
// mode where peer addresses are not supplied through static
// configuration. It is optional: a statically configured cluster never
// constructs one.
type MDNSDiscovery struct {
	server *mdns.Server
	log    zerolog.Logger
}

// AdvertiseConfig describes the TXT record this node publishes about
// itself: enough for a browsing peer to identify it without first
// opening a connection.
type AdvertiseConfig struct {
	PeerId types.PeerId
	Shard  types.ShardId
	Port   int
	Host   string
}

// Advertise publishes an mDNS service record for this node. The
// returned MDNSDiscovery must be shut down when the node stops serving.
func Advertise(cfg AdvertiseConfig, logger zerolog.Logger) (*MDNSDiscovery, error) {
	host, err := os.Hostname()
	if err != nil || cfg.Host != "" {
		host = cfg.Host
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}

	info := []string{
		fmt.Sprintf("peer=%d", cfg.PeerId),
		fmt.Sprintf("shard=%d", cfg.Shard),
	}
	svc, err := mdns.NewMDNSService(
		fmt.Sprintf("jmapraft-peer-%d", cfg.PeerId),
		mdnsServiceName,
		"",
		host,
		cfg.Port,
		nil,
		info,
	)
	if err != nil {
		return nil, fmt.Errorf("peerliveness: build mdns service record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("peerliveness: start mdns server: %w", err)
	}

	return &MDNSDiscovery{
		server: server,
		log:    logger.With().Str("component", "peerliveness.mdns").Logger(),
	}, nil
}

// Shutdown stops advertising.
func (m *MDNSDiscovery) Shutdown() error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown()
}

// Browse queries the network once for jmapraft peer records and feeds
// whatever it finds into feed as heartbeats with a zero LastLog — the
// discovered peer must still be reached over the replication transport
// before its real log position is known. It runs until ctx is
// cancelled or timeout elapses, whichever comes first.
func Browse(ctx context.Context, feed *Feed, timeout time.Duration, logger zerolog.Logger) error {
	entries := make(chan *mdns.ServiceEntry, 16)
	log := logger.With().Str("component", "peerliveness.mdns").Logger()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				peer, shard, ok := parsePeerTXT(entry.InfoFields)
				if !ok {
					log.Warn().Str("host", entry.Host).Msg("peer liveness: unparseable mdns record, ignoring")
					continue
				}
				feed.RecordHeartbeat(peer, shard, types.None, 0, 0)
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service: mdnsServiceName,
		Domain:  "local",
		Timeout: timeout,
		Entries: entries,
	})
	close(entries)
	<-done
	if err != nil {
		return fmt.Errorf("peerliveness: mdns query: %w", err)
	}
	return nil
}

func parsePeerTXT(fields []string) (types.PeerId, types.ShardId, bool) {
	var peer *uint64
	var shard *uint64
	for _, f := range fields {
		k, v, found := strings.Cut(f, "=")
		if !found {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		switch k {
		case "peer":
			peer = &n
		case "shard":
			shard = &n
		}
	}
	if peer == nil || shard == nil {
		return 0, 0, false
	}
	return types.PeerId(*peer), types.ShardId(*shard), true
}
