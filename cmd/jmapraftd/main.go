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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jmapraft/internal/config"
	"jmapraft/internal/docstore"
	"jmapraft/internal/logging"
	"jmapraft/internal/metrics"
	"jmapraft/internal/peerliveness"
	"jmapraft/internal/raftnode"
	"jmapraft/internal/replication"
	"jmapraft/internal/store"
	"jmapraft/internal/tls"
	"jmapraft/internal/transport"
	"jmapraft/internal/types"
	"jmapraft/internal/workerpool"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jmapraftd",
	Short: "jmapraftd runs one shard member of a JMAP mail cluster's replication layer",
	Long: `jmapraftd is the replication daemon for one node of a JMAP cluster
shard: the Raft consensus state machine, the leader/follower replication
tasks, the peer liveness feed, and the TLS transport between peers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jmapraftd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to the node's TOML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log_level from the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	mgr := config.Global()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if json, _ := cmd.Flags().GetBool("log-json"); json {
		cfg.LogJSON = true
	}
	return mgr, cfg.Validate()
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file and generate TLS certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = "jmapraft.toml"
		}
		cfg := config.DefaultConfig()
		if err := cfg.SaveToFile(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		certDir, certPath, keyPath := tls.GetDefaultCertPaths()
		if err := tls.EnsureCertificates(certPath, keyPath, tls.DefaultCertConfig()); err != nil {
			return fmt.Errorf("generate certificates: %w", err)
		}
		fmt.Printf("Wrote configuration to %s\n", path)
		fmt.Printf("Certificates available under %s\n", certDir)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication daemon until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		logging.Init(logging.Config{
			Level:      logging.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		log := logging.WithNode(types.PeerId(cfg.NodeID), types.ShardId(cfg.ShardID))
		log.Info().Str("config", cfg.ConfigFile).Msg("starting jmapraftd")

		metrics.Register()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup

		metricsSrv := &http.Server{Addr: cfg.MetricsAddr}

		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			_, defCert, defKey := tls.GetDefaultCertPaths()
			if cfg.TLSCertFile == "" {
				cfg.TLSCertFile = defCert
			}
			if cfg.TLSKeyFile == "" {
				cfg.TLSKeyFile = defKey
			}
		}
		if err := tls.EnsureCertificates(cfg.TLSCertFile, cfg.TLSKeyFile, tls.DefaultCertConfig()); err != nil {
			return fmt.Errorf("ensure certificates: %w", err)
		}
		listenTLSConfig, err := tls.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load listener tls config: %w", err)
		}
		dialTLSConfig := tls.LoadClusterDialConfig()

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.Open(filepath.Join(cfg.DataDir, "raft.db"))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		docPool := workerpool.New(ctx, 4, 64)
		docs, err := docstore.Open(filepath.Join(cfg.DataDir, "documents.db"), docPool, log)
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		defer docs.Close()
		defer docPool.Close()

		selfID := types.PeerId(cfg.NodeID)
		shard := types.ShardId(cfg.ShardID)
		authKey := []byte(cfg.AuthKey)

		node := raftnode.New(selfID, shard, raftnode.Config{
			ElectionTimeoutBaseMs:      cfg.ElectionTimeoutBaseMs,
			ElectionTimeoutJitterLo:    cfg.ElectionTimeoutJitterLoMs,
			ElectionTimeoutJitterHi:    cfg.ElectionTimeoutJitterHiMs,
			CommitTimeoutMs:            cfg.CommitTimeoutMs,
			StartWithTombstonesEnabled: true,
		}, log)

		peers, err := cfg.ParsePeers()
		if err != nil {
			return err
		}
		addrs := transport.NewAddressBook()
		for _, p := range peers {
			addrs.Set(types.PeerId(p.ID), p.Addr)
			node.UpsertPeer(types.PeerId(p.ID), shard, false)
		}

		rpcTimeout := time.Duration(cfg.RPCTimeoutMs) * time.Millisecond
		replCfg := replication.Config{
			RPCTimeout:        rpcTimeout,
			RPCRetriesMax:     cfg.RPCRetriesMax,
			RPCBackoffBase:    50 * time.Millisecond,
			RPCBackoffMax:     time.Duration(cfg.RPCBackoffMaxMs) * time.Millisecond,
			MaxBatchSizeBytes: cfg.MaxBatchSizeBytes,
		}

		// The liveness feed needs a Sink, and the Sink needs the
		// orchestrator's isLeader/onPeerAlive hooks, which in turn need
		// a Transport. dialTransport is wired to the feed for liveness
		// lookups and heartbeat recording below, once the feed exists,
		// so it is constructed against a feed variable assigned after.
		var feed *peerliveness.Feed
		dialTransport := transport.NewDialTransport(selfID, authKey, dialTLSConfig, addrs, feedProxy{&feed}, rpcTimeout, log)

		orch := newOrchestrator(selfID, node, st, dialTransport, replCfg, log)
		orch.documentSource = docs.Get
		node.OnBecomeLeader = orch.onBecomeLeader
		node.OnStepDown = orch.onStepDown
		node.OnBecomeFollower = orch.onBecomeFollower
		node.OnBecomeCandidate = orch.onBecomeCandidate

		raftSink := peerliveness.NewRaftSink(node, orch.isLeader, orch.onPeerAlive)
		feed = peerliveness.NewFeed(peerliveness.DefaultConfig(), raftSink, log)
		dialTransport.WithHeartbeats(feed, shard)

		srv := transport.NewServer(selfID, authKey, listenTLSConfig, node, st, addrs, log).
			WithHeartbeats(feed, shard)
		srv.ApplyToDocumentStore = docs.Apply

		metricsSrv.Handler = metricsMux(node, nodeIdentity{nodeID: cfg.NodeID, shardID: cfg.ShardID}, orch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server exited")
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			node.Run()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
				log.Error().Err(err).Msg("transport server exited")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutdown signal received")

		node.Stop()
		orch.stopAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
		cancel()
		wg.Wait()

		log.Info().Msg("shutdown complete")
		return nil
	},
}

func metricsMux(node *raftnode.Node, id nodeIdentity, orch *orchestrator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", statusHandler(node, id, orch))
	return mux
}

// feedProxy defers to a *peerliveness.Feed assigned after this
// transport.LivenessSource is already handed to NewDialTransport,
// since the feed's constructor needs the transport-backed Sink first.
type feedProxy struct {
	feed **peerliveness.Feed
}

func (p feedProxy) IsAlive(peer types.PeerId) bool {
	if *p.feed == nil {
		return false
	}
	return (*p.feed).IsAlive(peer)
}
