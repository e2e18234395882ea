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

// Package config loads and validates a node's replication configuration
// from a TOML file, environment overrides, or both, and supports live
// reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Environment variable names recognized by LoadFromEnv, each overriding
// the matching TOML key.
const (
	EnvNodeID        = "JMAPRAFT_NODE_ID"
	EnvShardID       = "JMAPRAFT_SHARD_ID"
	EnvListenAddr    = "JMAPRAFT_LISTEN_ADDR"
	EnvPeers         = "JMAPRAFT_PEERS"
	EnvDataDir       = "JMAPRAFT_DATA_DIR"
	EnvLogLevel      = "JMAPRAFT_LOG_LEVEL"
	EnvLogJSON       = "JMAPRAFT_LOG_JSON"
	EnvAuthKey       = "JMAPRAFT_AUTH_KEY"
)

// Config is a single node's replication configuration (§6's
// configuration table plus the identity/transport fields needed to
// bring the node up).
type Config struct {
	NodeID    uint64   `toml:"node_id"`
	ShardID   uint32   `toml:"shard_id"`
	ListenAddr string  `toml:"listen_addr"`
	Peers     []string `toml:"peers"`
	DataDir   string   `toml:"data_dir"`

	ElectionTimeoutBaseMs  int `toml:"election_timeout_base_ms"`
	ElectionTimeoutJitterLoMs int `toml:"election_timeout_jitter_lo_ms"`
	ElectionTimeoutJitterHiMs int `toml:"election_timeout_jitter_hi_ms"`
	CommitTimeoutMs        int `toml:"commit_timeout_ms"`
	RPCTimeoutMs           int `toml:"rpc_timeout_ms"`
	RPCInactivityTimeoutMs int `toml:"rpc_inactivity_timeout_ms"`
	RPCRetriesMax          int `toml:"rpc_retries_max"`
	RPCBackoffMaxMs        int `toml:"rpc_backoff_max_ms"`
	MaxBatchSizeBytes      int `toml:"max_batch_size_bytes"`
	MaxFrameBytes          int `toml:"max_frame_bytes"`

	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	AuthKey     string `toml:"auth_key"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool    `toml:"log_json"`

	MetricsAddr string `toml:"metrics_addr"`

	// ConfigFile records the path Config was loaded from, empty if
	// built in memory (DefaultConfig or env-only).
	ConfigFile string `toml:"-"`
}

// DefaultConfig returns the configuration with every default from §6's
// table applied.
func DefaultConfig() *Config {
	return &Config{
		ShardID:                   0,
		ListenAddr:                "0.0.0.0:7700",
		DataDir:                   "jmapraft-data",
		ElectionTimeoutBaseMs:     1000,
		ElectionTimeoutJitterLoMs: 50,
		ElectionTimeoutJitterHiMs: 300,
		CommitTimeoutMs:           1000,
		RPCTimeoutMs:              1000,
		RPCInactivityTimeoutMs:    300000,
		RPCRetriesMax:             5,
		RPCBackoffMaxMs:           30000,
		MaxBatchSizeBytes:         10 * 1024 * 1024,
		MaxFrameBytes:             50 * 1024 * 1024,
		LogLevel:                  "info",
		LogJSON:                   false,
		MetricsAddr:               "127.0.0.1:9090",
	}
}

// Validate checks that the configuration is internally consistent
// before a node is brought up on it.
func (c *Config) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("config: node_id must be set")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if c.ElectionTimeoutBaseMs <= 0 {
		return fmt.Errorf("config: election_timeout_base_ms must be positive")
	}
	if c.ElectionTimeoutJitterLoMs < 0 || c.ElectionTimeoutJitterHiMs < c.ElectionTimeoutJitterLoMs {
		return fmt.Errorf("config: election_timeout_jitter range is invalid")
	}
	if c.RPCTimeoutMs <= 0 {
		return fmt.Errorf("config: rpc_timeout_ms must be positive")
	}
	if c.RPCRetriesMax < 0 {
		return fmt.Errorf("config: rpc_retries_max must not be negative")
	}
	if c.MaxBatchSizeBytes <= 0 || c.MaxFrameBytes <= 0 {
		return fmt.Errorf("config: max_batch_size_bytes and max_frame_bytes must be positive")
	}
	if c.MaxBatchSizeBytes > c.MaxFrameBytes {
		return fmt.Errorf("config: max_batch_size_bytes must not exceed max_frame_bytes")
	}
	for _, p := range c.Peers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config: peers must not contain an empty address")
		}
	}
	return nil
}

// ToTOML renders the configuration back to TOML text.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return fmt.Sprintf("# encode error: %v\n", err)
	}
	return sb.String()
}

// SaveToFile writes the configuration as TOML to path, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if dir := parentDir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create parent dir: %w", err)
		}
	}
	return os.WriteFile(path, []byte(c.ToTOML()), 0o644)
}

// String renders a human-readable summary, safe to log: it prints the
// node and shard ids, listen address, peers, data dir and log level.
// AuthKey and the TLS file paths are not included.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  NodeID: %d\n", c.NodeID)
	fmt.Fprintf(&sb, "  ShardID: %d\n", c.ShardID)
	fmt.Fprintf(&sb, "  ListenAddr: %s\n", c.ListenAddr)
	fmt.Fprintf(&sb, "  Peers: %v\n", c.Peers)
	fmt.Fprintf(&sb, "  DataDir: %s\n", c.DataDir)
	fmt.Fprintf(&sb, "  LogLevel: %s\n", c.LogLevel)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// Peer is one entry of Config.Peers, parsed from its "id@host:port" form.
type Peer struct {
	ID   uint64
	Addr string
}

// ParsePeers parses every entry of c.Peers as "id@host:port". It
// returns an error naming the first malformed entry rather than
// skipping it, since a silently-dropped peer would change the shard's
// effective quorum size.
func (c *Config) ParsePeers() ([]Peer, error) {
	out := make([]Peer, 0, len(c.Peers))
	for _, raw := range c.Peers {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		at := strings.IndexByte(entry, '@')
		if at <= 0 || at == len(entry)-1 {
			return nil, fmt.Errorf("config: peer entry %q must be \"id@host:port\"", raw)
		}
		id, err := strconv.ParseUint(entry[:at], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: peer entry %q has a non-numeric id: %w", raw, err)
		}
		out = append(out, Peer{ID: id, Addr: entry[at+1:]})
	}
	return out, nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Manager owns the active Config and supports reloading it from the
// file it was first loaded from, notifying registered callbacks.
type Manager struct {
	mu         sync.RWMutex
	cfg        *Config
	onReload   []func(*Config)
	loadedPath string
}

// NewManager returns a Manager initialized to DefaultConfig.
func NewManager() *Manager {
	return &Manager{cfg: DefaultConfig()}
}

// Get returns the current configuration. Callers must not mutate the
// returned pointer's fields.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadFromFile decodes path as TOML over DefaultConfig and stores the
// result, remembering path for Reload.
func (m *Manager) LoadFromFile(path string) error {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.ConfigFile = path

	m.mu.Lock()
	m.cfg = cfg
	m.loadedPath = path
	m.mu.Unlock()
	return nil
}

// LoadFromEnv overlays environment variables onto the current
// configuration, overriding whatever LoadFromFile (or DefaultConfig)
// set.
func (m *Manager) LoadFromEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v := os.Getenv(EnvNodeID); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			m.cfg.NodeID = n
		}
	}
	if v := os.Getenv(EnvShardID); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			m.cfg.ShardID = uint32(n)
		}
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		m.cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPeers); v != "" {
		m.cfg.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		m.cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		m.cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			m.cfg.LogJSON = b
		}
	}
	if v := os.Getenv(EnvAuthKey); v != "" {
		m.cfg.AuthKey = v
	}
}

// Reload re-reads the file most recently passed to LoadFromFile and, on
// success, invokes every callback registered with OnReload. It is a
// no-op error if LoadFromFile was never called.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.loadedPath
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called before LoadFromFile")
	}
	if err := m.LoadFromFile(path); err != nil {
		return err
	}

	m.mu.RLock()
	cfg := m.cfg
	callbacks := append([]func(*Config){}, m.onReload...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}

// OnReload registers a callback invoked after every successful Reload.
func (m *Manager) OnReload(cb func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, cb)
}

var (
	globalOnce sync.Once
	globalMgr  *Manager
)

// Global returns the process-wide Manager, creating it on first use.
func Global() *Manager {
	globalOnce.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}
