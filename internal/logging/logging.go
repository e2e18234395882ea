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

// Package logging holds the process-wide zerolog setup and the
// component-scoped child loggers every package in jmapraft pulls its
// logger from.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"jmapraft/internal/types"
)

// Level names accepted in configuration. Matching is exact: only these
// lowercase spellings are recognised.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Logger is the process-wide base logger. Init replaces it; every
// WithXxx helper derives a child from whatever it currently holds.
var Logger zerolog.Logger

// Config controls the process-wide logger's level, encoding, and sink.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global logger. Call once at process startup before
// any component logger is derived.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes the global logger to a subsystem name, e.g.
// "raftnode" or "replication.leader".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode scopes the global logger to this process's own peer and
// shard identity — every long-lived component logger in the daemon
// should derive from this rather than from Logger directly.
func WithNode(self types.PeerId, shard types.ShardId) zerolog.Logger {
	return Logger.With().
		Uint64("self", uint64(self)).
		Uint32("shard", uint32(shard)).
		Logger()
}

// WithPeer further scopes a component logger to the remote peer it is
// talking to, for the per-peer leader replicator and peer-liveness
// detector tasks.
func WithPeer(base zerolog.Logger, peer types.PeerId) zerolog.Logger {
	return base.With().Uint64("peer", uint64(peer)).Logger()
}
