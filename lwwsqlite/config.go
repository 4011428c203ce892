// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Clock returns the current time in milliseconds since epoch.
type Clock func() int64

// SystemClock is the default Clock.
func SystemClock() int64 { return time.Now().UnixMilli() }

// EntityConfig registers one entity collection with the replica
type EntityConfig struct {
	Name        Entity          // Collection name, e.g. "products"
	SyncEnabled bool            // Local mutations are queued for push and the collection is pulled
	Schema      json.RawMessage // Optional JSON Schema that every local payload must satisfy
}

// Config holds configuration for a replica
type Config struct {
	Entities []EntityConfig // Fixed set of supported collections
	Resolver Resolver       // Conflict resolution strategy (default: LastWriterWins)
	Logger   *slog.Logger   // default: slog.Default()
	Clock    Clock          // default: SystemClock

	// OfflineModeEnabled seeds the offline_mode_enabled meta flag on first open.
	// Later opens keep the persisted value.
	OfflineModeEnabled bool
	SchemaVersion      int // Persisted in meta; opening a newer database fails

	// Optional: stage-level timing hooks for the push/pull passes.
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns a configuration with every listed entity sync-enabled,
// LWW resolution and offline mode turned on.
func DefaultConfig(entities ...Entity) *Config {
	cfgs := make([]EntityConfig, 0, len(entities))
	for _, e := range entities {
		cfgs = append(cfgs, EntityConfig{Name: e, SyncEnabled: true})
	}
	return &Config{
		Entities:           cfgs,
		Resolver:           LastWriterWins{},
		Logger:             slog.Default(),
		Clock:              SystemClock,
		OfflineModeEnabled: true,
		SchemaVersion:      1,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Resolver == nil {
		out.Resolver = LastWriterWins{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = SystemClock
	}
	if out.SchemaVersion <= 0 {
		out.SchemaVersion = 1
	}
	return &out
}
