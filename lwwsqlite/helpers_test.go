// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
	"github.com/stretchr/testify/require"
)

const (
	products Entity = "products"
	orders   Entity = "orders"
)

type testClock struct {
	now atomic.Int64
}

func newTestClock(start int64) *testClock {
	c := &testClock{}
	c.now.Store(start)
	return c
}

func (c *testClock) Now() int64            { return c.now.Load() }
func (c *testClock) Set(v int64)           { c.now.Store(v) }
func (c *testClock) Advance(d int64) int64 { return c.now.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(clock *testClock) *Config {
	cfg := DefaultConfig(products, orders)
	cfg.Clock = clock.Now
	cfg.Logger = testLogger()
	return cfg
}

func openTestReplica(t *testing.T, path string, cfg *Config) *Replica {
	t.Helper()
	r, err := Open(context.Background(), path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newTestReplica(t *testing.T, clock *testClock) *Replica {
	t.Helper()
	return openTestReplica(t, filepath.Join(t.TempDir(), "replica.db"), testConfig(clock))
}

func remoteDoc(id string, updatedAt int64, payload string) lwwdocs.Document {
	return lwwdocs.Document{ID: id, Payload: json.RawMessage(payload), UpdatedAt: updatedAt}
}

func mutation(id string, updatedAt int64, payload string) Mutation {
	return Mutation{ID: id, Payload: json.RawMessage(payload), UpdatedAt: updatedAt}
}

// recorder collects observer notifications.
type recorder struct {
	mu        sync.Mutex
	changes   []RecordChange
	states    []SyncState
	conflicts []ConflictEvent
}

func (r *recorder) OnRecordChange(ev RecordChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ev)
}

func (r *recorder) OnSyncState(ev SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev)
}

func (r *recorder) OnConflict(ev ConflictEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, ev)
}

func (r *recorder) snapshot() ([]RecordChange, []SyncState, []ConflictEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordChange(nil), r.changes...),
		append([]SyncState(nil), r.states...),
		append([]ConflictEvent(nil), r.conflicts...)
}
