// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplica_MetaSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")
	cfg := testConfig(newTestClock(1_000))

	r, err := Open(ctx, path, cfg)
	require.NoError(t, err)
	deviceID, err := r.Meta.DeviceID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, deviceID)

	cursor, err := r.Meta.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor)
	require.NoError(t, r.Meta.SetLastSyncAt(ctx, 1234))
	require.Error(t, r.Meta.SetLastSyncAt(ctx, -1))
	require.NoError(t, r.Meta.SetOfflineModeEnabled(ctx, false))
	require.NoError(t, r.Close())

	// The seed value only applies to a fresh database.
	cfg.OfflineModeEnabled = true
	r = openTestReplica(t, path, cfg)
	again, err := r.Meta.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, deviceID, again)

	cursor, err = r.Meta.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), cursor)

	enabled, err := r.Meta.OfflineModeEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestReplica_SchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "replica.db")
	cfg := testConfig(newTestClock(1_000))
	cfg.SchemaVersion = 2

	r, err := Open(ctx, path, cfg)
	require.NoError(t, err)
	v, err := r.Meta.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, r.Close())

	cfg.SchemaVersion = 1
	_, err = Open(ctx, path, cfg)
	require.ErrorContains(t, err, "newer than supported")

	cfg.SchemaVersion = 3
	r = openTestReplica(t, path, cfg)
	v, err = r.Meta.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestReplica_ConflictLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	f.seed(t, products, remoteDoc("x", 100, `{}`))
	_, err := f.replica.Local.ApplyLocalMutation(ctx, products, mutation("x", 150, `{"v":1}`))
	require.NoError(t, err)
	f.remote.Put("products", remoteDoc("x", 200, `{"v":2}`))
	_, err = f.push.PushAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.replica.Conflicts.mustCount(t))

	_, err = f.replica.DB().ExecContext(ctx, `UPDATE _lww_conflicts SET note = 'edited'`)
	require.ErrorContains(t, err, "append-only")
	_, err = f.replica.DB().ExecContext(ctx, `DELETE FROM _lww_conflicts`)
	require.ErrorContains(t, err, "append-only")
	assert.Equal(t, 1, f.replica.Conflicts.mustCount(t))
}

func TestReplica_NewOnExistingHandle(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, nil, testConfig(newTestClock(1)))
	require.Error(t, err)

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = New(ctx, db, nil)
	require.Error(t, err)

	r, err := New(ctx, db, testConfig(newTestClock(1)))
	require.NoError(t, err)
	assert.Equal(t, []Entity{products, orders}, r.Entities())
	assert.Equal(t, StrategyLastWriterWins, r.Resolver().Name())

	// The caller keeps ownership of db.
	require.NoError(t, r.Close())
	require.NoError(t, db.PingContext(ctx))
}
