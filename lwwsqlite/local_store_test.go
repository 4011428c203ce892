// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-lwwsync/lwwdocs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyLocalMutation_AssignsIDAndQueuesUpsert(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000)
	r := newTestReplica(t, clock)

	rec, err := r.Local.ApplyLocalMutation(ctx, products, Mutation{Payload: json.RawMessage(`{"name":"pen"}`)})
	require.NoError(t, err)
	_, err = uuid.Parse(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), rec.UpdatedAt)
	assert.Equal(t, int64(1), rec.LocalVersion)
	assert.True(t, rec.Dirty)
	assert.False(t, rec.Deleted)

	ops, err := r.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, OpUpsert, op.Kind)
	assert.Equal(t, products, op.Entity)
	assert.Equal(t, rec.ID, op.DocID)
	assert.Equal(t, int64(0), op.BaseUpdatedAt)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, int64(1_000), op.Payload.UpdatedAt)
	assert.JSONEq(t, `{"name":"pen"}`, string(op.Payload.Payload))
}

func TestApplyLocalMutation_BaseIsLastSyncedVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))

	_, applied, err := r.Local.ApplyRemoteMutation(ctx, products, remoteDoc("p1", 100, `{"v":0}`))
	require.NoError(t, err)
	require.True(t, applied)

	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 150, `{"v":1}`))
	require.NoError(t, err)
	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 160, `{"v":2}`))
	require.NoError(t, err)

	ops, err := r.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	// Both edits were made on top of remote version 100.
	assert.Equal(t, int64(100), ops[0].BaseUpdatedAt)
	assert.Equal(t, int64(100), ops[1].BaseUpdatedAt)

	rec, err := r.Local.Get(ctx, products, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.LocalVersion)
	assert.Equal(t, int64(160), rec.UpdatedAt)
}

func TestApplyLocalMutation_ClockTimestampsStayMonotonic(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))

	// A peer with a fast clock wrote version 5000.
	_, _, err := r.Local.ApplyRemoteMutation(ctx, products, remoteDoc("p1", 5_000, `{}`))
	require.NoError(t, err)

	rec, err := r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 0, `{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5_001), rec.UpdatedAt)

	rec, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 0, `{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5_002), rec.UpdatedAt)
}

func TestApplyLocalMutation_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000)
	cfg := testConfig(clock)
	cfg.Entities = append(cfg.Entities, EntityConfig{
		Name:        "customers",
		SyncEnabled: true,
		Schema: json.RawMessage(`{
			"type": "object",
			"required": ["email"],
			"properties": {"email": {"type": "string"}}
		}`),
	})
	r := openTestReplica(t, filepath.Join(t.TempDir(), "replica.db"), cfg)

	_, err := r.Local.ApplyLocalMutation(ctx, "invoices", mutation("", 0, `{}`))
	require.ErrorIs(t, err, ErrUnknownEntity)

	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("", 0, `[1,2,3]`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("", 0, `{"broken":`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = r.Local.ApplyLocalMutation(ctx, "customers", mutation("c1", 0, `{"name":"no email"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = r.Local.ApplyLocalMutation(ctx, "customers", mutation("c1", 0, `{"email":"a@b.c"}`))
	require.NoError(t, err)

	n, err := r.Queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_RejectsBadEntityConfig(t *testing.T) {
	ctx := context.Background()
	for name, entities := range map[string][]EntityConfig{
		"empty":     nil,
		"bad name":  {{Name: "Products; DROP TABLE x"}},
		"duplicate": {{Name: "a"}, {Name: "a"}},
		"bad schema": {{Name: "a", Schema: json.RawMessage(`{"type": 12}`)}},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(newTestClock(1))
			cfg.Entities = entities
			_, err := Open(ctx, filepath.Join(t.TempDir(), "replica.db"), cfg)
			require.Error(t, err)
		})
	}
}

func TestDeleteLocal_WritesTombstone(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(1_000)
	r := newTestReplica(t, clock)

	require.ErrorIs(t, r.Local.DeleteLocal(ctx, products, ""), ErrMissingID)
	require.ErrorIs(t, r.Local.DeleteLocal(ctx, products, "ghost"), ErrRecordNotFound)
	require.ErrorIs(t, r.Local.DeleteLocal(ctx, "ghosts", "x"), ErrUnknownEntity)

	_, err := r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 0, `{"name":"pen"}`))
	require.NoError(t, err)
	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p2", 0, `{"name":"ink"}`))
	require.NoError(t, err)

	clock.Set(2_000)
	require.NoError(t, r.Local.DeleteLocal(ctx, products, "p1"))

	rec, err := r.Local.Get(ctx, products, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Deleted)
	assert.True(t, rec.Dirty)
	assert.Equal(t, int64(2_000), rec.UpdatedAt)
	assert.JSONEq(t, `{"name":"pen"}`, string(rec.Payload))

	live, err := r.Local.List(ctx, products)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "p2", live[0].ID)

	ops, err := r.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpDelete, ops[2].Kind)
	assert.True(t, ops[2].Payload.Deleted)
	assert.Equal(t, int64(2_000), ops[2].Payload.UpdatedAt)
}

func TestLocalMutation_SyncDisabledEntityIsNotQueued(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(newTestClock(1_000))
	cfg.Entities = append(cfg.Entities, EntityConfig{Name: "drafts", SyncEnabled: false})
	r := openTestReplica(t, filepath.Join(t.TempDir(), "replica.db"), cfg)

	rec, err := r.Local.ApplyLocalMutation(ctx, "drafts", mutation("d1", 0, `{"text":"hi"}`))
	require.NoError(t, err)
	assert.False(t, rec.Dirty)
	require.NoError(t, r.Local.DeleteLocal(ctx, "drafts", "d1"))

	n, err := r.Queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []Entity{products, orders}, r.SyncedEntities())
}

// Applying pulled records must never grow the outbox.
func TestApplyRemoteMutation_NeverQueues(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))

	_, err := r.Local.ApplyLocalMutation(ctx, orders, mutation("o1", 0, `{}`))
	require.NoError(t, err)
	before, err := r.Queue.PendingCount(ctx)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		doc := remoteDoc(fmt.Sprintf("p%03d", i), int64(100+i), fmt.Sprintf(`{"n":%d}`, i))
		doc.Deleted = i%10 == 0
		_, applied, err := r.Local.ApplyRemoteMutation(ctx, products, doc)
		require.NoError(t, err)
		require.True(t, applied)
	}

	after, err := r.Queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	dirty, err := r.Local.DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dirty)

	live, err := r.Local.List(ctx, products)
	require.NoError(t, err)
	assert.Len(t, live, 90)
}

func TestApplyRemoteMutation_KeepsNewerDirtyEdit(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))

	_, err := r.Local.ApplyLocalMutation(ctx, products, mutation("y", 500, `{"v":"local"}`))
	require.NoError(t, err)

	rec, applied, err := r.Local.ApplyRemoteMutation(ctx, products, remoteDoc("y", 400, `{"v":"remote"}`))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(500), rec.UpdatedAt)

	got, err := r.Local.Get(ctx, products, "y")
	require.NoError(t, err)
	assert.True(t, got.Dirty)
	assert.JSONEq(t, `{"v":"local"}`, string(got.Payload))

	// A strictly newer remote version does overwrite.
	_, applied, err = r.Local.ApplyRemoteMutation(ctx, products, remoteDoc("y", 600, `{"v":"newer"}`))
	require.NoError(t, err)
	assert.True(t, applied)
	got, err = r.Local.Get(ctx, products, "y")
	require.NoError(t, err)
	assert.False(t, got.Dirty)
	assert.Equal(t, int64(600), got.UpdatedAt)
}

func TestApplyRemoteMutation_RejectsMalformedDocument(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))

	_, _, err := r.Local.ApplyRemoteMutation(ctx, products, lwwdocs.Document{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalidPayload)
	_, _, err = r.Local.ApplyRemoteMutation(ctx, products, remoteDoc("p", 1, `"str"`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestLocalStore_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	r := newTestReplica(t, newTestClock(1_000))
	rec := &recorder{}
	unsubscribe := r.Notifier.Subscribe(rec)

	_, err := r.Local.ApplyLocalMutation(ctx, products, mutation("p1", 0, `{}`))
	require.NoError(t, err)
	require.NoError(t, r.Local.DeleteLocal(ctx, products, "p1"))
	_, _, err = r.Local.ApplyRemoteMutation(ctx, orders, remoteDoc("o1", 5, `{}`))
	require.NoError(t, err)

	// Rejected writes do not notify.
	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p2", 0, `[]`))
	require.Error(t, err)

	unsubscribe()
	_, err = r.Local.ApplyLocalMutation(ctx, products, mutation("p3", 0, `{}`))
	require.NoError(t, err)

	changes, _, _ := rec.snapshot()
	assert.Equal(t, []RecordChange{{Entity: products}, {Entity: products}, {Entity: orders}}, changes)
}
