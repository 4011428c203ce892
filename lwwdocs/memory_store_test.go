// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id string, updatedAt int64, payload string) Document {
	return Document{ID: id, Payload: json.RawMessage(payload), UpdatedAt: updatedAt}
}

func TestMemoryStore_GetMissingReturnsNil(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.Get(context.Background(), "products", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_QueryOrderedAndFiltered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "products", doc("c", 30, `{}`), SetOptions{}))
	require.NoError(t, s.Set(ctx, "products", doc("a", 10, `{}`), SetOptions{}))
	require.NoError(t, s.Set(ctx, "products", doc("b", 30, `{}`), SetOptions{}))
	require.NoError(t, s.Set(ctx, "products", doc("d", 20, `{}`), SetOptions{}))

	docs, err := s.QueryUpdatedAfter(ctx, "products", 10)
	require.NoError(t, err)
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"d", "b", "c"}, ids)
}

func TestMemoryStore_DisabledIndexFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.DisableIndex("orders")
	require.NoError(t, s.Set(ctx, "orders", doc("o1", 5, `{}`), SetOptions{}))

	_, err := s.QueryUpdatedAfter(ctx, "orders", 0)
	require.ErrorIs(t, err, ErrIndexUnavailable)

	docs, err := s.Scan(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	// Other collections keep their index.
	_, err = s.QueryUpdatedAfter(ctx, "products", 0)
	require.NoError(t, err)
}

func TestMemoryStore_MergeKeepsUnsetFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "products", doc("p", 1, `{"name":"pen","qty":1}`), SetOptions{}))
	require.NoError(t, s.Set(ctx, "products", doc("p", 2, `{"qty":5}`), SetOptions{Merge: true}))

	got, err := s.Get(ctx, "products", "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"pen","qty":5}`, string(got.Payload))
	assert.Equal(t, int64(2), got.UpdatedAt)

	require.NoError(t, s.Set(ctx, "products", doc("p", 3, `{"qty":6}`), SetOptions{}))
	got, err = s.Get(ctx, "products", "p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"qty":6}`, string(got.Payload))
	assert.Equal(t, 3, s.Writes("products", "p"))
}

func TestMemoryStore_FailNext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("network down")
	s.FailNext(2, boom)

	require.ErrorIs(t, s.Set(ctx, "products", doc("p", 1, `{}`), SetOptions{}), boom)
	_, err := s.Get(ctx, "products", "p")
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.Set(ctx, "products", doc("p", 1, `{}`), SetOptions{}))
	assert.Equal(t, 1, s.Writes("products", "p"))
	assert.Equal(t, 2, s.Calls("set"))
	assert.Equal(t, 3, s.TotalCalls())
}

func TestMemoryStore_ReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put("products", doc("p", 1, `{"n":1}`))

	got, err := s.Get(ctx, "products", "p")
	require.NoError(t, err)
	got.Payload[1] = 'X'

	again, err := s.Get(ctx, "products", "p")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(again.Payload))
}

func TestNamespaced_IsolatesUsers(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	alice := Namespaced(base, "alice")
	bob := Namespaced(base, "bob")

	require.NoError(t, alice.Set(ctx, "notes", doc("n1", 1, `{"by":"alice"}`), SetOptions{}))

	got, err := bob.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = alice.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.NotNil(t, got)

	docs, err := bob.Scan(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, 1, base.Writes("alice:notes", "n1"))
}
