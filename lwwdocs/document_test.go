// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentValidate(t *testing.T) {
	cases := []struct {
		name    string
		doc     Document
		wantErr bool
	}{
		{"ok", Document{ID: "a", Payload: json.RawMessage(`{"n":1}`), UpdatedAt: 10}, false},
		{"empty payload", Document{ID: "a", UpdatedAt: 10, Deleted: true}, false},
		{"missing id", Document{Payload: json.RawMessage(`{}`)}, true},
		{"negative updatedAt", Document{ID: "a", UpdatedAt: -1}, true},
		{"array payload", Document{ID: "a", Payload: json.RawMessage(`[1,2]`)}, true},
		{"broken payload", Document{ID: "a", Payload: json.RawMessage(`{"n":`)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.doc.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidDocument)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMergePayload(t *testing.T) {
	merged, err := MergePayload(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":3,"c":4}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(merged))

	merged, err = MergePayload(nil, json.RawMessage(`{"x":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":true}`, string(merged))

	merged, err = MergePayload(json.RawMessage(`{"x":true}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":true}`, string(merged))
}

func TestDocumentCloneDoesNotAlias(t *testing.T) {
	orig := Document{ID: "a", Payload: json.RawMessage(`{"n":1}`)}
	clone := orig.Clone()
	clone.Payload[1] = 'X'
	assert.Equal(t, `{"n":1}`, string(orig.Payload))
}

func TestIsValidCollectionName(t *testing.T) {
	assert.True(t, IsValidCollectionName("products"))
	assert.True(t, IsValidCollectionName("order_items2"))
	assert.False(t, IsValidCollectionName(""))
	assert.False(t, IsValidCollectionName("Products"))
	assert.False(t, IsValidCollectionName("1abc"))
	assert.False(t, IsValidCollectionName("drop table;"))
}
