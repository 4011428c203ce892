// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package lwwdocs provides the remote document store side of go-lwwsync:
// the wire document model, the DocumentStore contract consumed by replicas,
// and in-memory, PostgreSQL, S3 and HTTP implementations of it.
package lwwdocs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrIndexUnavailable is returned by QueryUpdatedAfter when the store cannot
	// serve an ordered updatedAt range query. Callers fall back to Scan.
	ErrIndexUnavailable = errors.New("updatedAt index unavailable")

	// ErrInvalidDocument is returned when a document fails basic shape checks.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrStoreClosed is returned by stores that have been closed.
	ErrStoreClosed = errors.New("document store has been closed")
)

// Document is the JSON-serializable unit exchanged with the remote store.
type Document struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updatedAt"` // ms since epoch
	Deleted   bool            `json:"deleted"`
}

// SetOptions controls write semantics of DocumentStore.Set.
type SetOptions struct {
	// Merge merges top-level payload fields into the stored payload instead of
	// replacing it. UpdatedAt and Deleted are always taken from the new document.
	Merge bool
}

// DocumentStore is the remote store a replica synchronizes with.
type DocumentStore interface {
	// Get returns the current document or nil when it does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// QueryUpdatedAfter returns documents with UpdatedAt > after in ascending
	// UpdatedAt order. Returns ErrIndexUnavailable if the store cannot serve it.
	QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error)

	// Scan returns every document of the collection in no particular order.
	Scan(ctx context.Context, collection string) ([]Document, error)

	// Set writes the document with upsert semantics.
	Set(ctx context.Context, collection string, doc Document, opts SetOptions) error
}

var collectionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// IsValidCollectionName reports whether name can be used as a collection name.
func IsValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}

// Validate checks the document shape: non-empty id and an object payload.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}
	if d.UpdatedAt < 0 {
		return fmt.Errorf("%w: negative updatedAt %d", ErrInvalidDocument, d.UpdatedAt)
	}
	if len(d.Payload) == 0 {
		return nil
	}
	if !isJSONObject(d.Payload) {
		return fmt.Errorf("%w: payload of %s is not a JSON object", ErrInvalidDocument, d.ID)
	}
	return nil
}

// Clone returns a deep copy so callers can't alias stored payload bytes.
func (d Document) Clone() Document {
	if d.Payload != nil {
		p := make(json.RawMessage, len(d.Payload))
		copy(p, d.Payload)
		d.Payload = p
	}
	return d
}

// MergePayload merges the top-level fields of patch into base. Either side
// may be empty.
func MergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return patch, nil
	}
	if len(patch) == 0 {
		return base, nil
	}
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("failed to decode base payload: %w", err)
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("failed to decode patch payload: %w", err)
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return merged, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
