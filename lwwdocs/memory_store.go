// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process DocumentStore. It backs tests and the
// simulator, and supports fault injection for retry scenarios.
type MemoryStore struct {
	mu           sync.RWMutex
	collections  map[string]map[string]Document
	indexOff     map[string]bool
	failure      error
	failuresLeft int
	calls        map[string]int
	writes       map[string]int
	hook         func(op, collection, id string)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		indexOff:    make(map[string]bool),
		calls:       make(map[string]int),
		writes:      make(map[string]int),
	}
}

// DisableIndex makes QueryUpdatedAfter fail with ErrIndexUnavailable for the
// collection, as a store missing the updatedAt index would.
func (m *MemoryStore) DisableIndex(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexOff[collection] = true
}

// FailNext makes the next n operations return err. n < 0 fails until
// ClearFailure is called.
func (m *MemoryStore) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	m.failuresLeft = n
}

// ClearFailure stops fault injection.
func (m *MemoryStore) ClearFailure() {
	m.FailNext(0, nil)
}

// SetHook installs a callback invoked at the start of every operation
// (outside the store lock). Tests use it to block or observe calls.
func (m *MemoryStore) SetHook(hook func(op, collection, id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Calls returns how many times op ("get", "query", "scan", "set") was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// TotalCalls returns the number of operations of any kind.
func (m *MemoryStore) TotalCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// Writes returns how many successful Set calls touched collection/id.
func (m *MemoryStore) Writes(collection, id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[collection+"/"+id]
}

// Put stores a document directly, bypassing counters and fault injection.
func (m *MemoryStore) Put(collection string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(collection)[doc.ID] = doc.Clone()
}

func (m *MemoryStore) enter(op, collection, id string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	var err error
	if m.failure != nil && m.failuresLeft != 0 {
		err = m.failure
		if m.failuresLeft > 0 {
			m.failuresLeft--
		}
	}
	m.mu.Unlock()

	if hook != nil {
		hook(op, collection, id)
	}
	return err
}

func (m *MemoryStore) bucket(collection string) map[string]Document {
	b, ok := m.collections[collection]
	if !ok {
		b = make(map[string]Document)
		m.collections[collection] = b
	}
	return b
}

// Get implements DocumentStore.
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := m.enter("get", collection, id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	out := doc.Clone()
	return &out, nil
}

// QueryUpdatedAfter implements DocumentStore.
func (m *MemoryStore) QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error) {
	if err := m.enter("query", collection, ""); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.indexOff[collection] {
		return nil, fmt.Errorf("memory store %s: %w", collection, ErrIndexUnavailable)
	}
	var out []Document
	for _, doc := range m.collections[collection] {
		if doc.UpdatedAt > after {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Scan implements DocumentStore.
func (m *MemoryStore) Scan(ctx context.Context, collection string) ([]Document, error) {
	if err := m.enter("scan", collection, ""); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.collections[collection]))
	for _, doc := range m.collections[collection] {
		out = append(out, doc.Clone())
	}
	return out, nil
}

// Set implements DocumentStore.
func (m *MemoryStore) Set(ctx context.Context, collection string, doc Document, opts SetOptions) error {
	if err := m.enter("set", collection, doc.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(collection)
	doc = doc.Clone()
	if opts.Merge {
		if existing, ok := b[doc.ID]; ok {
			merged, err := MergePayload(existing.Payload, doc.Payload)
			if err != nil {
				return err
			}
			doc.Payload = merged
		}
	}
	b[doc.ID] = doc
	m.writes[collection+"/"+doc.ID]++
	return nil
}
