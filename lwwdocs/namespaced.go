// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import "context"

// namespacedStore prefixes every collection with a namespace so a single
// backing store can host the collections of many users.
type namespacedStore struct {
	inner DocumentStore
	ns    string
}

// Namespaced returns a DocumentStore view of inner where collection c is
// stored as "<ns>:<c>".
func Namespaced(inner DocumentStore, ns string) DocumentStore {
	return &namespacedStore{inner: inner, ns: ns}
}

func (n *namespacedStore) key(collection string) string {
	return n.ns + ":" + collection
}

func (n *namespacedStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	return n.inner.Get(ctx, n.key(collection), id)
}

func (n *namespacedStore) QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error) {
	return n.inner.QueryUpdatedAfter(ctx, n.key(collection), after)
}

func (n *namespacedStore) Scan(ctx context.Context, collection string) ([]Document, error) {
	return n.inner.Scan(ctx, n.key(collection))
}

func (n *namespacedStore) Set(ctx context.Context, collection string, doc Document, opts SetOptions) error {
	return n.inner.Set(ctx, n.key(collection), doc, opts)
}
