// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey struct{}

// Identity is the authenticated caller: a user and one of the user's replicas.
type Identity struct {
	UserID   string
	DeviceID string
}

// WithIdentity returns ctx carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity. ok is false when
// none was stored or the stored user is empty.
func FromContext(ctx context.Context) (id Identity, ok bool) {
	id, ok = ctx.Value(contextKey{}).(Identity)
	return id, ok && id.UserID != ""
}
