// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import "github.com/mobiletoly/go-lwwsync/lwwdocs"

// StrategyLastWriterWins is the Name of LastWriterWins.
const StrategyLastWriterWins = "last_writer_wins"

// Resolver merges a local and a remote version of the same record. It must
// be pure; whether a conflict occurred is decided by the push engine.
type Resolver interface {
	Name() string
	Resolve(local, remote lwwdocs.Document) lwwdocs.Document
}

// LastWriterWins keeps the version with the larger UpdatedAt; on a tie the
// local version wins.
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return StrategyLastWriterWins }

func (LastWriterWins) Resolve(local, remote lwwdocs.Document) lwwdocs.Document {
	if remote.UpdatedAt > local.UpdatedAt {
		return remote.Clone()
	}
	return local.Clone()
}

// IsConflict reports whether local and remote are concurrent edits: both
// changed since base and the remote change is not older than the local one.
// A remote change older than the local edit is ordered before it and is not a
// conflict. A missing remote never conflicts.
func IsConflict(base int64, local lwwdocs.Document, remote *lwwdocs.Document) bool {
	if remote == nil {
		return false
	}
	return remote.UpdatedAt > base && local.UpdatedAt > base && remote.UpdatedAt >= local.UpdatedAt
}
