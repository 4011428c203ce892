// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import "errors"

var (
	// ErrUnknownEntity is returned when an entity is not registered in Config.Entities.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrMissingID is returned when an operation requires a record id.
	ErrMissingID = errors.New("missing record id")

	// ErrRecordNotFound is returned when deleting a record that does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidPayload is returned when a payload is not a JSON object or
	// fails the entity schema.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrAlreadyInFlight is returned by MarkInFlight when an entry for the same
	// record is already INFLIGHT.
	ErrAlreadyInFlight = errors.New("queue operation already in flight")

	// ErrOpNotFound is returned for unknown queue operation ids.
	ErrOpNotFound = errors.New("queue operation not found")

	// ErrOpDone is returned when trying to move a DONE operation to another state.
	ErrOpDone = errors.New("queue operation already done")

	// ErrLoopRunning is returned by StartLoop when a loop is already running.
	ErrLoopRunning = errors.New("sync loop already running")
)
