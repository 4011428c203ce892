// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// OpKind is the kind of queued mutation
type OpKind string

const (
	OpUpsert OpKind = "UPSERT"
	OpDelete OpKind = "DELETE"
)

// OpStatus is the lifecycle state of a queue operation
type OpStatus string

const (
	StatusPending  OpStatus = "PENDING"
	StatusInFlight OpStatus = "INFLIGHT"
	StatusDone     OpStatus = "DONE"
	StatusFailed   OpStatus = "FAILED" // retried like PENDING on the next pass
)

// QueueOperation is one outbox entry.
type QueueOperation struct {
	Seq           int64            `json:"seq"`
	OpID          string           `json:"opId"`
	Entity        Entity           `json:"entity"`
	DocID         string           `json:"docId"`
	Kind          OpKind           `json:"kind"`
	Payload       lwwdocs.Document `json:"payload"` // record snapshot at enqueue time
	BaseUpdatedAt int64            `json:"baseUpdatedAt"`
	CreatedAt     int64            `json:"createdAt"`
	Status        OpStatus         `json:"status"`
	AttemptCount  int              `json:"attemptCount"`
	Error         string           `json:"error,omitempty"`
}

// SyncQueue is the durable outbox of local mutations awaiting push.
type SyncQueue struct {
	r *Replica
}

const queueColumns = `seq, op_id, entity, doc_id, kind, payload, base_updated_at, created_at, status, attempt_count, error`

func scanQueueOperation(scan func(dest ...any) error) (*QueueOperation, error) {
	var (
		op      QueueOperation
		payload string
	)
	if err := scan(&op.Seq, &op.OpID, &op.Entity, &op.DocID, &op.Kind, &payload,
		&op.BaseUpdatedAt, &op.CreatedAt, &op.Status, &op.AttemptCount, &op.Error); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of queue operation %s: %w", op.OpID, err)
	}
	return &op, nil
}

func collectQueueOperations(rows *sql.Rows) ([]QueueOperation, error) {
	defer rows.Close()
	var out []QueueOperation
	for rows.Next() {
		op, err := scanQueueOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue operation: %w", err)
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue operations: %w", err)
	}
	return out, nil
}

// Enqueue appends op as PENDING. OpID and CreatedAt are assigned when empty;
// CreatedAt is raised past the record's latest queued op when needed.
// LocalStore enqueues inside its own transactions; this entry point exists
// for callers that manage records themselves.
func (q *SyncQueue) Enqueue(ctx context.Context, op *QueueOperation) error {
	return q.r.withTx(ctx, func(tx *sql.Tx) error {
		return q.enqueueTx(ctx, tx, op)
	})
}

func (q *SyncQueue) enqueueTx(ctx context.Context, tx *sql.Tx, op *QueueOperation) error {
	if _, err := q.r.entities.lookup(op.Entity); err != nil {
		return err
	}
	if op.DocID == "" {
		return ErrMissingID
	}
	if op.Kind != OpUpsert && op.Kind != OpDelete {
		return fmt.Errorf("invalid queue operation kind %q", op.Kind)
	}
	if op.OpID == "" {
		op.OpID = uuid.New().String()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = q.r.clock()
	}
	// Ops of one record stay in causal order even if the clock steps back.
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM _lww_queue WHERE entity = ? AND doc_id = ?
	`, op.Entity, op.DocID).Scan(&last); err != nil {
		return fmt.Errorf("failed to read last queue time of %s/%s: %w", op.Entity, op.DocID, err)
	}
	if last.Valid && op.CreatedAt <= last.Int64 {
		op.CreatedAt = last.Int64 + 1
	}
	op.Status = StatusPending
	op.AttemptCount = 0
	op.Error = ""

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode queue payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _lww_queue (op_id, entity, doc_id, kind, payload, base_updated_at, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.OpID, op.Entity, op.DocID, op.Kind, string(payload), op.BaseUpdatedAt, op.CreatedAt, op.Status)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read queue seq: %w", err)
	}
	return nil
}

// ListPending returns PENDING and FAILED operations in FIFO order. Retries
// keep their original position.
func (q *SyncQueue) ListPending(ctx context.Context) ([]QueueOperation, error) {
	rows, err := q.r.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM _lww_queue
		WHERE status IN ('PENDING', 'FAILED')
		ORDER BY created_at, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return collectQueueOperations(rows)
}

// List returns operations with the given status (all when empty), oldest first.
// limit <= 0 means no limit.
func (q *SyncQueue) List(ctx context.Context, status OpStatus, limit int) ([]QueueOperation, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + queueColumns + ` FROM _lww_queue`)
	if status != "" {
		sb.WriteString(` WHERE status = ?`)
		args = append(args, status)
	}
	sb.WriteString(` ORDER BY created_at, seq`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	rows, err := q.r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue operations: %w", err)
	}
	return collectQueueOperations(rows)
}

// Get returns one operation by id.
func (q *SyncQueue) Get(ctx context.Context, opID string) (*QueueOperation, error) {
	return q.get(ctx, q.r.db, opID)
}

func (q *SyncQueue) get(ctx context.Context, db queryer, opID string) (*QueueOperation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM _lww_queue WHERE op_id = ?`, opID)
	op, err := scanQueueOperation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOpNotFound, opID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue operation %s: %w", opID, err)
	}
	return op, nil
}

// MarkInFlight moves an operation to INFLIGHT, incrementing its attempt count
// and clearing its last error. At most one operation per record may be
// INFLIGHT; otherwise ErrAlreadyInFlight is returned.
func (q *SyncQueue) MarkInFlight(ctx context.Context, opID string) error {
	return q.r.withTx(ctx, func(tx *sql.Tx) error {
		op, err := q.get(ctx, tx, opID)
		if err != nil {
			return err
		}
		switch op.Status {
		case StatusDone:
			return fmt.Errorf("%w: %s", ErrOpDone, opID)
		case StatusInFlight:
			return fmt.Errorf("%w: %s", ErrAlreadyInFlight, opID)
		}

		var other string
		err = tx.QueryRowContext(ctx, `
			SELECT op_id FROM _lww_queue WHERE entity = ? AND doc_id = ? AND status = 'INFLIGHT' LIMIT 1
		`, op.Entity, op.DocID).Scan(&other)
		if err == nil {
			return fmt.Errorf("%w: %s/%s held by %s", ErrAlreadyInFlight, op.Entity, op.DocID, other)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check in-flight operations: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE _lww_queue SET status = 'INFLIGHT', attempt_count = attempt_count + 1, error = ''
			WHERE op_id = ?
		`, opID)
		if err != nil {
			return fmt.Errorf("failed to mark operation in flight: %w", err)
		}
		return nil
	})
}

// MarkDone moves an operation to the terminal DONE state. Marking a DONE
// operation again is a no-op.
func (q *SyncQueue) MarkDone(ctx context.Context, opID string) error {
	return q.r.withTx(ctx, func(tx *sql.Tx) error {
		return q.markDoneTx(ctx, tx, opID)
	})
}

func (q *SyncQueue) markDoneTx(ctx context.Context, tx *sql.Tx, opID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE _lww_queue SET status = 'DONE', error = '' WHERE op_id = ? AND status != 'DONE'
	`, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation done: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.get(ctx, tx, opID); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed records a failed attempt. The operation stays eligible for the
// next pass.
func (q *SyncQueue) MarkFailed(ctx context.Context, opID string, errMsg string) error {
	return q.r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE _lww_queue SET status = 'FAILED', error = ? WHERE op_id = ? AND status != 'DONE'
		`, errMsg, opID)
		if err != nil {
			return fmt.Errorf("failed to mark operation failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := q.get(ctx, tx, opID); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrOpDone, opID)
		}
		return nil
	})
}

// PendingCount returns the number of operations not yet DONE.
func (q *SyncQueue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _lww_queue WHERE status IN ('PENDING', 'INFLIGHT', 'FAILED')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of operations in each status.
func (q *SyncQueue) CountByStatus(ctx context.Context) (map[OpStatus]int, error) {
	rows, err := q.r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM _lww_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()
	out := map[OpStatus]int{}
	for rows.Next() {
		var (
			st OpStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// PruneDone deletes DONE operations created before olderThan (ms since
// epoch) and returns how many were removed.
func (q *SyncQueue) PruneDone(ctx context.Context, olderThan int64) (int64, error) {
	res, err := q.r.db.ExecContext(ctx, `
		DELETE FROM _lww_queue WHERE status = 'DONE' AND created_at < ?
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune done operations: %w", err)
	}
	return res.RowsAffected()
}

// rebaseTx moves the base of later pending edits to the same record onto
// the version the remote store just acknowledged.
func (q *SyncQueue) rebaseTx(ctx context.Context, tx *sql.Tx, entity Entity, docID string, afterSeq, base int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _lww_queue SET base_updated_at = ?
		WHERE entity = ? AND doc_id = ? AND seq > ? AND status IN ('PENDING', 'FAILED') AND base_updated_at < ?
	`, base, entity, docID, afterSeq, base)
	if err != nil {
		return fmt.Errorf("failed to rebase pending operations: %w", err)
	}
	return nil
}
