// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// PushResult summarizes one push pass.
type PushResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"` // already in flight elsewhere
}

// PushEngine drains the outbox into the remote store.
type PushEngine struct {
	replica *Replica
	remote  lwwdocs.DocumentStore
	logger  *slog.Logger
}

// NewPushEngine creates a push engine for replica against remote.
func NewPushEngine(replica *Replica, remote lwwdocs.DocumentStore) *PushEngine {
	return &PushEngine{replica: replica, remote: remote, logger: replica.logger}
}

// PushAll processes a snapshot of the pending queue oldest-first. A failing
// operation is marked FAILED and does not stop the pass; only failing to read
// the queue aborts it. Operations enqueued during the pass wait for the next
// one.
func (p *PushEngine) PushAll(ctx context.Context) (PushResult, error) {
	var res PushResult
	total := p.replica.startStage(MetricsOpPush, MetricsStageTotal)

	ops, err := p.replica.Queue.ListPending(ctx)
	if err != nil {
		total.stop(ctx, 0, 0, true)
		return res, fmt.Errorf("failed to read outbox: %w", err)
	}

	for i := range ops {
		if err := ctx.Err(); err != nil {
			total.stop(ctx, res.Attempted, 0, true)
			return res, err
		}
		op := &ops[i]

		if err := p.replica.Queue.MarkInFlight(ctx, op.OpID); err != nil {
			if errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, ErrOpDone) || errors.Is(err, ErrOpNotFound) {
				p.logger.Warn("Skipping queue operation", "op_id", op.OpID, "entity", op.Entity, "doc_id", op.DocID, "error", err)
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("failed to mark operation %s in flight: %w", op.OpID, err)
		}
		op.AttemptCount++
		res.Attempted++

		conflict, err := p.pushOne(ctx, op)
		if err != nil {
			res.Failed++
			p.logger.Warn("Push operation failed", "op_id", op.OpID, "entity", op.Entity,
				"doc_id", op.DocID, "attempt", op.AttemptCount, "error", err)
			// The op must not stay INFLIGHT, so this write ignores cancellation.
			if mfErr := p.replica.Queue.MarkFailed(context.WithoutCancel(ctx), op.OpID, err.Error()); mfErr != nil {
				return res, fmt.Errorf("failed to mark operation %s failed: %w", op.OpID, mfErr)
			}
			continue
		}
		res.Succeeded++
		if conflict {
			res.Conflicts++
		}
	}

	total.stop(ctx, res.Attempted, 0, res.Failed > 0)
	if res.Attempted > 0 {
		p.logger.Info("Push pass finished", "attempted", res.Attempted, "succeeded", res.Succeeded,
			"failed", res.Failed, "conflicts", res.Conflicts)
	}
	return res, nil
}

// localSnapshot is the version being pushed: the queued snapshot, or the
// current local row for entries enqueued without one.
func (p *PushEngine) localSnapshot(ctx context.Context, op *QueueOperation) (lwwdocs.Document, error) {
	local := op.Payload
	if local.ID == "" {
		rec, err := p.replica.Local.Get(ctx, op.Entity, op.DocID)
		if err != nil {
			return lwwdocs.Document{}, err
		}
		if rec == nil {
			return lwwdocs.Document{}, fmt.Errorf("%w: %s/%s has no queued snapshot", ErrRecordNotFound, op.Entity, op.DocID)
		}
		local = rec.Document()
	}
	if op.Kind == OpDelete {
		local.Deleted = true
	}
	return local, nil
}

func (p *PushEngine) pushOne(ctx context.Context, op *QueueOperation) (bool, error) {
	// An earlier op of this pass may have moved the base since the snapshot.
	current, err := p.replica.Queue.Get(ctx, op.OpID)
	if err != nil {
		return false, err
	}
	op.BaseUpdatedAt = current.BaseUpdatedAt

	local, err := p.localSnapshot(ctx, op)
	if err != nil {
		return false, err
	}
	collection := op.Entity.String()

	stage := p.replica.startStage(MetricsOpPush, MetricsStageRemoteGet)
	remote, err := p.remote.Get(ctx, collection, op.DocID)
	stage.stop(ctx, 1, op.AttemptCount, err != nil)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote %s/%s: %w", collection, op.DocID, err)
	}

	conflict := IsConflict(op.BaseUpdatedAt, local, remote)
	if conflict && sameVersion(local, *remote) {
		// A previous attempt already wrote this version.
		conflict = false
	}
	resolver := p.replica.Resolver()
	resolved := local.Clone()
	if remote != nil {
		resolved = resolver.Resolve(local, *remote)
	}

	stage = p.replica.startStage(MetricsOpPush, MetricsStageRemoteSet)
	err = p.remote.Set(ctx, collection, resolved, lwwdocs.SetOptions{Merge: false})
	stage.stop(ctx, 1, op.AttemptCount, err != nil)
	if err != nil {
		return conflict, fmt.Errorf("failed to write remote %s/%s: %w", collection, op.DocID, err)
	}

	// The remote write is acknowledged; the local apply, conflict log entry
	// and DONE transition commit together. Later edits of the record were
	// made on top of the pushed snapshot, so they are rebased only when that
	// snapshot is what the remote store now holds.
	keptLocal := sameVersion(resolved, local)
	var applied bool
	stage = p.replica.startStage(MetricsOpPush, MetricsStageApply)
	err = p.replica.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		_, applied, err = p.replica.Local.applyRemoteTx(ctx, tx, op.Entity, resolved)
		if err != nil {
			return err
		}
		if keptLocal {
			if !applied {
				if err := p.replica.Local.rebaseDirtyTx(ctx, tx, op.Entity, op.DocID, resolved.UpdatedAt); err != nil {
					return err
				}
			}
			if err := p.replica.Queue.rebaseTx(ctx, tx, op.Entity, op.DocID, op.Seq, resolved.UpdatedAt); err != nil {
				return err
			}
		}
		if conflict {
			entry := &ConflictLogEntry{
				Entity:   op.Entity,
				DocID:    op.DocID,
				Local:    local,
				Remote:   *remote,
				Resolved: resolved,
				Strategy: resolver.Name(),
				Note: fmt.Sprintf("base=%d local=%d remote=%d op=%s",
					op.BaseUpdatedAt, local.UpdatedAt, remote.UpdatedAt, op.Kind),
			}
			if err := p.replica.Conflicts.appendTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return p.replica.Queue.markDoneTx(ctx, tx, op.OpID)
	})
	stage.stop(ctx, 1, op.AttemptCount, err != nil)
	if err != nil {
		return conflict, err
	}

	if applied {
		p.replica.Notifier.recordChanged(op.Entity)
	}
	if conflict {
		p.logger.Info("Resolved conflict", "entity", op.Entity, "doc_id", op.DocID,
			"strategy", resolver.Name(), "local_updated_at", local.UpdatedAt, "remote_updated_at", remote.UpdatedAt)
		p.replica.Notifier.conflictDetected(op.Entity, op.DocID)
	}
	p.logger.Debug("Pushed operation", "op_id", op.OpID, "entity", op.Entity, "doc_id", op.DocID, "kind", op.Kind)
	return conflict, nil
}

func sameVersion(a, b lwwdocs.Document) bool {
	if a.ID != b.ID || a.UpdatedAt != b.UpdatedAt || a.Deleted != b.Deleted {
		return false
	}
	var av, bv any
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &av); err != nil {
			return false
		}
	}
	if len(b.Payload) > 0 {
		if err := json.Unmarshal(b.Payload, &bv); err != nil {
			return false
		}
	}
	return reflect.DeepEqual(av, bv)
}
