// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// ConflictLogEntry is an immutable audit record of a resolved conflict.
type ConflictLogEntry struct {
	ID        int64            `json:"id"`
	Entity    Entity           `json:"entity"`
	DocID     string           `json:"docId"`
	Local     lwwdocs.Document `json:"local"`
	Remote    lwwdocs.Document `json:"remote"`
	Resolved  lwwdocs.Document `json:"resolved"`
	Strategy  string           `json:"strategy"`
	CreatedAt int64            `json:"createdAt"`
	Note      string           `json:"note,omitempty"`
}

// ConflictLog is the append-only conflict table. Rows cannot be updated or
// deleted; triggers reject both.
type ConflictLog struct {
	r *Replica
}

func (c *ConflictLog) appendTx(ctx context.Context, tx *sql.Tx, e *ConflictLogEntry) error {
	enc := func(d lwwdocs.Document) (string, error) {
		b, err := json.Marshal(d)
		return string(b), err
	}
	local, err := enc(e.Local)
	if err != nil {
		return fmt.Errorf("failed to encode local version: %w", err)
	}
	remote, err := enc(e.Remote)
	if err != nil {
		return fmt.Errorf("failed to encode remote version: %w", err)
	}
	resolved, err := enc(e.Resolved)
	if err != nil {
		return fmt.Errorf("failed to encode resolved version: %w", err)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = c.r.clock()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO _lww_conflicts (entity, doc_id, local_payload, remote_payload, resolved_payload, strategy, created_at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Entity, e.DocID, local, remote, resolved, e.Strategy, e.CreatedAt, e.Note)
	if err != nil {
		return fmt.Errorf("failed to append conflict log entry: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

// List returns entries newest first, optionally filtered by entity.
// limit <= 0 means no limit.
func (c *ConflictLog) List(ctx context.Context, entity Entity, limit int) ([]ConflictLogEntry, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT id, entity, doc_id, local_payload, remote_payload, resolved_payload, strategy, created_at, note
		FROM _lww_conflicts`)
	if entity != "" {
		sb.WriteString(` WHERE entity = ?`)
		args = append(args, entity)
	}
	sb.WriteString(` ORDER BY id DESC`)
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := c.r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []ConflictLogEntry
	for rows.Next() {
		var (
			e                       ConflictLogEntry
			local, remote, resolved string
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.DocID, &local, &remote, &resolved, &e.Strategy, &e.CreatedAt, &e.Note); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		for _, p := range []struct {
			raw string
			dst *lwwdocs.Document
		}{{local, &e.Local}, {remote, &e.Remote}, {resolved, &e.Resolved}} {
			if err := json.Unmarshal([]byte(p.raw), p.dst); err != nil {
				return nil, fmt.Errorf("failed to decode conflict %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// Count returns the number of logged conflicts.
func (c *ConflictLog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _lww_conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}
