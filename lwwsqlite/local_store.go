// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-lwwsync/lwwdocs"
)

// Record is one locally stored document.
type Record struct {
	Entity       Entity          `json:"entity"`
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	UpdatedAt    int64           `json:"updatedAt"` // ms since epoch
	Deleted      bool            `json:"deleted"`
	Dirty        bool            `json:"dirty"` // has a local change not yet confirmed by the remote store
	LocalVersion int64           `json:"localVersion"`

	baseUpdatedAt int64
}

// Document returns the wire form of the record.
func (r *Record) Document() lwwdocs.Document {
	return lwwdocs.Document{ID: r.ID, Payload: r.Payload, UpdatedAt: r.UpdatedAt, Deleted: r.Deleted}
}

// Mutation is a local write request.
type Mutation struct {
	ID        string          // Assigned (UUIDv4) when empty
	Payload   json.RawMessage // Must be a JSON object
	UpdatedAt int64           // Optional; the replica clock is used when zero
}

// LocalStore is the replica's record table. Local mutations are queued for
// push in the same transaction that writes the record; remote mutations are
// never queued.
type LocalStore struct {
	r *Replica
}

const recordColumns = `entity, id, payload, updated_at, deleted, dirty, local_version, base_updated_at`

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec     Record
		payload string
	)
	if err := scan(&rec.Entity, &rec.ID, &payload, &rec.UpdatedAt, &rec.Deleted, &rec.Dirty,
		&rec.LocalVersion, &rec.baseUpdatedAt); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (l *LocalStore) get(ctx context.Context, q queryer, entity Entity, id string) (*Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM _lww_records WHERE entity = ? AND id = ?`, entity, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", entity, id, err)
	}
	return rec, nil
}

func (l *LocalStore) put(ctx context.Context, tx *sql.Tx, rec *Record) error {
	payload := "{}"
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _lww_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			payload         = excluded.payload,
			updated_at      = excluded.updated_at,
			deleted         = excluded.deleted,
			dirty           = excluded.dirty,
			local_version   = excluded.local_version,
			base_updated_at = excluded.base_updated_at
	`, rec.Entity, rec.ID, payload, rec.UpdatedAt, rec.Deleted, rec.Dirty, rec.LocalVersion, rec.baseUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write record %s/%s: %w", rec.Entity, rec.ID, err)
	}
	return nil
}

// List returns the live (non-tombstoned) records of entity ordered by id.
func (l *LocalStore) List(ctx context.Context, entity Entity) ([]Record, error) {
	if _, err := l.r.entities.lookup(entity); err != nil {
		return nil, err
	}
	rows, err := l.r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM _lww_records WHERE entity = ? AND deleted = 0 ORDER BY id
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// Get returns a record including tombstones, or nil when it does not exist.
func (l *LocalStore) Get(ctx context.Context, entity Entity, id string) (*Record, error) {
	if _, err := l.r.entities.lookup(entity); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrMissingID
	}
	return l.get(ctx, l.r.db, entity, id)
}

// nextUpdatedAt keeps a record's clock-assigned timestamps strictly
// increasing even when the wall clock stalls or the previous version came
// from a replica with a faster clock.
func (l *LocalStore) nextUpdatedAt(prior *Record) int64 {
	now := l.r.clock()
	if prior != nil && now <= prior.UpdatedAt {
		return prior.UpdatedAt + 1
	}
	return now
}

// ApplyLocalMutation writes a user edit. For sync-enabled entities the record
// becomes dirty and an UPSERT is queued with the base timestamp the edit was
// made against.
func (l *LocalStore) ApplyLocalMutation(ctx context.Context, entity Entity, m Mutation) (*Record, error) {
	spec, err := l.r.entities.lookup(entity)
	if err != nil {
		return nil, err
	}
	if err := spec.validatePayload(m.Payload); err != nil {
		return nil, err
	}
	if m.UpdatedAt < 0 {
		return nil, fmt.Errorf("%w: negative updatedAt %d", ErrInvalidPayload, m.UpdatedAt)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	var rec *Record
	err = l.r.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := l.get(ctx, tx, entity, m.ID)
		if err != nil {
			return err
		}

		rec = &Record{
			Entity:       entity,
			ID:           m.ID,
			Payload:      append(json.RawMessage(nil), m.Payload...),
			UpdatedAt:    m.UpdatedAt,
			LocalVersion: 1,
			Dirty:        spec.SyncEnabled,
		}
		if rec.UpdatedAt == 0 {
			rec.UpdatedAt = l.nextUpdatedAt(prior)
		}
		if prior != nil {
			rec.LocalVersion = prior.LocalVersion + 1
			rec.baseUpdatedAt = prior.baseUpdatedAt
		}
		if !spec.SyncEnabled {
			rec.baseUpdatedAt = rec.UpdatedAt
		}

		if err := l.put(ctx, tx, rec); err != nil {
			return err
		}
		if !spec.SyncEnabled {
			return nil
		}
		return l.r.Queue.enqueueTx(ctx, tx, &QueueOperation{
			Entity:        entity,
			DocID:         rec.ID,
			Kind:          OpUpsert,
			Payload:       rec.Document(),
			BaseUpdatedAt: rec.baseUpdatedAt,
		})
	})
	if err != nil {
		return nil, err
	}

	l.r.logger.Debug("Applied local mutation", "entity", entity, "doc_id", rec.ID,
		"updated_at", rec.UpdatedAt, "local_version", rec.LocalVersion)
	l.r.Notifier.recordChanged(entity)
	return rec, nil
}

// DeleteLocal tombstones a record: it keeps its payload, gets deleted=true
// and a fresh UpdatedAt, and a DELETE is queued like an upsert.
func (l *LocalStore) DeleteLocal(ctx context.Context, entity Entity, id string) error {
	spec, err := l.r.entities.lookup(entity)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrMissingID
	}

	err = l.r.withTx(ctx, func(tx *sql.Tx) error {
		prior, err := l.get(ctx, tx, entity, id)
		if err != nil {
			return err
		}
		if prior == nil {
			return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entity, id)
		}

		rec := *prior
		rec.Deleted = true
		rec.UpdatedAt = l.nextUpdatedAt(prior)
		rec.LocalVersion = prior.LocalVersion + 1
		rec.Dirty = spec.SyncEnabled
		if !spec.SyncEnabled {
			rec.baseUpdatedAt = rec.UpdatedAt
		}

		if err := l.put(ctx, tx, &rec); err != nil {
			return err
		}
		if !spec.SyncEnabled {
			return nil
		}
		return l.r.Queue.enqueueTx(ctx, tx, &QueueOperation{
			Entity:        entity,
			DocID:         id,
			Kind:          OpDelete,
			Payload:       rec.Document(),
			BaseUpdatedAt: rec.baseUpdatedAt,
		})
	})
	if err != nil {
		return err
	}

	l.r.logger.Debug("Deleted record locally", "entity", entity, "doc_id", id)
	l.r.Notifier.recordChanged(entity)
	return nil
}

// ApplyRemoteMutation writes a document that came from the remote store. It
// never queues anything and leaves the record clean. A dirty record whose
// UpdatedAt is strictly newer than doc is left untouched and applied=false is
// returned, so an unsynced local edit is never regressed.
func (l *LocalStore) ApplyRemoteMutation(ctx context.Context, entity Entity, doc lwwdocs.Document) (*Record, bool, error) {
	if _, err := l.r.entities.lookup(entity); err != nil {
		return nil, false, err
	}
	if err := doc.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var (
		rec     *Record
		applied bool
	)
	err := l.r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, applied, err = l.applyRemoteTx(ctx, tx, entity, doc)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		l.r.Notifier.recordChanged(entity)
	}
	return rec, applied, nil
}

func (l *LocalStore) applyRemoteTx(ctx context.Context, tx *sql.Tx, entity Entity, doc lwwdocs.Document) (*Record, bool, error) {
	prior, err := l.get(ctx, tx, entity, doc.ID)
	if err != nil {
		return nil, false, err
	}
	if prior != nil && prior.Dirty && prior.UpdatedAt > doc.UpdatedAt {
		l.r.logger.Debug("Kept newer local edit", "entity", entity, "doc_id", doc.ID,
			"local_updated_at", prior.UpdatedAt, "remote_updated_at", doc.UpdatedAt)
		return prior, false, nil
	}

	rec := &Record{
		Entity:        entity,
		ID:            doc.ID,
		Payload:       append(json.RawMessage(nil), doc.Payload...),
		UpdatedAt:     doc.UpdatedAt,
		Deleted:       doc.Deleted,
		LocalVersion:  1,
		baseUpdatedAt: doc.UpdatedAt,
	}
	if prior != nil {
		rec.LocalVersion = prior.LocalVersion + 1
	}
	if err := l.put(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// rebaseDirtyTx records that the remote store now holds base for a dirty
// record whose newer local edit kept the acknowledged version from applying.
func (l *LocalStore) rebaseDirtyTx(ctx context.Context, tx *sql.Tx, entity Entity, id string, base int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _lww_records SET base_updated_at = ?
		WHERE entity = ? AND id = ? AND dirty = 1 AND base_updated_at < ?
	`, base, entity, id, base)
	if err != nil {
		return fmt.Errorf("failed to rebase record %s/%s: %w", entity, id, err)
	}
	return nil
}

// DirtyCount returns the number of records with unsynced local changes.
func (l *LocalStore) DirtyCount(ctx context.Context) (int, error) {
	var n int
	if err := l.r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _lww_records WHERE dirty = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dirty records: %w", err)
	}
	return n, nil
}
