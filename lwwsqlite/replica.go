// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package lwwsqlite is an offline-first replica of a remote document store.
//
// Local edits land in a SQLite record table and, in the same transaction, in
// a durable outbox. A sync pass pushes the outbox oldest-first, detecting
// concurrent edits against each edit's base timestamp and resolving them with
// a pluggable strategy (last-writer-wins by default), then pulls remote
// changes newer than the persisted cursor. Every conflict is written to an
// append-only log.
package lwwsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Replica is an open local replica. It owns the database handle and the
// components that operate on it.
type Replica struct {
	db       *sql.DB
	ownsDB   bool
	config   *Config
	logger   *slog.Logger
	clock    Clock
	entities *entityRegistry

	Local     *LocalStore
	Meta      *MetaStore
	Queue     *SyncQueue
	Conflicts *ConflictLog
	Notifier  *Notifier
}

// Open opens (or creates) the SQLite database at path and initializes the
// replica tables in it.
func Open(ctx context.Context, path string, config *Config) (*Replica, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes record,
	// queue and meta writes across the user path and the sync loop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r, err := New(ctx, db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.ownsDB = true
	return r, nil
}

// New initializes a replica on an existing database handle. The caller keeps
// ownership of db; it should be limited to a single open connection.
func New(ctx context.Context, db *sql.DB, config *Config) (*Replica, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config = config.withDefaults()

	entities, err := newEntityRegistry(config.Entities)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		db:       db,
		config:   config,
		logger:   config.Logger,
		clock:    config.Clock,
		entities: entities,
	}
	r.Notifier = newNotifier(r.logger)
	r.Meta = &MetaStore{r: r}
	r.Queue = &SyncQueue{r: r}
	r.Conflicts = &ConflictLog{r: r}
	r.Local = &LocalStore{r: r}

	if err := r.initializeDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return r, nil
}

// Close closes the database if the replica opened it.
func (r *Replica) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying database handle.
func (r *Replica) DB() *sql.DB { return r.db }

// Entities returns the registered entities in registration order.
func (r *Replica) Entities() []Entity { return r.entities.all() }

// SyncedEntities returns the sync-enabled entities in registration order.
func (r *Replica) SyncedEntities() []Entity { return r.entities.synced() }

// Resolver returns the configured conflict resolution strategy.
func (r *Replica) Resolver() Resolver { return r.config.Resolver }

func (r *Replica) initializeDatabase(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, p := range pragmas {
		if _, err := r.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		migrations := []string{
			`CREATE TABLE IF NOT EXISTS _lww_records (
				entity          TEXT    NOT NULL,
				id              TEXT    NOT NULL,
				payload         TEXT    NOT NULL DEFAULT '{}',
				updated_at      INTEGER NOT NULL,
				deleted         INTEGER NOT NULL DEFAULT 0,
				dirty           INTEGER NOT NULL DEFAULT 0,
				local_version   INTEGER NOT NULL DEFAULT 0,
				base_updated_at INTEGER NOT NULL DEFAULT 0, -- last updated_at known to match remote
				PRIMARY KEY (entity, id)
			)`,

			`CREATE TABLE IF NOT EXISTS _lww_meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,

			// Outbox. seq breaks created_at ties so FIFO order is total.
			`CREATE TABLE IF NOT EXISTS _lww_queue (
				seq             INTEGER PRIMARY KEY AUTOINCREMENT,
				op_id           TEXT    NOT NULL UNIQUE,
				entity          TEXT    NOT NULL,
				doc_id          TEXT    NOT NULL,
				kind            TEXT    NOT NULL CHECK (kind IN ('UPSERT','DELETE')),
				payload         TEXT    NOT NULL,
				base_updated_at INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL,
				status          TEXT    NOT NULL CHECK (status IN ('PENDING','INFLIGHT','DONE','FAILED')),
				attempt_count   INTEGER NOT NULL DEFAULT 0,
				error           TEXT    NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS _lww_queue_status_idx ON _lww_queue(status, created_at, seq)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS _lww_queue_one_inflight
				ON _lww_queue(entity, doc_id) WHERE status = 'INFLIGHT'`,

			`CREATE TABLE IF NOT EXISTS _lww_conflicts (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				entity           TEXT    NOT NULL,
				doc_id           TEXT    NOT NULL,
				local_payload    TEXT    NOT NULL,
				remote_payload   TEXT    NOT NULL,
				resolved_payload TEXT    NOT NULL,
				strategy         TEXT    NOT NULL,
				created_at       INTEGER NOT NULL,
				note             TEXT    NOT NULL DEFAULT ''
			)`,
			`CREATE TRIGGER IF NOT EXISTS _lww_conflicts_no_update
			BEFORE UPDATE ON _lww_conflicts
			BEGIN
				SELECT RAISE(ABORT, 'conflict log is append-only');
			END`,
			`CREATE TRIGGER IF NOT EXISTS _lww_conflicts_no_delete
			BEFORE DELETE ON _lww_conflicts
			BEGIN
				SELECT RAISE(ABORT, 'conflict log is append-only');
			END`,
		}
		for _, m := range migrations {
			if _, err := tx.ExecContext(ctx, m); err != nil {
				return fmt.Errorf("failed to execute migration: %w", err)
			}
		}

		seeds := map[string]string{
			metaDeviceID:           uuid.New().String(),
			metaLastSyncAt:         "0",
			metaSchemaVersion:      strconv.Itoa(r.config.SchemaVersion),
			metaOfflineModeEnabled: strconv.FormatBool(r.config.OfflineModeEnabled),
		}
		for k, v := range seeds {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO _lww_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
				return fmt.Errorf("failed to seed meta %s: %w", k, err)
			}
		}

		if err := r.Meta.migrateSchemaVersionTx(ctx, tx, r.config.SchemaVersion); err != nil {
			return err
		}

		// A process that crashed mid-push leaves INFLIGHT entries behind; they
		// were never acknowledged, so they go back to the retry set.
		res, err := tx.ExecContext(ctx, `
			UPDATE _lww_queue SET status = 'FAILED', error = 'interrupted' WHERE status = 'INFLIGHT'
		`)
		if err != nil {
			return fmt.Errorf("failed to recover in-flight operations: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			r.logger.Warn("Recovered interrupted queue operations", "count", n)
		}
		return nil
	})
}

// withTx runs fn in a transaction, committing when it returns nil. Inside fn
// only tx may be used: the replica holds a single connection.
func (r *Replica) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
