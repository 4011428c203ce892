// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const updatedAtIndexName = "documents_coll_updated_idx"

// PostgresConfig holds configuration for PostgresStore
type PostgresConfig struct {
	DisableIndex bool          // Skip creating the (collection, updated_at) index; range queries then report ErrIndexUnavailable
	MaxRetries   int           // Attempts for writes failing with serialization/deadlock/lock errors (default 5)
	RetryBase    time.Duration // First retry delay (default 20ms)
	RetryMax     time.Duration // Retry delay cap (default 1s)
}

// PostgresStore is a DocumentStore persisted in PostgreSQL under the "lww" schema.
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	config  *PostgresConfig
	indexed atomic.Bool

	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore creates the store and initializes its schema.
// The caller owns the pool lifecycle.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, config *PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 20 * time.Millisecond
	}
	if config.RetryMax <= 0 {
		config.RetryMax = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &PostgresStore{pool: pool, logger: logger, config: config}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document store schema: %w", err)
	}

	if err := s.RefreshIndexState(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS lww`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS lww.documents (
			collection  TEXT        NOT NULL,
			doc_id      TEXT        NOT NULL,
			payload     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			updated_at  BIGINT      NOT NULL,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			written_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, doc_id)
		)`,
	}
	if !s.config.DisableIndex {
		migrations = append(migrations,
			`CREATE INDEX IF NOT EXISTS `+updatedAtIndexName+` ON lww.documents(collection, updated_at)`)
	}

	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// RefreshIndexState re-reads whether the updatedAt index exists, so an
// operator dropping or creating it takes effect without a restart.
func (s *PostgresStore) RefreshIndexState(ctx context.Context) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE schemaname = 'lww' AND indexname = $1)
	`, updatedAtIndexName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check updatedAt index: %w", err)
	}
	s.indexed.Store(exists)
	if !exists {
		s.logger.Warn("Document store has no updatedAt index; range queries will fall back to scans")
	}
	return nil
}

// Close marks the store closed. It does NOT close the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *PostgresStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get implements DocumentStore.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var (
		payload []byte
		doc     = Document{ID: id}
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, updated_at, deleted FROM lww.documents WHERE collection = $1 AND doc_id = $2
	`, collection, id).Scan(&payload, &doc.UpdatedAt, &doc.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	doc.Payload = json.RawMessage(payload)
	return &doc, nil
}

// QueryUpdatedAfter implements DocumentStore.
func (s *PostgresStore) QueryUpdatedAfter(ctx context.Context, collection string, after int64) ([]Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !s.indexed.Load() {
		return nil, fmt.Errorf("postgres collection %s: %w", collection, ErrIndexUnavailable)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, payload, updated_at, deleted
		FROM lww.documents
		WHERE collection = $1 AND updated_at > $2
		ORDER BY updated_at, doc_id
	`, collection, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	return collectDocuments(rows)
}

// Scan implements DocumentStore.
func (s *PostgresStore) Scan(ctx context.Context, collection string) ([]Document, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, payload, updated_at, deleted FROM lww.documents WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	return collectDocuments(rows)
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var (
			doc     Document
			payload []byte
		)
		if err := rows.Scan(&doc.ID, &payload, &doc.UpdatedAt, &doc.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.Payload = json.RawMessage(payload)
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return out, nil
}

// Set implements DocumentStore. Transient lock/serialization failures are
// retried with exponential backoff.
func (s *PostgresStore) Set(ctx context.Context, collection string, doc Document, opts SetOptions) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	payload := "{}"
	if len(doc.Payload) > 0 {
		payload = string(doc.Payload)
	}

	const q = `
		INSERT INTO lww.documents (collection, doc_id, payload, updated_at, deleted, written_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, now())
		ON CONFLICT (collection, doc_id) DO UPDATE SET
			payload    = CASE WHEN $6::bool THEN lww.documents.payload || EXCLUDED.payload ELSE EXCLUDED.payload END,
			updated_at = EXCLUDED.updated_at,
			deleted    = EXCLUDED.deleted,
			written_at = now()`

	var err error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		_, err = s.pool.Exec(ctx, q, collection, doc.ID, payload, doc.UpdatedAt, doc.Deleted, opts.Merge)
		if err == nil {
			return nil
		}
		if !isRetryablePGTxError(err) {
			break
		}
		s.logger.Debug("Retrying document write", "collection", collection, "doc_id", doc.ID, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, retryBackoff(attempt, s.config.RetryBase, s.config.RetryMax)); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("failed to set document %s/%s: %w", collection, doc.ID, err)
}
