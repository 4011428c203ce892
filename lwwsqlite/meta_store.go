// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const (
	metaDeviceID           = "device_id"
	metaLastSyncAt         = "last_sync_at"
	metaSchemaVersion      = "schema_version"
	metaOfflineModeEnabled = "offline_mode_enabled"
)

// MetaStore is the replica's key/value settings table.
type MetaStore struct {
	r *Replica
}

func (m *MetaStore) get(ctx context.Context, q queryer, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM _lww_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta key %s is not initialized", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, nil
}

func (m *MetaStore) set(ctx context.Context, q queryer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _lww_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

func (m *MetaStore) getInt(ctx context.Context, key string) (int64, error) {
	v, err := m.get(ctx, m.r.db, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta %s holds non-integer %q: %w", key, v, err)
	}
	return n, nil
}

// DeviceID returns the replica's stable device identifier.
func (m *MetaStore) DeviceID(ctx context.Context) (string, error) {
	return m.get(ctx, m.r.db, metaDeviceID)
}

// LastSyncAt returns the pull cursor.
func (m *MetaStore) LastSyncAt(ctx context.Context) (int64, error) {
	return m.getInt(ctx, metaLastSyncAt)
}

// SetLastSyncAt overwrites the pull cursor. Setting 0 forces a full re-pull.
func (m *MetaStore) SetLastSyncAt(ctx context.Context, v int64) error {
	if v < 0 {
		return fmt.Errorf("invalid cursor %d", v)
	}
	return m.set(ctx, m.r.db, metaLastSyncAt, strconv.FormatInt(v, 10))
}

// SchemaVersion returns the persisted schema version.
func (m *MetaStore) SchemaVersion(ctx context.Context) (int, error) {
	v, err := m.getInt(ctx, metaSchemaVersion)
	return int(v), err
}

// OfflineModeEnabled reports whether syncing is switched on.
func (m *MetaStore) OfflineModeEnabled(ctx context.Context) (bool, error) {
	v, err := m.get(ctx, m.r.db, metaOfflineModeEnabled)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("meta %s holds non-boolean %q: %w", metaOfflineModeEnabled, v, err)
	}
	return b, nil
}

// SetOfflineModeEnabled switches syncing on or off.
func (m *MetaStore) SetOfflineModeEnabled(ctx context.Context, enabled bool) error {
	return m.set(ctx, m.r.db, metaOfflineModeEnabled, strconv.FormatBool(enabled))
}

func (m *MetaStore) migrateSchemaVersionTx(ctx context.Context, tx *sql.Tx, want int) error {
	v, err := m.get(ctx, tx, metaSchemaVersion)
	if err != nil {
		return err
	}
	have, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("meta %s holds non-integer %q: %w", metaSchemaVersion, v, err)
	}
	switch {
	case have > want:
		return fmt.Errorf("database schema version %d is newer than supported version %d", have, want)
	case have < want:
		m.r.logger.Info("Upgrading replica schema version", "from", have, "to", want)
		return m.set(ctx, tx, metaSchemaVersion, strconv.Itoa(want))
	}
	return nil
}
