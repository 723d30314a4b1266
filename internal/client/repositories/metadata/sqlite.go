package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

// LoadCursor returns the persisted sync cursor, or a zero cursor when the
// device has never completed a round.
func LoadCursor(ctx context.Context, r Repository) (models.SyncCursor, error) {
	var cursor models.SyncCursor
	data, err := r.Get(ctx, KeySyncCursor)
	if err != nil {
		return cursor, err
	}
	if len(data) == 0 {
		return cursor, nil
	}
	if err := json.Unmarshal(data, &cursor); err != nil {
		return cursor, fmt.Errorf("failed to unmarshal sync cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor persists the cursor. Callers must only do this after the
// round's reconciliation writes have committed.
func SaveCursor(ctx context.Context, r Repository, cursor models.SyncCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal sync cursor: %w", err)
	}
	return r.Set(ctx, KeySyncCursor, data)
}

// EnsureDeviceID returns the persisted device ID, generating and storing a
// fresh one on first use.
func EnsureDeviceID(ctx context.Context, r Repository) (string, error) {
	data, err := r.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := r.Set(ctx, KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
