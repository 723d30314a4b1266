package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ensure creates the user's sync state row on first contact.
func (r *PostgresRepository) Ensure(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to ensure user %s: %w", userID, err)
	}
	return nil
}

func (r *PostgresRepository) GetSyncState(ctx context.Context, userID string) (*models.SyncState, error) {
	var state models.SyncState
	var lastSyncAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, sync_version, last_sync_at, last_sync_device
		FROM users WHERE user_id=$1
	`, userID).Scan(&state.UserID, &state.SyncVersion, &lastSyncAt, &state.LastSyncDevice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state for %s: %w", userID, err)
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		state.LastSyncAt = &t
	}
	return &state, nil
}

// IncrementSyncVersion atomically bumps and returns the user's aggregate
// counter.
func (r *PostgresRepository) IncrementSyncVersion(ctx context.Context, userID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE users SET sync_version = sync_version + 1
		WHERE user_id=$1 RETURNING sync_version
	`, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment sync version for %s: %w", userID, err)
	}
	return version, nil
}

func (r *PostgresRepository) UpdateSyncState(ctx context.Context, userID string, at time.Time, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_sync_at=$2, last_sync_device=$3 WHERE user_id=$1
	`, userID, at, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update sync state for %s: %w", userID, err)
	}
	return nil
}
