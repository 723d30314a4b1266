// Package users tracks the per-user aggregate sync counter and last-sync
// bookkeeping.
package users

import (
	"context"
	"time"

	"github.com/tripmark/tripsync/internal/server/models"
)

// Repository owns the per-user sync state row.
//
// IncrementSyncVersion hands out the next aggregate version; every accepted
// write within a batch gets its own increment, so versions order writes
// across all of the user's records, not per key.
type Repository interface {
	Ensure(ctx context.Context, userID string) error
	GetSyncState(ctx context.Context, userID string) (*models.SyncState, error)
	IncrementSyncVersion(ctx context.Context, userID string) (int64, error)
	UpdateSyncState(ctx context.Context, userID string, at time.Time, deviceID string) error
}
