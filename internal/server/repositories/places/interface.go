// Package places provides PostgreSQL-backed storage for the synchronized
// place records.
package places

import (
	"context"

	"github.com/tripmark/tripsync/internal/server/models"
)

// Repository is the server-side place store. Get returns
// common.ErrNotFound for an absent row (tombstones are returned, not
// hidden). Upsert rejects version rollbacks with common.ErrVersionConflict.
type Repository interface {
	Get(ctx context.Context, userID, regionType, regionCode string) (*models.Place, error)
	Upsert(ctx context.Context, p *models.Place) error
	SelectChangedSince(ctx context.Context, userID string, minVersion int64) ([]*models.Place, error)
}
