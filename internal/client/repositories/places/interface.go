package places

import (
	"context"
	"time"

	"github.com/tripmark/tripsync/internal/client/models"
)

// Repository is the local store contract for place records.
//
// Put enforces the monotonic version invariant: a record whose SyncVersion
// is lower than the one already stored for its key is rejected with
// common.ErrVersionConflict, never silently applied. Writes at an equal
// version are allowed — that is the optimistic local-edit path, which keeps
// the last known server version while changing content.
type Repository interface {
	Get(ctx context.Context, key models.Key) (*models.Place, error)
	Put(ctx context.Context, p *models.Place) error
	List(ctx context.Context) ([]*models.Place, error)
	ListModifiedSince(ctx context.Context, since time.Time) ([]*models.Place, error)
	Delete(ctx context.Context, key models.Key) error
}
