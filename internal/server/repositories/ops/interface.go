// Package ops records the outcome of every applied client operation so a
// retried delivery replays the stored result instead of re-applying.
package ops

import (
	"context"

	"github.com/tripmark/tripsync/internal/api"
)

// Repository is the idempotency ledger. Lookup returns (nil, nil) for an
// unseen operation ID.
type Repository interface {
	Lookup(ctx context.Context, userID, operationID string) (*api.ProcessedOperation, error)
	RecordApplied(ctx context.Context, userID string, outcome *api.ProcessedOperation) error
}
