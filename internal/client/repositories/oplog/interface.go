package oplog

import (
	"context"
	"time"

	"github.com/tripmark/tripsync/internal/client/models"
)

// Repository is the durable queue of pending operations.
//
// Drain returns the oldest pending operations and marks them in-flight in
// the same call. Operations for one key are kept in original order and are
// never split across two drains: a key is fully represented or fully
// excluded. MarkCompleted and MarkFailed are idempotent.
type Repository interface {
	Append(ctx context.Context, op *models.Operation) error
	Drain(ctx context.Context, maxBatch int) ([]*models.Operation, error)
	MarkCompleted(ctx context.Context, operationID string) error
	MarkFailed(ctx context.Context, operationID string, message string) error
	MarkPending(ctx context.Context, operationID string) error
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[models.OperationStatus]int, error)
	PendingForKey(ctx context.Context, key models.Key) ([]*models.Operation, error)
}
