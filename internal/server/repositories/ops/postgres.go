package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/dbx"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Lookup(ctx context.Context, userID, operationID string) (*api.ProcessedOperation, error) {
	var result []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT result FROM sync_operations WHERE operation_id=$1 AND user_id=$2
	`, operationID, userID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up operation %s: %w", operationID, err)
	}
	var outcome api.ProcessedOperation
	if err := json.Unmarshal(result, &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored outcome for %s: %w", operationID, err)
	}
	return &outcome, nil
}

func (r *PostgresRepository) RecordApplied(ctx context.Context, userID string, outcome *api.ProcessedOperation) error {
	result, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome for %s: %w", outcome.OperationID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_operations (operation_id, user_id, result) VALUES ($1, $2, $3)
		ON CONFLICT (operation_id) DO NOTHING
	`, outcome.OperationID, userID, result)
	if err != nil {
		return fmt.Errorf("failed to record operation %s: %w", outcome.OperationID, err)
	}
	return nil
}
