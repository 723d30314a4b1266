// Package oplog persists the ordered queue of local mutations that have not
// yet been acknowledged by the server.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/region"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const opColumns = `seq, operation_id, operation_type, region_type, region_code,
	base_version, payload, status, attempts, created_at, last_attempt_at, last_error`

func (r *SQLiteRepository) Append(ctx context.Context, op *models.Operation) error {
	var payload any
	if op.Payload != nil {
		b, err := json.Marshal(op.Payload.Payload())
		if err != nil {
			return fmt.Errorf("failed to marshal operation payload: %w", err)
		}
		payload = string(b)
	}
	query := `
		INSERT INTO operations
			(operation_id, operation_type, region_type, region_code, base_version, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		op.OperationID, string(op.Type), string(op.Key.Type), op.Key.Code,
		op.BaseVersion, payload, string(models.OperationPending), fmtTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append operation %s: %w", op.OperationID, err)
	}
	if op.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id error: %w", err)
	}
	op.Status = models.OperationPending
	return nil
}

// Drain selects the oldest pending operations, keeping whole per-key groups,
// and marks the returned operations in-flight. Key selection stops at the
// first key whose group does not fit, so order across keys is preserved, but
// later operations of already-selected keys are still consumed: a selected
// key is always fully represented even when its operations interleave with a
// skipped group. A single key with more pending operations than maxBatch is
// returned whole anyway: splitting it would violate the never-span-two-batches
// rule.
func (r *SQLiteRepository) Drain(ctx context.Context, maxBatch int) ([]*models.Operation, error) {
	query := `SELECT ` + opColumns + ` FROM operations WHERE status=? ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, string(models.OperationPending))
	if err != nil {
		return nil, fmt.Errorf("failed to select pending operations: %w", err)
	}
	pending, err := collectOps(rows)
	if err != nil {
		return nil, err
	}

	groups := make(map[models.Key]int)
	for _, op := range pending {
		groups[op.Key]++
	}

	var batch []*models.Operation
	taken := make(map[models.Key]bool)
	selected, full := 0, false
	for _, op := range pending {
		if taken[op.Key] {
			batch = append(batch, op)
			continue
		}
		if full {
			continue
		}
		if selected > 0 && selected+groups[op.Key] > maxBatch {
			// No new keys past this point, so keys never reorder.
			full = true
			continue
		}
		taken[op.Key] = true
		selected += groups[op.Key]
		batch = append(batch, op)
	}

	now := fmtTime(time.Now())
	for _, op := range batch {
		_, err := r.db.ExecContext(ctx, `
			UPDATE operations
			SET status=?, attempts=attempts+1, last_attempt_at=?
			WHERE operation_id=?
		`, string(models.OperationInFlight), now, op.OperationID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark operation %s in flight: %w", op.OperationID, err)
		}
		op.Status = models.OperationInFlight
		op.Attempts++
	}
	return batch, nil
}

// MarkCompleted removes the operation from the active queue. Calling it
// twice is a no-op the second time.
func (r *SQLiteRepository) MarkCompleted(ctx context.Context, operationID string) error {
	return r.setStatus(ctx, operationID, models.OperationCompleted, "")
}

// MarkFailed parks the operation for manual or triggered retry. Idempotent.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, operationID string, message string) error {
	return r.setStatus(ctx, operationID, models.OperationFailed, message)
}

// MarkPending returns a failed or in-flight operation to the queue.
func (r *SQLiteRepository) MarkPending(ctx context.Context, operationID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE operations SET status=?, last_error=''
		WHERE operation_id=? AND status IN (?, ?)
	`, string(models.OperationPending), operationID,
		string(models.OperationInFlight), string(models.OperationFailed))
	if err != nil {
		return fmt.Errorf("failed to requeue operation %s: %w", operationID, err)
	}
	return nil
}

func (r *SQLiteRepository) setStatus(ctx context.Context, operationID string, status models.OperationStatus, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE operations SET status=?, last_error=?
		WHERE operation_id=? AND status NOT IN (?)
	`, string(status), message, operationID, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark operation %s %s: %w", operationID, status, err)
	}
	return nil
}

// RequeueStale returns operations stuck in-flight past the timeout back to
// pending. This recovers from a crash mid-sync without operator help.
func (r *SQLiteRepository) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE operations SET status=?
		WHERE status=? AND last_attempt_at < ?
	`, string(models.OperationPending), string(models.OperationInFlight), fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[models.OperationStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	result := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		result[models.OperationStatus(status)] = n
	}
	return result, rows.Err()
}

// PendingForKey returns the queued (pending or in-flight) operations for one
// key in append order.
func (r *SQLiteRepository) PendingForKey(ctx context.Context, key models.Key) ([]*models.Operation, error) {
	query := `SELECT ` + opColumns + ` FROM operations
		WHERE region_type=? AND region_code=? AND status IN (?, ?) ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, string(key.Type), key.Code,
		string(models.OperationPending), string(models.OperationInFlight))
	if err != nil {
		return nil, fmt.Errorf("failed to select operations for %s: %w", key, err)
	}
	return collectOps(rows)
}

func collectOps(rows *sql.Rows) ([]*models.Operation, error) {
	defer rows.Close()
	var result []*models.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanOp(rows *sql.Rows) (*models.Operation, error) {
	var op models.Operation
	var opType, regionType, createdAt, status string
	var payload, lastAttempt sql.NullString

	err := rows.Scan(&op.Seq, &op.OperationID, &opType, &regionType, &op.Key.Code,
		&op.BaseVersion, &payload, &status, &op.Attempts, &createdAt, &lastAttempt, &op.LastError)
	if err != nil {
		return nil, err
	}

	op.Type = api.OperationType(opType)
	op.Key.Type = region.Type(regionType)
	op.Status = models.OperationStatus(status)
	if op.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("malformed created_at %q: %w", createdAt, err)
	}
	if lastAttempt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("malformed last_attempt_at %q: %w", lastAttempt.String, err)
		}
		op.LastAttemptAt = &t
	}
	if payload.Valid {
		var data api.PlacePayload
		if err := json.Unmarshal([]byte(payload.String), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation payload: %w", err)
		}
		op.Payload = models.PlaceFromPayload(&data, op.BaseVersion)
	}
	return &op, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
