// Package services implements the client's application layer: every local
// mutation writes the store and queues the matching operation in one
// transaction, then nudges the sync gate.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/client/repositories/metadata"
	"github.com/tripmark/tripsync/internal/client/repositories/oplog"
	"github.com/tripmark/tripsync/internal/client/repositories/places"
	"github.com/tripmark/tripsync/internal/client/syncer"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/region"
)

// Nudger wakes the background sync worker. The gate satisfies it.
type Nudger interface {
	Nudge()
}

// MarkInput is the user's input when marking a place.
type MarkInput struct {
	RegionType    region.Type
	RegionCode    string
	RegionName    string
	Status        models.Status
	VisitType     models.VisitType
	VisitedDate   *time.Time
	DepartureDate *time.Time
	Notes         string
}

// UpdateInput carries the fields being changed; nil pointers leave the
// current value untouched.
type UpdateInput struct {
	Status        *models.Status
	VisitType     *models.VisitType
	VisitedDate   *time.Time
	DepartureDate *time.Time
	Notes         *string
}

// Progress is per-region-type completion.
type Progress struct {
	Visited int
	Total   int
}

// QueueStatus summarizes local sync state for display.
type QueueStatus struct {
	Pending             int
	InFlight            int
	Failed              int
	LastSyncVersion     int64
	LastServerTimestamp time.Time
}

type PlaceService interface {
	Mark(ctx context.Context, in MarkInput) (*models.Place, error)
	Update(ctx context.Context, key models.Key, in UpdateInput) (*models.Place, error)
	Remove(ctx context.Context, key models.Key) error
	Get(ctx context.Context, key models.Key) (*models.Place, error)
	List(ctx context.Context) ([]*models.Place, error)
	Progress(ctx context.Context) (map[region.Type]Progress, error)
	Status(ctx context.Context) (*QueueStatus, error)
	RetryFailed(ctx context.Context) (int, error)
}

type placeService struct {
	db       *sql.DB
	locks    *syncer.KeyLock
	nudger   Nudger
	deviceID string

	// lastOp guards the strictly increasing operation timestamps the
	// server relies on to order a device's own operation chain.
	mu     sync.Mutex
	lastOp time.Time
}

func NewPlaceService(db *sql.DB, locks *syncer.KeyLock, nudger Nudger, deviceID string) PlaceService {
	return &placeService{db: db, locks: locks, nudger: nudger, deviceID: deviceID}
}

// opTime returns a timestamp strictly later than any previously issued by
// this process. Two edits in the same nanosecond would otherwise be
// unordered on the server.
func (s *placeService) opTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastOp) {
		now = s.lastOp.Add(time.Nanosecond)
	}
	s.lastOp = now
	return now
}

func (s *placeService) Mark(ctx context.Context, in MarkInput) (*models.Place, error) {
	if !region.Valid(in.RegionType) {
		return nil, fmt.Errorf("unknown region type %q: %w", in.RegionType, common.ErrValidation)
	}
	if in.RegionCode == "" {
		return nil, fmt.Errorf("region code is required: %w", common.ErrValidation)
	}
	if len(in.Notes) > api.MaxNotesLength {
		return nil, fmt.Errorf("notes exceed %d characters: %w", api.MaxNotesLength, common.ErrValidation)
	}
	if in.Status == "" {
		in.Status = models.StatusVisited
	}
	if in.VisitType == "" {
		in.VisitType = models.VisitFull
	}

	key := models.Key{Type: in.RegionType, Code: in.RegionCode}
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	now := s.opTime()
	record := &models.Place{
		RegionType:     in.RegionType,
		RegionCode:     in.RegionCode,
		RegionName:     in.RegionName,
		Status:         in.Status,
		VisitType:      in.VisitType,
		VisitedDate:    in.VisitedDate,
		DepartureDate:  in.DepartureDate,
		Notes:          in.Notes,
		MarkedAt:       now,
		LastModifiedAt: now,
		OriginDeviceID: s.deviceID,
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pl := places.NewSQLiteRepository(tx)
		ol := oplog.NewSQLiteRepository(tx)

		existing, err := pl.Get(ctx, key)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		case existing.IsDeleted:
			// Re-marking a deleted place revives it under the old key.
			record.SyncVersion = existing.SyncVersion
		default:
			return fmt.Errorf("place %s already marked: %w", key, common.ErrValidation)
		}

		if err := pl.Put(ctx, record); err != nil {
			return err
		}
		return ol.Append(ctx, &models.Operation{
			OperationID: uuid.NewString(),
			Type:        api.OpCreate,
			Key:         key,
			BaseVersion: record.SyncVersion,
			Payload:     record,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.nudger.Nudge()
	return record, nil
}

func (s *placeService) Update(ctx context.Context, key models.Key, in UpdateInput) (*models.Place, error) {
	if in.Notes != nil && len(*in.Notes) > api.MaxNotesLength {
		return nil, fmt.Errorf("notes exceed %d characters: %w", api.MaxNotesLength, common.ErrValidation)
	}
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	now := s.opTime()
	var record *models.Place
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pl := places.NewSQLiteRepository(tx)
		ol := oplog.NewSQLiteRepository(tx)

		existing, err := pl.Get(ctx, key)
		if err != nil {
			return err
		}
		if existing.IsDeleted {
			return fmt.Errorf("place %s is deleted: %w", key, common.ErrNotFound)
		}

		if in.Status != nil {
			existing.Status = *in.Status
		}
		if in.VisitType != nil {
			existing.VisitType = *in.VisitType
		}
		if in.VisitedDate != nil {
			existing.VisitedDate = in.VisitedDate
		}
		if in.DepartureDate != nil {
			existing.DepartureDate = in.DepartureDate
		}
		if in.Notes != nil {
			existing.Notes = *in.Notes
		}
		existing.LastModifiedAt = now
		existing.OriginDeviceID = s.deviceID

		if err := pl.Put(ctx, existing); err != nil {
			return err
		}
		record = existing
		return ol.Append(ctx, &models.Operation{
			OperationID: uuid.NewString(),
			Type:        api.OpUpdate,
			Key:         key,
			BaseVersion: existing.SyncVersion,
			Payload:     existing,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.nudger.Nudge()
	return record, nil
}

func (s *placeService) Remove(ctx context.Context, key models.Key) error {
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	now := s.opTime()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pl := places.NewSQLiteRepository(tx)
		ol := oplog.NewSQLiteRepository(tx)

		existing, err := pl.Get(ctx, key)
		if err != nil {
			return err
		}
		if existing.IsDeleted {
			return nil
		}

		// Soft delete: the tombstone stays until the server acknowledges
		// the operation.
		existing.IsDeleted = true
		existing.LastModifiedAt = now
		existing.OriginDeviceID = s.deviceID
		if err := pl.Put(ctx, existing); err != nil {
			return err
		}
		return ol.Append(ctx, &models.Operation{
			OperationID: uuid.NewString(),
			Type:        api.OpDelete,
			Key:         key,
			BaseVersion: existing.SyncVersion,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return err
	}
	s.nudger.Nudge()
	return nil
}

func (s *placeService) Get(ctx context.Context, key models.Key) (*models.Place, error) {
	p, err := places.NewSQLiteRepository(s.db).Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted {
		return nil, common.ErrNotFound
	}
	return p, nil
}

func (s *placeService) List(ctx context.Context) ([]*models.Place, error) {
	return places.NewSQLiteRepository(s.db).List(ctx)
}

func (s *placeService) Progress(ctx context.Context) (map[region.Type]Progress, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[region.Type]Progress)
	for _, p := range all {
		if p.Status != models.StatusVisited {
			continue
		}
		prog := result[p.RegionType]
		prog.Visited++
		prog.Total = region.Total(p.RegionType)
		result[p.RegionType] = prog
	}
	return result, nil
}

func (s *placeService) Status(ctx context.Context) (*QueueStatus, error) {
	counts, err := oplog.NewSQLiteRepository(s.db).CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := metadata.LoadCursor(ctx, metadata.NewSQLiteRepository(s.db))
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Pending:             counts[models.OperationPending],
		InFlight:            counts[models.OperationInFlight],
		Failed:              counts[models.OperationFailed],
		LastSyncVersion:     cursor.LastKnownUserSyncVersion,
		LastServerTimestamp: cursor.LastServerTimestamp,
	}, nil
}

// RetryFailed returns parked operations to the queue and wakes the worker.
func (s *placeService) RetryFailed(ctx context.Context) (int, error) {
	ol := oplog.NewSQLiteRepository(s.db)
	failed, err := failedOps(ctx, s.db)
	if err != nil {
		return 0, err
	}
	for _, id := range failed {
		if err := ol.MarkPending(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(failed) > 0 {
		s.nudger.Nudge()
	}
	return len(failed), nil
}

func failedOps(ctx context.Context, db dbx.DBTX) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT operation_id FROM operations WHERE status=? ORDER BY seq`,
		string(models.OperationFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to select failed operations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
