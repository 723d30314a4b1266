// Package services implements the server-side sync semantics: transactional
// batch application, version-based conflict detection, idempotent replay,
// and the per-user change feed.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/region"
	"github.com/tripmark/tripsync/internal/server/models"
	"github.com/tripmark/tripsync/internal/server/store"
)

// SyncService applies client batches and reports per-user sync state.
type SyncService interface {
	Apply(ctx context.Context, userID string, req *api.SyncRequest) (*api.SyncResponse, error)
	Status(ctx context.Context, userID string) (*api.SyncStatusResponse, error)
}

type syncService struct {
	runner store.TxRunner
	log    logging.Logger
	now    func() time.Time
}

// NewSyncService returns a SyncService over the given transaction runner.
func NewSyncService(runner store.TxRunner, log logging.Logger) SyncService {
	return &syncService{runner: runner, log: log, now: time.Now}
}

// Apply runs the whole batch in one transaction. Conflicts and validation
// failures are per-operation outcomes, never a whole-request failure; only
// storage trouble fails the request.
func (s *syncService) Apply(ctx context.Context, userID string, req *api.SyncRequest) (*api.SyncResponse, error) {
	if len(req.PendingOperations) > api.MaxOperationsPerRequest {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d",
			common.ErrValidation, len(req.PendingOperations), api.MaxOperationsPerRequest)
	}
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", common.ErrValidation)
	}

	now := s.now().UTC()
	resp := &api.SyncResponse{
		SyncSuccessful:      true,
		ServerTimestamp:     now,
		ProcessedOperations: []api.ProcessedOperation{},
		ServerChanges:       []api.ServerChange{},
		Conflicts:           []api.ConflictDetails{},
	}

	err := s.runner.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if err := r.Users.Ensure(ctx, userID); err != nil {
			return err
		}

		for i := range req.PendingOperations {
			op := &req.PendingOperations[i]
			outcome, err := s.applyOne(ctx, r, userID, req.DeviceID, op, now)
			if err != nil {
				return err
			}
			resp.ProcessedOperations = append(resp.ProcessedOperations, *outcome)
			if outcome.Status == api.OutcomeConflict && outcome.ConflictDetails != nil {
				resp.Conflicts = append(resp.Conflicts, *outcome.ConflictDetails)
			}
		}

		changed, err := r.Places.SelectChangedSince(ctx, userID, req.LastSyncVersion)
		if err != nil {
			return err
		}
		for _, p := range changed {
			// A device never needs its own writes echoed back.
			if p.OriginDeviceID == req.DeviceID {
				continue
			}
			resp.ServerChanges = append(resp.ServerChanges, api.ServerChange{
				EntityKey:       p.EntityKey(),
				EntityData:      p.Payload(),
				ServerVersion:   p.SyncVersion,
				ServerTimestamp: p.ServerTimestamp,
			})
		}

		state, err := r.Users.GetSyncState(ctx, userID)
		if err != nil {
			return err
		}
		resp.NewSyncVersion = state.SyncVersion

		return r.Users.UpdateSyncState(ctx, userID, now, req.DeviceID)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "sync batch applied",
		"user_id", userID, "device_id", req.DeviceID,
		"operations", len(req.PendingOperations),
		"conflicts", len(resp.Conflicts),
		"server_changes", len(resp.ServerChanges),
		"new_sync_version", resp.NewSyncVersion)
	return resp, nil
}

// applyOne decides and records the outcome of a single operation.
func (s *syncService) applyOne(ctx context.Context, r store.Repos, userID, deviceID string, op *api.SyncOperation, now time.Time) (*api.ProcessedOperation, error) {
	stored, err := r.Ops.Lookup(ctx, userID, op.OperationID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		// Duplicate delivery from a retried request: replay the stored
		// outcome without touching state.
		return stored, nil
	}

	outcome, err := s.decide(ctx, r, userID, deviceID, op, now)
	if err != nil {
		return nil, err
	}
	if err := r.Ops.RecordApplied(ctx, userID, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *syncService) decide(ctx context.Context, r store.Repos, userID, deviceID string, op *api.SyncOperation, now time.Time) (*api.ProcessedOperation, error) {
	regionType, regionCode, err := validate(op)
	if err != nil {
		s.log.Warn(ctx, "operation rejected", "user_id", userID, "operation_id", op.OperationID, "error", err.Error())
		return &api.ProcessedOperation{
			OperationID: op.OperationID,
			Status:      api.OutcomeRejected,
			Error:       err.Error(),
		}, nil
	}

	existing, err := r.Places.Get(ctx, userID, string(regionType), regionCode)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.OriginDeviceID == deviceID {
		// Operations from the record's own origin device form a chain that
		// the client already ordered; base_version comparison would reject
		// retried or re-batched links of that chain. The operation's client
		// timestamp orders it against the applied chain instead.
		if op.ClientTimestamp.Before(existing.OriginOpTimestamp) {
			// Already superseded by a later operation from the same device.
			return &api.ProcessedOperation{
				OperationID:   op.OperationID,
				Status:        api.OutcomeSuccess,
				ServerVersion: existing.SyncVersion,
				Entity:        existing.Payload(),
			}, nil
		}
		return s.write(ctx, r, userID, deviceID, op, existing, now)
	}

	currentVersion := int64(0)
	if existing != nil {
		currentVersion = existing.SyncVersion
	}

	duplicateCreate := op.OperationType == api.OpCreate && existing != nil && !existing.IsDeleted
	if duplicateCreate || op.BaseVersion != currentVersion {
		details := &api.ConflictDetails{
			EntityKey:     op.EntityKey,
			ConflictType:  "version_mismatch",
			BaseVersion:   op.BaseVersion,
			ServerVersion: currentVersion,
		}
		if duplicateCreate {
			details.ConflictType = "duplicate_create"
		}
		outcome := &api.ProcessedOperation{
			OperationID:     op.OperationID,
			Status:          api.OutcomeConflict,
			ServerVersion:   currentVersion,
			ConflictDetails: details,
		}
		if existing != nil {
			// The client resolves from this snapshot, tombstones included.
			outcome.Entity = existing.Payload()
		}
		return outcome, nil
	}

	return s.write(ctx, r, userID, deviceID, op, existing, now)
}

// write applies an accepted operation at the next aggregate version.
func (s *syncService) write(ctx context.Context, r store.Repos, userID, deviceID string, op *api.SyncOperation, existing *models.Place, now time.Time) (*api.ProcessedOperation, error) {
	version, err := r.Users.IncrementSyncVersion(ctx, userID)
	if err != nil {
		return nil, err
	}

	record := placeFromOp(userID, deviceID, op, existing, version, now)
	if err := r.Places.Upsert(ctx, record); err != nil {
		return nil, err
	}

	return &api.ProcessedOperation{
		OperationID:   op.OperationID,
		Status:        api.OutcomeSuccess,
		ServerVersion: version,
		Entity:        record.Payload(),
	}, nil
}

// placeFromOp builds the row an accepted operation writes. Deletes produce a
// tombstone, preserving the previous content when a row exists so the
// deletion can still be reconciled field-by-field on other devices.
func placeFromOp(userID, deviceID string, op *api.SyncOperation, existing *models.Place, version int64, now time.Time) *models.Place {
	regionType, regionCode, _ := api.SplitEntityKey(op.EntityKey)

	p := &models.Place{
		UserID:            userID,
		RegionType:        regionType,
		RegionCode:        regionCode,
		RegionName:        regionCode,
		Status:            "visited",
		SyncVersion:       version,
		LastModifiedAt:    op.ClientTimestamp,
		MarkedAt:          op.ClientTimestamp,
		OriginDeviceID:    deviceID,
		OriginOpTimestamp: op.ClientTimestamp,
		ServerTimestamp:   now,
	}

	if op.OperationType == api.OpDelete {
		p.IsDeleted = true
		if existing != nil {
			p.RegionName = existing.RegionName
			p.Status = existing.Status
			p.VisitType = existing.VisitType
			p.VisitedDate = existing.VisitedDate
			p.DepartureDate = existing.DepartureDate
			p.Notes = existing.Notes
			p.MarkedAt = existing.MarkedAt
		}
		return p
	}

	data := op.EntityData
	p.RegionName = data.RegionName
	p.Status = data.Status
	p.VisitType = data.VisitType
	p.VisitedDate = data.VisitedDate
	p.DepartureDate = data.DepartureDate
	p.Notes = data.Notes
	p.MarkedAt = data.MarkedAt
	if !data.LastModifiedAt.IsZero() {
		p.LastModifiedAt = data.LastModifiedAt
	}
	return p
}

// validate checks everything that can be rejected without reading state.
func validate(op *api.SyncOperation) (region.Type, string, error) {
	if err := uuid.Validate(op.OperationID); err != nil {
		return "", "", fmt.Errorf("%w: operation_id must be a UUID", common.ErrValidation)
	}
	switch op.OperationType {
	case api.OpCreate, api.OpUpdate, api.OpDelete:
	default:
		return "", "", fmt.Errorf("%w: unknown operation_type %q", common.ErrValidation, op.OperationType)
	}

	regionType, regionCode, err := api.SplitEntityKey(op.EntityKey)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", common.ErrValidation, err)
	}
	if !region.Valid(regionType) {
		return "", "", fmt.Errorf("%w: unknown region type %q", common.ErrValidation, regionType)
	}

	if op.OperationType == api.OpDelete {
		return regionType, regionCode, nil
	}

	data := op.EntityData
	if data == nil {
		return "", "", fmt.Errorf("%w: %s operation requires entity_data", common.ErrValidation, op.OperationType)
	}
	if data.RegionType != regionType || data.RegionCode != regionCode {
		return "", "", fmt.Errorf("%w: entity_data key does not match entity_key %q", common.ErrValidation, op.EntityKey)
	}
	switch data.Status {
	case "visited", "bucket_list":
	default:
		return "", "", fmt.Errorf("%w: unknown status %q", common.ErrValidation, data.Status)
	}
	if len(data.Notes) > api.MaxNotesLength {
		return "", "", fmt.Errorf("%w: notes exceed %d characters", common.ErrValidation, api.MaxNotesLength)
	}
	return regionType, regionCode, nil
}

// Status reports the user's aggregate sync state.
func (s *syncService) Status(ctx context.Context, userID string) (*api.SyncStatusResponse, error) {
	var resp *api.SyncStatusResponse
	err := s.runner.InTx(ctx, func(ctx context.Context, r store.Repos) error {
		if err := r.Users.Ensure(ctx, userID); err != nil {
			return err
		}
		state, err := r.Users.GetSyncState(ctx, userID)
		if err != nil {
			return err
		}
		resp = &api.SyncStatusResponse{
			UserID:         state.UserID,
			SyncVersion:    state.SyncVersion,
			LastSyncAt:     state.LastSyncAt,
			LastSyncDevice: state.LastSyncDevice,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
