// Package syncer runs the background synchronization loop: draining the
// operation queue, pushing batches to the server, reconciling verdicts and
// server changes into the local store, and advancing the sync cursor.
package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/client/repositories/metadata"
	"github.com/tripmark/tripsync/internal/client/repositories/oplog"
	"github.com/tripmark/tripsync/internal/client/repositories/places"
	"github.com/tripmark/tripsync/internal/client/resolver"
	"github.com/tripmark/tripsync/internal/client/retryctl"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/logging"
)

// Transport pushes a sync request to the server.
type Transport interface {
	PushBatch(ctx context.Context, req *api.SyncRequest) (*api.SyncResponse, error)
}

// Config bounds one sync pass.
type Config struct {
	// DrainBatch is how many queued operations one pass pulls from the
	// queue at a time. Larger backlogs take multiple passes.
	DrainBatch int

	// StaleAfter is the in-flight age after which an operation is assumed
	// orphaned by a crash and returned to the queue.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		DrainBatch: 500,
		StaleAfter: 5 * time.Minute,
	}
}

// Engine executes sync passes. It is driven by a Gate; only one pass runs
// at a time.
type Engine struct {
	db        *sql.DB
	transport Transport
	retry     *retryctl.Controller
	resolver  *resolver.Resolver
	locks     *KeyLock
	deviceID  string
	cfg       Config
	log       logging.Logger

	now func() time.Time
}

func NewEngine(db *sql.DB, tr Transport, rc *retryctl.Controller, rs *resolver.Resolver,
	locks *KeyLock, deviceID string, cfg Config, log logging.Logger) *Engine {
	return &Engine{
		db:        db,
		transport: tr,
		retry:     rc,
		resolver:  rs,
		locks:     locks,
		deviceID:  deviceID,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// maxPasses bounds queue drains per RunOnce. Corrective operations appended
// during reconciliation re-enter the queue, and resolution is convergent, so
// the loop terminates on its own; the bound only contains a misbehaving
// server.
const maxPasses = 32

// RunOnce performs one full synchronization: requeue crashed work, push the
// whole backlog in bounded requests, pull server changes, advance the
// cursor. Returns nil when the device is fully synchronized.
func (e *Engine) RunOnce(ctx context.Context) error {
	ops := oplog.NewSQLiteRepository(e.db)

	if n, err := ops.RequeueStale(ctx, e.now().Add(-e.cfg.StaleAfter)); err != nil {
		return fmt.Errorf("requeue stale: %w", err)
	} else if n > 0 {
		e.log.Warn(ctx, "requeued operations orphaned by an interrupted sync", "count", n)
	}

	sent := false
	for pass := 0; pass < maxPasses; pass++ {
		batch, err := ops.Drain(ctx, e.cfg.DrainBatch)
		if err != nil {
			return fmt.Errorf("drain queue: %w", err)
		}
		if len(batch) == 0 {
			if sent {
				return nil
			}
			// Nothing to push; a pull-only round still fetches other
			// devices' changes and advances the cursor.
			return e.round(ctx, nil)
		}

		chunks := chunkOps(batch, api.MaxOperationsPerRequest)
		for i, chunk := range chunks {
			if err := e.round(ctx, chunk); err != nil {
				e.requeue(ctx, ops, chunks[i:])
				return err
			}
		}
		sent = true
	}
	return fmt.Errorf("queue did not settle after %d passes", maxPasses)
}

// requeue returns unsent or unreconciled operations to pending so the next
// wake-up retries them.
func (e *Engine) requeue(ctx context.Context, ops oplog.Repository, chunks [][]*models.Operation) {
	for _, chunk := range chunks {
		for _, op := range chunk {
			if err := ops.MarkPending(ctx, op.OperationID); err != nil {
				e.log.Error(ctx, "failed to requeue operation", "operation_id", op.OperationID, "error", err)
			}
		}
	}
}

// round sends one request and reconciles its response.
func (e *Engine) round(ctx context.Context, batch []*models.Operation) error {
	meta := metadata.NewSQLiteRepository(e.db)
	cursor, err := metadata.LoadCursor(ctx, meta)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	req := &api.SyncRequest{
		DeviceID:        e.deviceID,
		LastSyncVersion: cursor.LastKnownUserSyncVersion,
		ClientTimestamp: e.now().UTC(),
	}
	for _, op := range batch {
		req.PendingOperations = append(req.PendingOperations, op.Wire())
	}

	var resp *api.SyncResponse
	err = e.retry.Do(ctx, "sync", func(ctx context.Context) error {
		var rerr error
		resp, rerr = e.transport.PushBatch(ctx, req)
		return rerr
	})
	if err != nil {
		return err
	}

	// The server accepted the request; its effects are durable there, so
	// reconciliation must finish even if the caller is shutting down.
	return e.reconcile(context.WithoutCancel(ctx), batch, resp)
}

// reconcile applies one response atomically: per-operation verdicts, other
// devices' changes, and the cursor all commit in a single transaction, so a
// crash can never advance the cursor past unapplied work.
func (e *Engine) reconcile(ctx context.Context, batch []*models.Operation, resp *api.SyncResponse) error {
	byID := make(map[string]*models.Operation, len(batch))
	for _, op := range batch {
		byID[op.OperationID] = op
	}

	for _, key := range involvedKeys(batch, resp) {
		e.locks.Lock(key)
		defer e.locks.Unlock(key)
	}

	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		pl := places.NewSQLiteRepository(tx)
		ol := oplog.NewSQLiteRepository(tx)
		mt := metadata.NewSQLiteRepository(tx)

		for i := range resp.ProcessedOperations {
			po := &resp.ProcessedOperations[i]
			op := byID[po.OperationID]
			if op == nil {
				e.log.Warn(ctx, "verdict for unknown operation", "operation_id", po.OperationID)
				continue
			}
			var err error
			switch po.Status {
			case api.OutcomeSuccess:
				err = e.applySuccess(ctx, pl, ol, op, po)
			case api.OutcomeConflict:
				err = e.applyConflict(ctx, pl, ol, op, po)
			case api.OutcomeRejected:
				e.log.Warn(ctx, "operation rejected by server",
					"operation_id", po.OperationID, "key", op.Key, "error", po.Error)
				err = ol.MarkFailed(ctx, po.OperationID, po.Error)
			default:
				err = fmt.Errorf("unknown verdict %q for operation %s", po.Status, po.OperationID)
			}
			if err != nil {
				return err
			}
		}

		for i := range resp.ServerChanges {
			if err := e.applyChange(ctx, pl, ol, &resp.ServerChanges[i]); err != nil {
				return err
			}
		}

		cursor := models.SyncCursor{
			LastServerTimestamp:      resp.ServerTimestamp,
			LastKnownUserSyncVersion: resp.NewSyncVersion,
		}
		return metadata.SaveCursor(ctx, mt, cursor)
	})
}

// applySuccess records a server acknowledgement. If newer edits for the key
// are still queued locally, only the version advances: their content is
// already in the store and will be pushed next.
func (e *Engine) applySuccess(ctx context.Context, pl places.Repository, ol oplog.Repository,
	op *models.Operation, po *api.ProcessedOperation) error {
	if err := ol.MarkCompleted(ctx, po.OperationID); err != nil {
		return err
	}

	queued, err := ol.PendingForKey(ctx, op.Key)
	if err != nil {
		return err
	}
	if len(queued) > 0 {
		existing, err := pl.Get(ctx, op.Key)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if po.ServerVersion > existing.SyncVersion {
			existing.SyncVersion = po.ServerVersion
			return pl.Put(ctx, existing)
		}
		return nil
	}

	if op.Type == api.OpDelete {
		// Tombstone acknowledged; the local row can go.
		return pl.Delete(ctx, op.Key)
	}

	record := op.Payload
	if record == nil && po.Entity != nil {
		record = models.PlaceFromPayload(po.Entity, po.ServerVersion)
	}
	if record == nil {
		return fmt.Errorf("success verdict for %s carries no record", po.OperationID)
	}
	record.SyncVersion = po.ServerVersion
	return pl.Put(ctx, record)
}

// applyConflict resolves a version conflict locally and, when the resolved
// state differs from what the server already holds, queues a corrective
// operation based on the server's current version.
func (e *Engine) applyConflict(ctx context.Context, pl places.Repository, ol oplog.Repository,
	op *models.Operation, po *api.ProcessedOperation) error {
	if po.Entity == nil {
		e.log.Error(ctx, "conflict verdict without server entity", "operation_id", po.OperationID)
		return ol.MarkFailed(ctx, po.OperationID, "conflict verdict without server entity")
	}

	serverVersion := po.ServerVersion
	if po.ConflictDetails != nil && po.ConflictDetails.ServerVersion > serverVersion {
		serverVersion = po.ConflictDetails.ServerVersion
	}
	remote := models.PlaceFromPayload(po.Entity, serverVersion)

	local, err := pl.Get(ctx, op.Key)
	if errors.Is(err, common.ErrNotFound) {
		local = e.localFallback(op, remote)
	} else if err != nil {
		return err
	}

	resolved, reason := e.resolver.Resolve(local, remote)
	e.log.Info(ctx, "conflict resolved",
		"key", op.Key, "reason", reason,
		"base_version", op.BaseVersion, "server_version", serverVersion)

	if err := pl.Put(ctx, resolved); err != nil {
		return err
	}
	if err := ol.MarkCompleted(ctx, po.OperationID); err != nil {
		return err
	}

	if resolved.ContentEquals(remote) {
		return nil
	}
	corrective := &models.Operation{
		OperationID: uuid.NewString(),
		Type:        api.OpUpdate,
		Key:         op.Key,
		BaseVersion: remote.SyncVersion,
		Payload:     resolved,
		CreatedAt:   e.now().UTC(),
	}
	if resolved.IsDeleted {
		corrective.Type = api.OpDelete
		corrective.Payload = nil
	}
	return ol.Append(ctx, corrective)
}

// localFallback reconstructs the local side of a conflict when the store has
// no row for the key, which happens when the conflicting operation was a
// delete of an already-purged record.
func (e *Engine) localFallback(op *models.Operation, remote *models.Place) *models.Place {
	if op.Payload != nil {
		return op.Payload
	}
	return &models.Place{
		RegionType:     op.Key.Type,
		RegionCode:     op.Key.Code,
		RegionName:     remote.RegionName,
		SyncVersion:    op.BaseVersion,
		LastModifiedAt: op.CreatedAt,
		IsDeleted:      op.Type == api.OpDelete,
		OriginDeviceID: e.deviceID,
	}
}

// applyChange folds another device's change into the local store. A key with
// queued local operations is skipped: the local edit will reach the server
// first and the disagreement comes back as a proper conflict verdict.
func (e *Engine) applyChange(ctx context.Context, pl places.Repository, ol oplog.Repository,
	ch *api.ServerChange) error {
	rt, code, err := api.SplitEntityKey(ch.EntityKey)
	if err != nil {
		e.log.Warn(ctx, "skipping malformed server change", "entity_key", ch.EntityKey)
		return nil
	}
	key := models.Key{Type: rt, Code: code}

	queued, err := ol.PendingForKey(ctx, key)
	if err != nil {
		return err
	}
	if len(queued) > 0 {
		return nil
	}

	existing, err := pl.Get(ctx, key)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	if existing != nil && existing.SyncVersion >= ch.ServerVersion {
		return nil
	}

	if ch.EntityData == nil || ch.EntityData.IsDeleted {
		return pl.Delete(ctx, key)
	}
	return pl.Put(ctx, models.PlaceFromPayload(ch.EntityData, ch.ServerVersion))
}

// involvedKeys collects, sorted and deduplicated, every key a response
// touches. Sorted acquisition gives a stable lock order.
func involvedKeys(batch []*models.Operation, resp *api.SyncResponse) []string {
	seen := make(map[string]struct{})
	for _, op := range batch {
		seen[op.Key.String()] = struct{}{}
	}
	for _, ch := range resp.ServerChanges {
		seen[ch.EntityKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chunkOps splits a drained batch into request-sized chunks. Operations are
// regrouped by key (per-key order preserved) so a key's operations land in
// one request whenever they fit; only a single key with more operations than
// the cap is spread over consecutive requests.
func chunkOps(batch []*models.Operation, max int) [][]*models.Operation {
	var order []models.Key
	groups := make(map[models.Key][]*models.Operation)
	for _, op := range batch {
		if _, ok := groups[op.Key]; !ok {
			order = append(order, op.Key)
		}
		groups[op.Key] = append(groups[op.Key], op)
	}

	var chunks [][]*models.Operation
	var cur []*models.Operation
	for _, key := range order {
		group := groups[key]
		if len(cur) > 0 && len(cur)+len(group) > max {
			chunks = append(chunks, cur)
			cur = nil
		}
		for len(group) > max {
			chunks = append(chunks, group[:max])
			group = group[max:]
		}
		cur = append(cur, group...)
		if len(cur) == max {
			chunks = append(chunks, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
