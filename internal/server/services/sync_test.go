package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/server/models"
	"github.com/tripmark/tripsync/internal/server/store"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

type fakePlaces struct {
	rows map[string]*models.Place
}

func placeKey(userID, regionType, regionCode string) string {
	return userID + "/" + regionType + "#" + regionCode
}

func (f *fakePlaces) Get(_ context.Context, userID, regionType, regionCode string) (*models.Place, error) {
	p, ok := f.rows[placeKey(userID, regionType, regionCode)]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlaces) Upsert(_ context.Context, p *models.Place) error {
	key := placeKey(p.UserID, string(p.RegionType), p.RegionCode)
	if old, ok := f.rows[key]; ok && p.SyncVersion <= old.SyncVersion {
		return common.ErrVersionConflict
	}
	cp := *p
	f.rows[key] = &cp
	return nil
}

func (f *fakePlaces) SelectChangedSince(_ context.Context, userID string, minVersion int64) ([]*models.Place, error) {
	var result []*models.Place
	for _, p := range f.rows {
		if p.UserID == userID && p.SyncVersion > minVersion {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SyncVersion < result[j].SyncVersion })
	return result, nil
}

type fakeUsers struct {
	states map[string]*models.SyncState
}

func (f *fakeUsers) Ensure(_ context.Context, userID string) error {
	if _, ok := f.states[userID]; !ok {
		f.states[userID] = &models.SyncState{UserID: userID}
	}
	return nil
}

func (f *fakeUsers) GetSyncState(_ context.Context, userID string) (*models.SyncState, error) {
	state, ok := f.states[userID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *state
	return &cp, nil
}

func (f *fakeUsers) IncrementSyncVersion(_ context.Context, userID string) (int64, error) {
	state, ok := f.states[userID]
	if !ok {
		return 0, common.ErrNotFound
	}
	state.SyncVersion++
	return state.SyncVersion, nil
}

func (f *fakeUsers) UpdateSyncState(_ context.Context, userID string, at time.Time, deviceID string) error {
	state := f.states[userID]
	state.LastSyncAt = &at
	state.LastSyncDevice = deviceID
	return nil
}

type fakeOps struct {
	outcomes map[string]*api.ProcessedOperation
}

func (f *fakeOps) Lookup(_ context.Context, userID, operationID string) (*api.ProcessedOperation, error) {
	outcome, ok := f.outcomes[userID+"/"+operationID]
	if !ok {
		return nil, nil
	}
	cp := *outcome
	return &cp, nil
}

func (f *fakeOps) RecordApplied(_ context.Context, userID string, outcome *api.ProcessedOperation) error {
	key := userID + "/" + outcome.OperationID
	if _, ok := f.outcomes[key]; !ok {
		cp := *outcome
		f.outcomes[key] = &cp
	}
	return nil
}

type fakeRunner struct {
	repos store.Repos
}

func (f *fakeRunner) InTx(ctx context.Context, fn func(ctx context.Context, r store.Repos) error) error {
	return fn(ctx, f.repos)
}

type fixture struct {
	svc    *syncService
	places *fakePlaces
	users  *fakeUsers
	ops    *fakeOps
}

func newFixture() *fixture {
	f := &fixture{
		places: &fakePlaces{rows: make(map[string]*models.Place)},
		users:  &fakeUsers{states: make(map[string]*models.SyncState)},
		ops:    &fakeOps{outcomes: make(map[string]*api.ProcessedOperation)},
	}
	runner := &fakeRunner{repos: store.Repos{Places: f.places, Users: f.users, Ops: f.ops}}
	f.svc = &syncService{
		runner: runner,
		log:    nopLogger{},
		now:    func() time.Time { return time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC) },
	}
	return f
}

var baseTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func syncOp(typ api.OperationType, code string, base int64, offset time.Duration) api.SyncOperation {
	ts := baseTime.Add(offset)
	op := api.SyncOperation{
		OperationID:     uuid.NewString(),
		OperationType:   typ,
		EntityKey:       "country#" + code,
		BaseVersion:     base,
		ClientTimestamp: ts,
	}
	if typ != api.OpDelete {
		op.EntityData = &api.PlacePayload{
			RegionType:     "country",
			RegionCode:     code,
			RegionName:     code,
			Status:         "visited",
			VisitType:      "visited",
			Notes:          fmt.Sprintf("%s at %s", code, ts),
			MarkedAt:       ts,
			LastModifiedAt: ts,
		}
	}
	return op
}

func request(deviceID string, lastVersion int64, ops ...api.SyncOperation) *api.SyncRequest {
	return &api.SyncRequest{
		DeviceID:          deviceID,
		LastSyncVersion:   lastVersion,
		ClientTimestamp:   baseTime,
		PendingOperations: ops,
	}
}

func TestApply_CreateUpdateDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	create := syncOp(api.OpCreate, "FR", 0, 0)
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, create))
	require.NoError(t, err)
	require.Len(t, resp.ProcessedOperations, 1)
	assert.Equal(t, api.OutcomeSuccess, resp.ProcessedOperations[0].Status)
	assert.Equal(t, int64(1), resp.ProcessedOperations[0].ServerVersion)
	assert.Equal(t, int64(1), resp.NewSyncVersion)

	update := syncOp(api.OpUpdate, "FR", 1, time.Minute)
	resp, err = f.svc.Apply(ctx, "u1", request("dev-a", 1, update))
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, resp.ProcessedOperations[0].Status)
	assert.Equal(t, int64(2), resp.ProcessedOperations[0].ServerVersion)

	del := syncOp(api.OpDelete, "FR", 2, 2*time.Minute)
	resp, err = f.svc.Apply(ctx, "u1", request("dev-a", 2, del))
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, resp.ProcessedOperations[0].Status)

	row, err := f.places.Get(ctx, "u1", "country", "FR")
	require.NoError(t, err)
	assert.True(t, row.IsDeleted, "delete keeps a tombstone row")
	assert.Equal(t, int64(3), row.SyncVersion)
	assert.Equal(t, "FR", row.RegionName, "tombstone keeps the previous content")
}

func TestApply_IdempotentReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	op := syncOp(api.OpCreate, "FR", 0, 0)
	first, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, op))
	require.NoError(t, err)

	// Same operation ID delivered again (retried request).
	second, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, op))
	require.NoError(t, err)

	assert.Equal(t, first.ProcessedOperations[0], second.ProcessedOperations[0])
	assert.Equal(t, int64(1), second.NewSyncVersion, "replay must not re-apply")

	row, err := f.places.Get(ctx, "u1", "country", "FR")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.SyncVersion)
}

func TestApply_ConflictOnBaseMismatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Device B wrote versions 1 and 2.
	_, err := f.svc.Apply(ctx, "u1", request("dev-b", 0, syncOp(api.OpCreate, "FR", 0, 0)))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, "u1", request("dev-b", 1, syncOp(api.OpUpdate, "FR", 1, time.Minute)))
	require.NoError(t, err)

	// Device A still believes version 1.
	stale := syncOp(api.OpUpdate, "FR", 1, 2*time.Minute)
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 1, stale))
	require.NoError(t, err)

	po := resp.ProcessedOperations[0]
	assert.Equal(t, api.OutcomeConflict, po.Status)
	assert.Equal(t, int64(2), po.ServerVersion)
	require.NotNil(t, po.Entity, "conflict carries the server snapshot")
	require.NotNil(t, po.ConflictDetails)
	assert.Equal(t, int64(1), po.ConflictDetails.BaseVersion)
	assert.Equal(t, int64(2), po.ConflictDetails.ServerVersion)
	require.Len(t, resp.Conflicts, 1)

	// Nothing was written.
	row, err := f.places.Get(ctx, "u1", "country", "FR")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.SyncVersion)
}

func TestApply_DuplicateCreateConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Device B created the key first.
	first := syncOp(api.OpCreate, "FR", 0, 0)
	first.EntityData.Notes = "written on B"
	_, err := f.svc.Apply(ctx, "u1", request("dev-b", 0, first))
	require.NoError(t, err)

	// Device A created the same key offline and now syncs.
	second := syncOp(api.OpCreate, "FR", 0, time.Minute)
	second.EntityData.Notes = "written on A"
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, second))
	require.NoError(t, err)

	po := resp.ProcessedOperations[0]
	assert.Equal(t, api.OutcomeConflict, po.Status)
	require.NotNil(t, po.Entity)
	assert.Equal(t, "written on B", po.Entity.Notes)
	assert.Equal(t, "duplicate_create", po.ConflictDetails.ConflictType)
}

func TestApply_ResurrectionAfterDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, "u1", request("dev-b", 0, syncOp(api.OpCreate, "FR", 0, 0)))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, "u1", request("dev-b", 1, syncOp(api.OpDelete, "FR", 1, time.Minute)))
	require.NoError(t, err)

	// Device A re-creates against the tombstone version it has seen.
	revive := syncOp(api.OpCreate, "FR", 2, 2*time.Minute)
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 2, revive))
	require.NoError(t, err)
	assert.Equal(t, api.OutcomeSuccess, resp.ProcessedOperations[0].Status)

	row, err := f.places.Get(ctx, "u1", "country", "FR")
	require.NoError(t, err)
	assert.False(t, row.IsDeleted)
	assert.Equal(t, int64(3), row.SyncVersion)
}

func TestApply_OfflineChainInOneBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Mark visited, delete, re-create, all queued offline on one device.
	ops := []api.SyncOperation{
		syncOp(api.OpCreate, "JP", 0, 0),
		syncOp(api.OpDelete, "JP", 0, time.Minute),
		syncOp(api.OpCreate, "JP", 0, 2*time.Minute),
	}
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, ops...))
	require.NoError(t, err)

	for _, po := range resp.ProcessedOperations {
		assert.Equal(t, api.OutcomeSuccess, po.Status)
	}

	row, err := f.places.Get(ctx, "u1", "country", "JP")
	require.NoError(t, err)
	assert.False(t, row.IsDeleted)
	assert.Equal(t, "visited", row.Status)
	assert.Equal(t, int64(3), row.SyncVersion)
}

func TestApply_SameKeyDeliveryOrderIrrelevant(t *testing.T) {
	// The same three operations from one device must converge to the same
	// final content no matter which order retries deliver them in.
	chain := []api.SyncOperation{
		syncOp(api.OpCreate, "JP", 0, 0),
		syncOp(api.OpUpdate, "JP", 0, time.Minute),
		syncOp(api.OpDelete, "JP", 0, 2*time.Minute),
	}
	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, perm := range permutations {
		f := newFixture()
		ctx := context.Background()
		for _, i := range perm {
			_, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, chain[i]))
			require.NoError(t, err, "permutation %v", perm)
		}
		row, err := f.places.Get(ctx, "u1", "country", "JP")
		require.NoError(t, err, "permutation %v", perm)
		assert.True(t, row.IsDeleted, "permutation %v must end deleted", perm)
	}
}

func TestApply_ServerChangesExcludeOwnDevice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, syncOp(api.OpCreate, "FR", 0, 0)))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, "u1", request("dev-b", 0, syncOp(api.OpCreate, "DE", 0, time.Minute)))
	require.NoError(t, err)

	// Device A polls from its cursor: it must see B's write but not its own.
	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 0))
	require.NoError(t, err)
	require.Len(t, resp.ServerChanges, 1)
	assert.Equal(t, "country#DE", resp.ServerChanges[0].EntityKey)
	assert.Equal(t, int64(2), resp.ServerChanges[0].ServerVersion)
}

func TestApply_BatchCapRejected(t *testing.T) {
	f := newFixture()

	var ops []api.SyncOperation
	for i := 0; i < api.MaxOperationsPerRequest+1; i++ {
		ops = append(ops, syncOp(api.OpCreate, fmt.Sprintf("C%d", i), 0, time.Duration(i)*time.Second))
	}
	_, err := f.svc.Apply(context.Background(), "u1", request("dev-a", 0, ops...))
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestApply_ValidationFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	badRegion := syncOp(api.OpCreate, "XX", 0, 0)
	badRegion.EntityKey = "continent#EU"
	badRegion.EntityData.RegionType = "continent"
	badRegion.EntityData.RegionCode = "EU"

	noPayload := syncOp(api.OpCreate, "FR", 0, time.Minute)
	noPayload.EntityData = nil

	badID := syncOp(api.OpCreate, "DE", 0, 2*time.Minute)
	badID.OperationID = "not-a-uuid"

	longNotes := syncOp(api.OpCreate, "IT", 0, 3*time.Minute)
	longNotes.EntityData.Notes = strings.Repeat("x", api.MaxNotesLength+1)

	resp, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, badRegion, noPayload, badID, longNotes))
	require.NoError(t, err)
	require.Len(t, resp.ProcessedOperations, 4)
	for _, po := range resp.ProcessedOperations {
		assert.Equal(t, api.OutcomeRejected, po.Status)
		assert.NotEmpty(t, po.Error)
	}
	assert.Zero(t, resp.NewSyncVersion, "rejected operations consume no versions")
}

func TestStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, "u1", request("dev-a", 0, syncOp(api.OpCreate, "FR", 0, 0)))
	require.NoError(t, err)

	status, err := f.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", status.UserID)
	assert.Equal(t, int64(1), status.SyncVersion)
	assert.Equal(t, "dev-a", status.LastSyncDevice)
	require.NotNil(t, status.LastSyncAt)
}
