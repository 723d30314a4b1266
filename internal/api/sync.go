// Package api defines the JSON wire contract of the sync endpoint, shared by
// the client transport and the server HTTP layer so the two cannot drift.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/tripmark/tripsync/internal/region"
)

// OperationType distinguishes the three mutation kinds a client can submit.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// OutcomeStatus is the per-operation result reported by the server.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeConflict OutcomeStatus = "conflict"
	OutcomeRejected OutcomeStatus = "rejected"
)

// MaxOperationsPerRequest caps a single sync request. Clients with larger
// backlogs split them into sequential requests.
const MaxOperationsPerRequest = 50

// MaxNotesLength caps the free-text notes field. Enforced on both sides:
// clients reject oversize notes before queueing, the server rejects them on
// apply.
const MaxNotesLength = 500

// KeySeparator joins region type and code into a wire entity key.
const KeySeparator = "#"

// EntityKey builds the wire form of a place key, e.g. "country#FR".
func EntityKey(t region.Type, code string) string {
	return string(t) + KeySeparator + code
}

// SplitEntityKey parses a wire entity key back into its parts.
func SplitEntityKey(key string) (region.Type, string, error) {
	parts := strings.SplitN(key, KeySeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed entity key %q", key)
	}
	return region.Type(parts[0]), parts[1], nil
}

// PlacePayload is the typed entity_data carried by create and update
// operations and by server changes. Delete operations carry no payload.
type PlacePayload struct {
	RegionType     region.Type `json:"region_type"`
	RegionCode     string      `json:"region_code"`
	RegionName     string      `json:"region_name"`
	Status         string      `json:"status"`
	VisitType      string      `json:"visit_type,omitempty"`
	VisitedDate    *time.Time  `json:"visited_date,omitempty"`
	DepartureDate  *time.Time  `json:"departure_date,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	MarkedAt       time.Time   `json:"marked_at"`
	LastModifiedAt time.Time   `json:"last_modified_at"`
	IsDeleted      bool        `json:"is_deleted,omitempty"`
	OriginDeviceID string      `json:"origin_device_id,omitempty"`
}

// SyncOperation is a single pending client mutation.
type SyncOperation struct {
	OperationID     string        `json:"operation_id"`
	OperationType   OperationType `json:"operation_type"`
	EntityKey       string        `json:"entity_key"`
	BaseVersion     int64         `json:"base_version"`
	EntityData      *PlacePayload `json:"entity_data,omitempty"`
	ClientTimestamp time.Time     `json:"client_timestamp"`
}

// SyncRequest is the body of POST /api/v1/sync.
type SyncRequest struct {
	DeviceID          string          `json:"device_id"`
	LastSyncVersion   int64           `json:"last_sync_version"`
	ClientTimestamp   time.Time       `json:"client_timestamp"`
	PendingOperations []SyncOperation `json:"pending_operations"`
}

// ConflictDetails describes a version conflict for one operation. It is
// informational: the client resolves the conflict from Entity alone.
type ConflictDetails struct {
	EntityKey     string `json:"entity_key"`
	ConflictType  string `json:"conflict_type"`
	BaseVersion   int64  `json:"base_version"`
	ServerVersion int64  `json:"server_version"`
}

// ProcessedOperation is the per-operation outcome in a sync response.
type ProcessedOperation struct {
	OperationID     string           `json:"operation_id"`
	Status          OutcomeStatus    `json:"status"`
	ServerVersion   int64            `json:"server_version,omitempty"`
	Entity          *PlacePayload    `json:"entity,omitempty"`
	ConflictDetails *ConflictDetails `json:"conflict_details,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// ServerChange is a record written by another device since the client's
// last cursor.
type ServerChange struct {
	EntityKey       string        `json:"entity_key"`
	EntityData      *PlacePayload `json:"entity_data"`
	ServerVersion   int64         `json:"server_version"`
	ServerTimestamp time.Time     `json:"server_timestamp"`
}

// SyncResponse is the body returned by POST /api/v1/sync.
type SyncResponse struct {
	SyncSuccessful      bool                 `json:"sync_successful"`
	NewSyncVersion      int64                `json:"new_sync_version"`
	ServerTimestamp     time.Time            `json:"server_timestamp"`
	ProcessedOperations []ProcessedOperation `json:"processed_operations"`
	ServerChanges       []ServerChange       `json:"server_changes"`
	Conflicts           []ConflictDetails    `json:"conflicts"`
}

// SyncStatusResponse is the body of GET /api/v1/sync/status.
type SyncStatusResponse struct {
	UserID         string     `json:"user_id"`
	SyncVersion    int64      `json:"sync_version"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncDevice string     `json:"last_sync_device,omitempty"`
}

// ErrorResponse is the generic error body for non-200 replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
