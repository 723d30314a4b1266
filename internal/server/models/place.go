// Package models defines the server-side row types backing the sync
// endpoint.
package models

import (
	"time"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/region"
)

// Place is one user's record for one region. Deletes are tombstones: the
// row stays so the deletion itself can be synchronized.
//
// OriginDeviceID and OriginOpTimestamp describe the client operation that
// produced the current value. They let the server order a chain of
// operations from the same device even when retries deliver them out of
// order, and let it exclude a device's own writes from its change feed.
type Place struct {
	UserID     string
	RegionType region.Type
	RegionCode string
	RegionName string

	Status        string
	VisitType     string
	VisitedDate   *time.Time
	DepartureDate *time.Time
	Notes         string
	MarkedAt      time.Time

	SyncVersion       int64
	LastModifiedAt    time.Time
	IsDeleted         bool
	OriginDeviceID    string
	OriginOpTimestamp time.Time
	ServerTimestamp   time.Time
}

// EntityKey returns the wire form of the row's key.
func (p *Place) EntityKey() string {
	return api.EntityKey(p.RegionType, p.RegionCode)
}

// Payload converts the row to its wire form.
func (p *Place) Payload() *api.PlacePayload {
	return &api.PlacePayload{
		RegionType:     p.RegionType,
		RegionCode:     p.RegionCode,
		RegionName:     p.RegionName,
		Status:         p.Status,
		VisitType:      p.VisitType,
		VisitedDate:    p.VisitedDate,
		DepartureDate:  p.DepartureDate,
		Notes:          p.Notes,
		MarkedAt:       p.MarkedAt,
		LastModifiedAt: p.LastModifiedAt,
		IsDeleted:      p.IsDeleted,
		OriginDeviceID: p.OriginDeviceID,
	}
}

// SyncState is the per-user aggregate sync bookkeeping.
type SyncState struct {
	UserID         string
	SyncVersion    int64
	LastSyncAt     *time.Time
	LastSyncDevice string
}
