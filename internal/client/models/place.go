// Package models defines the client-side data model: the place record kept
// in the local store, the pending operation queued for upload, and the sync
// cursor.
package models

import (
	"time"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/region"
)

// Status marks a place as visited or merely planned.
type Status string

const (
	StatusVisited    Status = "visited"
	StatusBucketList Status = "bucket_list"
)

// VisitType distinguishes a full visit from a transit/layover.
type VisitType string

const (
	VisitFull    VisitType = "visited"
	VisitTransit VisitType = "transit"
)

// Key identifies a place record. Together with the signed-in user (implicit
// on the client, one user per database file) it is globally unique.
type Key struct {
	Type region.Type
	Code string
}

func (k Key) String() string {
	return api.EntityKey(k.Type, k.Code)
}

// Place is a single synchronized region entry.
//
// SyncVersion is the server-assigned optimistic-concurrency token. It is the
// sole authority for conflict detection; LastModifiedAt is only a tie-break
// hint inside an already-detected conflict.
type Place struct {
	RegionType region.Type
	RegionCode string
	RegionName string

	Status        Status
	VisitType     VisitType
	VisitedDate   *time.Time
	DepartureDate *time.Time
	Notes         string
	MarkedAt      time.Time

	SyncVersion    int64
	LastModifiedAt time.Time
	IsDeleted      bool
	OriginDeviceID string
}

// Key returns the record's identity.
func (p *Place) Key() Key {
	return Key{Type: p.RegionType, Code: p.RegionCode}
}

// Payload converts the record to its wire form.
func (p *Place) Payload() *api.PlacePayload {
	return &api.PlacePayload{
		RegionType:     p.RegionType,
		RegionCode:     p.RegionCode,
		RegionName:     p.RegionName,
		Status:         string(p.Status),
		VisitType:      string(p.VisitType),
		VisitedDate:    p.VisitedDate,
		DepartureDate:  p.DepartureDate,
		Notes:          p.Notes,
		MarkedAt:       p.MarkedAt,
		LastModifiedAt: p.LastModifiedAt,
		IsDeleted:      p.IsDeleted,
		OriginDeviceID: p.OriginDeviceID,
	}
}

// PlaceFromPayload converts a wire payload into a record at the given
// server version.
func PlaceFromPayload(data *api.PlacePayload, version int64) *Place {
	return &Place{
		RegionType:     data.RegionType,
		RegionCode:     data.RegionCode,
		RegionName:     data.RegionName,
		Status:         Status(data.Status),
		VisitType:      VisitType(data.VisitType),
		VisitedDate:    data.VisitedDate,
		DepartureDate:  data.DepartureDate,
		Notes:          data.Notes,
		MarkedAt:       data.MarkedAt,
		SyncVersion:    version,
		LastModifiedAt: data.LastModifiedAt,
		IsDeleted:      data.IsDeleted,
		OriginDeviceID: data.OriginDeviceID,
	}
}

// ContentEquals reports whether two records hold the same user-visible
// content, ignoring sync metadata. Used to decide whether a resolved
// conflict still needs a corrective upload.
func (p *Place) ContentEquals(o *Place) bool {
	return p.RegionType == o.RegionType &&
		p.RegionCode == o.RegionCode &&
		p.RegionName == o.RegionName &&
		p.Status == o.Status &&
		p.VisitType == o.VisitType &&
		timePtrEqual(p.VisitedDate, o.VisitedDate) &&
		timePtrEqual(p.DepartureDate, o.DepartureDate) &&
		p.Notes == o.Notes &&
		p.IsDeleted == o.IsDeleted
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
