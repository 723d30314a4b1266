// Package resolver reconciles two divergent versions of the same place
// record. Resolution is a pure function of the two snapshots: no I/O, no
// clock reads, no hidden state, so two calls with the same inputs produce
// identical output.
//
// Version numbers detect conflicts; timestamps only break ties inside an
// already-detected conflict. Devices with skewed clocks therefore cannot
// corrupt conflict detection, only bias which side of a genuine conflict
// wins.
package resolver

import (
	"strings"

	"github.com/tripmark/tripsync/internal/client/models"
)

// Resolution reasons, retained for observability only. Nothing downstream
// branches on them.
const (
	ReasonLastWriteWins     = "last_write_wins"
	ReasonFieldMerge        = "field_merge"
	ReasonDeletionDominance = "deletion_dominance"
	ReasonResurrection      = "resurrection"
	ReasonBothDeleted       = "both_deleted"
	ReasonIdentical         = "identical"
)

// NotesMergeFunc decides what the notes field becomes when both sides
// changed it. The right heuristic is a product decision, so it is a policy
// slot rather than a hard-coded rule.
type NotesMergeFunc func(first, second string) string

// ConcatNotes keeps both texts, earlier-written side first.
func ConcatNotes(first, second string) string {
	return first + "\n\n" + second
}

// KeepSecondNotes keeps only the later-written side's text.
func KeepSecondNotes(first, second string) string {
	return second
}

// Resolver reconciles conflicting records. The zero value is not usable;
// construct with New.
type Resolver struct {
	mergeNotes     NotesMergeFunc
	wholeRecordLWW bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNotesMerge replaces the notes merge policy.
func WithNotesMerge(f NotesMergeFunc) Option {
	return func(r *Resolver) { r.mergeNotes = f }
}

// WithLastWriteWins disables field-level merging: the side with the later
// modification wins wholesale.
func WithLastWriteWins() Option {
	return func(r *Resolver) { r.wholeRecordLWW = true }
}

// New returns a Resolver with field-level merging and note concatenation
// as defaults.
func New(opts ...Option) *Resolver {
	r := &Resolver{mergeNotes: ConcatNotes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve takes the local record (carrying a pending change the server
// rejected) and the server's current record for the same key, and returns
// the state both sides should converge on plus the reason it was chosen.
//
// The local snapshot's SyncVersion is the version the device last saw from
// the server — its base. The remote snapshot's SyncVersion is the current
// server version, which in a conflict is strictly higher.
func (r *Resolver) Resolve(local, remote *models.Place) (*models.Place, string) {
	switch {
	case local.IsDeleted && remote.IsDeleted:
		resolved := clone(remote)
		resolved.SyncVersion = maxVersion(local, remote)
		return resolved, ReasonBothDeleted

	case local.IsDeleted:
		// A delete only dominates when it was made against a version at
		// least as new as the surviving side's. A stale delete must not
		// erase data entered elsewhere since.
		if local.SyncVersion >= remote.SyncVersion {
			resolved := clone(local)
			resolved.SyncVersion = maxVersion(local, remote)
			return resolved, ReasonDeletionDominance
		}
		resolved := clone(remote)
		return resolved, ReasonResurrection

	case remote.IsDeleted:
		// The server tombstone at version V was applied against V-1.
		if remote.SyncVersion-1 >= local.SyncVersion {
			resolved := clone(remote)
			return resolved, ReasonDeletionDominance
		}
		resolved := clone(local)
		resolved.SyncVersion = maxVersion(local, remote)
		resolved.IsDeleted = false
		return resolved, ReasonResurrection
	}

	if local.ContentEquals(remote) {
		resolved := clone(remote)
		return resolved, ReasonIdentical
	}
	if r.wholeRecordLWW {
		resolved := clone(winner(local, remote))
		resolved.SyncVersion = maxVersion(local, remote)
		return resolved, ReasonLastWriteWins
	}
	return r.mergeFields(local, remote), ReasonFieldMerge
}

// mergeFields unions the independently-set optional fields and falls back to
// last-write-wins per field where both sides hold a value. Classification
// fields and status have no meaningful merge, so they follow the winner
// wholesale.
func (r *Resolver) mergeFields(local, remote *models.Place) *models.Place {
	win := winner(local, remote)
	lose := other(win, local, remote)

	merged := clone(win)
	merged.SyncVersion = maxVersion(local, remote)
	if lose.LastModifiedAt.After(merged.LastModifiedAt) {
		merged.LastModifiedAt = lose.LastModifiedAt
	}

	if merged.VisitedDate == nil {
		merged.VisitedDate = lose.VisitedDate
	}
	if merged.DepartureDate == nil {
		merged.DepartureDate = lose.DepartureDate
	}

	switch {
	case merged.Notes == "":
		merged.Notes = lose.Notes
	case lose.Notes != "" && lose.Notes != win.Notes:
		// Both sides wrote notes; order deterministically, earlier side first.
		first, second := orderSides(local, remote)
		merged.Notes = r.mergeNotes(first.Notes, second.Notes)
	}
	return merged
}

// winner picks the side that last-write-wins: later LastModifiedAt, then
// higher SyncVersion, then lexicographically larger origin device ID so the
// choice never depends on argument order.
func winner(local, remote *models.Place) *models.Place {
	_, second := orderSides(local, remote)
	return second
}

func other(w, local, remote *models.Place) *models.Place {
	if w == local {
		return remote
	}
	return local
}

// orderSides returns the two records ordered earlier-first under the same
// deterministic comparison used by winner.
func orderSides(local, remote *models.Place) (*models.Place, *models.Place) {
	switch {
	case local.LastModifiedAt.Before(remote.LastModifiedAt):
		return local, remote
	case remote.LastModifiedAt.Before(local.LastModifiedAt):
		return remote, local
	case local.SyncVersion != remote.SyncVersion:
		if local.SyncVersion < remote.SyncVersion {
			return local, remote
		}
		return remote, local
	case strings.Compare(local.OriginDeviceID, remote.OriginDeviceID) <= 0:
		return local, remote
	default:
		return remote, local
	}
}

func maxVersion(a, b *models.Place) int64 {
	if a.SyncVersion > b.SyncVersion {
		return a.SyncVersion
	}
	return b.SyncVersion
}

func clone(p *models.Place) *models.Place {
	c := *p
	if p.VisitedDate != nil {
		t := *p.VisitedDate
		c.VisitedDate = &t
	}
	if p.DepartureDate != nil {
		t := *p.DepartureDate
		c.DepartureDate = &t
	}
	return &c
}
