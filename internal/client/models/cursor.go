package models

import "time"

// SyncCursor is the device's watermark into server history. It is created on
// the first successful sync round, updated after every round, and persisted
// so a process restart resumes instead of replaying history.
//
// The cursor must only advance after the round's reconciliation has durably
// committed; advancing it early would silently lose updates after a crash.
type SyncCursor struct {
	LastServerTimestamp      time.Time `json:"last_server_timestamp"`
	LastKnownUserSyncVersion int64     `json:"last_known_user_sync_version"`
}

// Zero reports whether the cursor has never been advanced.
func (c SyncCursor) Zero() bool {
	return c.LastKnownUserSyncVersion == 0 && c.LastServerTimestamp.IsZero()
}
