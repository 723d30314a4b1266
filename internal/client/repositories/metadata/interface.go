package metadata

import "context"

// Repository is a small key-value store for client sync state: the sync
// cursor, the persistent device ID, and similar one-off values.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Well-known metadata keys.
const (
	KeySyncCursor = "sync_cursor"
	KeyDeviceID   = "device_id"
)
