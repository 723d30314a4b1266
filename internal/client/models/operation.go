package models

import (
	"time"

	"github.com/tripmark/tripsync/internal/api"
)

// OperationStatus is the queue state of a pending operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationInFlight  OperationStatus = "in_flight"
	OperationFailed    OperationStatus = "failed"
	OperationCompleted OperationStatus = "completed"
)

// Operation is a local mutation not yet acknowledged by the server.
//
// OperationID is the idempotency key: generated once when the mutation
// happens and never regenerated on retry, so a duplicated delivery is
// recognized server-side. Seq is the local append order and drives the
// per-key ordering guarantee.
type Operation struct {
	Seq         int64
	OperationID string
	Type        api.OperationType
	Key         Key

	// BaseVersion is the SyncVersion the client believed current when the
	// mutation was made; 0 for create.
	BaseVersion int64

	// Payload is the full record snapshot for create/update, nil for delete.
	Payload *Place

	Status        OperationStatus
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	LastError     string
}

// Wire converts the operation to its request form.
func (o *Operation) Wire() api.SyncOperation {
	op := api.SyncOperation{
		OperationID:     o.OperationID,
		OperationType:   o.Type,
		EntityKey:       o.Key.String(),
		BaseVersion:     o.BaseVersion,
		ClientTimestamp: o.CreatedAt,
	}
	if o.Payload != nil {
		op.EntityData = o.Payload.Payload()
	}
	return op
}
