package domain

import "time"

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

type OperationState string

const (
	OperationQueued     OperationState = "queued"
	OperationInFlight   OperationState = "in_flight"
	OperationCommitted  OperationState = "committed"
	OperationFailed     OperationState = "failed"
	OperationRolledBack OperationState = "rolled_back"
)

// PendingOperation is a locally applied mutation awaiting confirmation by
// the store. The id stays stable across retries so the store can
// deduplicate a write that partially succeeded before a network failure.
type PendingOperation struct {
	ID       string
	Kind     OperationKind
	TargetID string
	Payload  map[string]any
	// Optimistic is the value the local view shows while the operation is
	// pending; Rollback is the pre-operation value restored on terminal
	// failure (nil for creates).
	Optimistic map[string]any
	Rollback   map[string]any
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	State      OperationState
}

// DefaultMaxRetries caps transient-failure resubmissions per operation.
const DefaultMaxRetries = 3

// CanRetry reports whether another submission attempt is allowed.
func (op PendingOperation) CanRetry() bool {
	return op.RetryCount < op.MaxRetries
}
