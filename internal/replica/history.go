package replica

import (
	"context"
	"time"
)

// OperationKind names a sync operation recorded in the history.
type OperationKind string

const (
	OpCheck   OperationKind = "check"
	OpBackup  OperationKind = "backup"
	OpRestore OperationKind = "restore"
	OpResolve OperationKind = "resolve"
	OpFetch   OperationKind = "fetch"
)

// SyncOperation is one recorded sync attempt. FinishedAt is zero while running.
type SyncOperation struct {
	ID         int64
	Kind       OperationKind
	StartedAt  time.Time
	FinishedAt time.Time
	Status     SyncStatus
	ErrorCount int
	Message    string
}

// History records sync operations. Stores keep it outside the collections
// so a restore does not erase it.
type History interface {
	// StartOperation records the start of an operation and returns its ID.
	StartOperation(ctx context.Context, kind OperationKind, startedAt time.Time) (int64, error)

	// FinishOperation records the outcome of an operation.
	FinishOperation(ctx context.Context, id int64, finishedAt time.Time, status SyncStatus, errorCount int, message string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]*SyncOperation, error)
}

// NopHistory discards all operations.
type NopHistory struct{}

func (NopHistory) StartOperation(context.Context, OperationKind, time.Time) (int64, error) {
	return 0, nil
}

func (NopHistory) FinishOperation(context.Context, int64, time.Time, SyncStatus, int, string) error {
	return nil
}

func (NopHistory) ListOperations(context.Context, int) ([]*SyncOperation, error) {
	return nil, nil
}
