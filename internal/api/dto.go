package api

import (
	"time"

	"studysync/internal/replica"
)

type stampDTO struct {
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	Size         int64      `json:"size"`
}

type conflictDTO struct {
	Cloud stampDTO `json:"cloud"`
	Local stampDTO `json:"local"`
}

type statusDTO struct {
	Status        replica.SyncStatus `json:"status"`
	Dirty         bool               `json:"dirty"`
	Authenticated bool               `json:"authenticated"`
	Resolving     bool               `json:"resolving"`
	Conflict      *conflictDTO       `json:"conflict,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

type eventDTO struct {
	Status     replica.SyncStatus    `json:"status"`
	Op         replica.OperationKind `json:"op,omitempty"`
	ErrorCount int                   `json:"error_count,omitempty"`
	Conflict   *conflictDTO          `json:"conflict,omitempty"`
	Error      string                `json:"error,omitempty"`
}

type authDTO struct {
	Loaded        bool `json:"loaded"`
	Authenticated bool `json:"authenticated"`
}

type backupDTO struct {
	Status     replica.SyncStatus `json:"status"`
	Uploaded   int                `json:"uploaded"`
	ErrorCount int                `json:"error_count"`
	SyncedAt   time.Time          `json:"synced_at"`
}

type fetchDTO struct {
	Downloaded int `json:"downloaded"`
	ErrorCount int `json:"error_count"`
	Skipped    int `json:"skipped"`
}

type operationDTO struct {
	ID         int64                 `json:"id"`
	Kind       replica.OperationKind `json:"kind"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Status     replica.SyncStatus    `json:"status"`
	ErrorCount int                   `json:"error_count"`
	Message    string                `json:"message,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toStampDTO(s replica.FileStamp) stampDTO {
	return stampDTO{ModifiedTime: timePtr(s.ModifiedTime), Size: s.Size}
}

func toConflictDTO(c *replica.ConflictRecord) *conflictDTO {
	if c == nil {
		return nil
	}
	return &conflictDTO{Cloud: toStampDTO(c.Cloud), Local: toStampDTO(c.Local)}
}

func toEventDTO(ev replica.StatusEvent) eventDTO {
	dto := eventDTO{
		Status:     ev.Status,
		Op:         ev.Op,
		ErrorCount: ev.ErrorCount,
		Conflict:   toConflictDTO(ev.Conflict),
	}
	if ev.Err != nil {
		dto.Error = ev.Err.Error()
	}
	return dto
}

func toOperationDTO(op *replica.SyncOperation) operationDTO {
	return operationDTO{
		ID:         op.ID,
		Kind:       op.Kind,
		StartedAt:  op.StartedAt,
		FinishedAt: timePtr(op.FinishedAt),
		Status:     op.Status,
		ErrorCount: op.ErrorCount,
		Message:    op.Message,
	}
}
