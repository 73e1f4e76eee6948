package replica

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// BackupResult summarizes one backup.
type BackupResult struct {
	// Status is the overall outcome: up_to_date, or error if any material failed.
	Status SyncStatus
	// Uploaded counts material payloads uploaded in this batch.
	Uploaded int
	// ErrorCount counts materials whose upload failed.
	ErrorCount int
	// SyncedAt is the recorded sync time.
	SyncedAt time.Time
}

// Backup uploads pending material payloads, then the full snapshot as the
// canonical backup file. It refuses to run while a conflict is pending;
// resolve the conflict instead.
//
// A failed material upload does not abort the batch: the material is marked
// error, the rest continue, and the overall status ends as error.
func (o *Orchestrator) Backup(ctx context.Context) (*BackupResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if o.Status() == StatusConflict {
		return nil, ErrConflictPending
	}
	return o.backupLocked(ctx, OpBackup)
}

// backupLocked runs a backup. The caller holds opMu.
func (o *Orchestrator) backupLocked(ctx context.Context, op OperationKind) (*BackupResult, error) {
	ctx, span := o.tracer.Start(ctx, "replica.backup")
	defer span.End()

	opID := o.startOperation(ctx, op)
	mark := o.changeMark()
	o.publish(StatusEvent{Status: StatusSyncingUp, Op: op})

	uploaded, errorCount, err := o.uploadPendingMaterials(ctx)
	if err != nil {
		return nil, o.fail(ctx, span, op, opID, err)
	}

	payload, mimeType, err := o.encodeSnapshot(ctx)
	if err != nil {
		return nil, o.fail(ctx, span, op, opID, err)
	}

	if _, err := o.cloud.UploadFile(ctx, bytes.NewReader(payload), int64(len(payload)), o.backupName, mimeType, ""); err != nil {
		return nil, o.fail(ctx, span, op, opID, fmt.Errorf("uploading snapshot: %w", err))
	}

	now := o.clock.Now()
	if err := o.state.SetLastSyncTime(now); err != nil {
		return nil, o.fail(ctx, span, op, opID, fmt.Errorf("recording sync time: %w", err))
	}

	result := &BackupResult{
		Status:     StatusUpToDate,
		Uploaded:   uploaded,
		ErrorCount: errorCount,
		SyncedAt:   now,
	}
	var opErr error
	if errorCount > 0 {
		result.Status = StatusError
		opErr = fmt.Errorf("%d material upload(s) failed", errorCount)
	} else {
		o.clearDirty(mark)
	}

	span.SetAttributes(
		attribute.Int("materials.uploaded", uploaded),
		attribute.Int("materials.failed", errorCount),
		attribute.Int("snapshot.bytes", len(payload)),
	)
	o.logger.Info("backup complete", "uploaded", uploaded, "errors", errorCount, "bytes", len(payload))

	o.publish(StatusEvent{Status: result.Status, Op: op, ErrorCount: errorCount, Err: opErr})
	message := ""
	if opErr != nil {
		message = opErr.Error()
	}
	o.finishOperation(ctx, opID, result.Status, errorCount, message)
	return result, nil
}

// uploadPendingMaterials uploads the payload of every material waiting for
// upload. Materials that failed in an earlier batch and never reached the
// remote are retried. Returns the number uploaded and the number that failed.
// Only a failure to read the store aborts the walk.
func (o *Orchestrator) uploadPendingMaterials(ctx context.Context) (int, int, error) {
	entries, err := o.store.GetAll(ctx, CollectionMaterials)
	if err != nil {
		return 0, 0, fmt.Errorf("reading materials: %w", err)
	}

	syncCtx := WithOrigin(ctx, OriginSync)
	uploaded, failed := 0, 0

	for _, e := range entries {
		m, err := DecodeMaterial(e.Value)
		if err != nil {
			o.logger.Warn("skipping unreadable material", "key", e.Key, "error", err)
			continue
		}
		retry := m.SyncStatus == StatusError && m.RemoteID == ""
		if m.SyncStatus != StatusUploadPending && !retry {
			continue
		}

		if !m.Content.HasPayload() {
			m.SyncStatus = StatusUpToDate
			if err := o.saveMaterial(syncCtx, m); err != nil {
				failed++
				o.logger.Warn("updating material status", "id", m.ID, "error", err)
			}
			continue
		}

		prevRemoteID := m.RemoteID
		m.SyncStatus = StatusSyncingUp
		if err := o.saveMaterial(syncCtx, m); err != nil {
			failed++
			o.logger.Warn("updating material status", "id", m.ID, "error", err)
			continue
		}

		remoteID, err := o.cloud.UploadFile(ctx, bytes.NewReader(m.Content.Data), int64(len(m.Content.Data)),
			m.ID, m.Content.MimeType, MaterialFolder(m.ChapterID))
		if err != nil {
			failed++
			m.SyncStatus = StatusError
			o.logger.Warn("material upload failed", "id", m.ID, "error", err)
		} else {
			uploaded++
			m.RemoteID = remoteID
			m.SyncStatus = StatusUpToDate
			if m.Size == 0 {
				m.Size = int64(len(m.Content.Data))
			}
			o.logger.Debug("material uploaded", "id", m.ID, "remote_id", remoteID)
		}

		if err := o.saveMaterial(syncCtx, m); err != nil {
			o.logger.Warn("updating material status", "id", m.ID, "error", err)
			if m.SyncStatus == StatusUpToDate {
				failed++
				uploaded--
			}
			// The stored record still says syncing_up. Settle it as error and
			// drop the remote id that was never recorded.
			m.SyncStatus = StatusError
			m.RemoteID = prevRemoteID
			if err := o.saveMaterial(syncCtx, m); err != nil {
				o.logger.Error("material left syncing_up", "id", m.ID, "error", err)
			}
		}
	}

	return uploaded, failed, nil
}

func (o *Orchestrator) saveMaterial(ctx context.Context, m *Material) error {
	value, err := EncodeRecord(m)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, CollectionMaterials, m.ID, value)
}

// MaterialFolder is the remote folder holding payloads of a chapter's materials.
func MaterialFolder(chapterID string) string {
	return path.Join(materialsFolder, chapterID)
}
