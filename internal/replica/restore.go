package replica

import (
	"bytes"
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// FetchResult summarizes a pass over materials awaiting their payload.
type FetchResult struct {
	Downloaded int
	ErrorCount int
	// Skipped counts pending materials without a remote copy to fetch.
	Skipped int
}

// Restore replaces the local store with the remote snapshot, records the
// sync time and signals subscribers to reload their data from scratch.
func (o *Orchestrator) Restore(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	return o.restoreLocked(ctx, OpRestore)
}

// restoreLocked runs a restore. The caller holds opMu.
func (o *Orchestrator) restoreLocked(ctx context.Context, op OperationKind) error {
	ctx, span := o.tracer.Start(ctx, "replica.restore")
	defer span.End()

	opID := o.startOperation(ctx, op)
	mark := o.changeMark()
	o.publish(StatusEvent{Status: StatusSyncingDown, Op: op})

	remote, err := o.cloud.FindFile(ctx, o.backupName)
	if err != nil {
		return o.fail(ctx, span, op, opID, fmt.Errorf("locating remote snapshot: %w", err))
	}
	if remote == nil {
		return o.fail(ctx, span, op, opID, ErrNoRemoteBackup)
	}

	var buf bytes.Buffer
	if err := o.cloud.DownloadFile(ctx, remote.ID, &buf); err != nil {
		return o.fail(ctx, span, op, opID, fmt.Errorf("downloading snapshot: %w", err))
	}
	span.SetAttributes(attribute.Int("snapshot.bytes", buf.Len()))

	snap, err := o.decodeSnapshot(buf.Bytes())
	if err != nil {
		return o.fail(ctx, span, op, opID, err)
	}

	if err := o.codec.Import(ctx, snap); err != nil {
		return o.fail(ctx, span, op, opID, fmt.Errorf("importing snapshot: %w", err))
	}

	if err := o.state.SetLastSyncTime(o.clock.Now()); err != nil {
		return o.fail(ctx, span, op, opID, fmt.Errorf("recording sync time: %w", err))
	}
	o.clearDirty(mark)

	fetched, err := o.fetchPendingLocked(ctx)
	if err != nil {
		o.logger.Warn("fetching pending material content", "error", err)
	} else if fetched.Downloaded > 0 || fetched.ErrorCount > 0 {
		o.logger.Info("material content fetched", "downloaded", fetched.Downloaded, "errors", fetched.ErrorCount)
	}

	o.logger.Info("restore complete", "bytes", buf.Len())
	o.publish(StatusEvent{Status: StatusUpToDate, Op: op})
	o.finishOperation(ctx, opID, StatusUpToDate, 0, "")
	o.reloadListeners.Notify(struct{}{})
	return nil
}

// FetchPendingContent downloads the payload of every download_pending
// material that has a remote copy. Failures are counted, not fatal.
func (o *Orchestrator) FetchPendingContent(ctx context.Context) (*FetchResult, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "replica.fetch")
	defer span.End()

	opID := o.startOperation(ctx, OpFetch)
	res, err := o.fetchPendingLocked(ctx)
	if err != nil {
		o.finishOperation(ctx, opID, StatusError, 0, err.Error())
		return nil, err
	}

	status := StatusUpToDate
	if res.ErrorCount > 0 {
		status = StatusError
	}
	o.finishOperation(ctx, opID, status, res.ErrorCount, "")
	return res, nil
}

func (o *Orchestrator) fetchPendingLocked(ctx context.Context) (*FetchResult, error) {
	entries, err := o.store.GetAll(ctx, CollectionMaterials)
	if err != nil {
		return nil, fmt.Errorf("reading materials: %w", err)
	}

	syncCtx := WithOrigin(ctx, OriginSync)
	res := &FetchResult{}

	for _, e := range entries {
		m, err := DecodeMaterial(e.Value)
		if err != nil || m.SyncStatus != StatusDownloadPending {
			continue
		}
		if m.RemoteID == "" || !m.Content.IsBinary() {
			res.Skipped++
			continue
		}

		var buf bytes.Buffer
		if err := o.cloud.DownloadFile(ctx, m.RemoteID, &buf); err != nil {
			res.ErrorCount++
			o.logger.Warn("material download failed", "id", m.ID, "error", err)
			continue
		}

		m.Content.Data = buf.Bytes()
		m.SyncStatus = StatusUpToDate
		if err := o.saveMaterial(syncCtx, m); err != nil {
			res.ErrorCount++
			o.logger.Warn("saving downloaded material", "id", m.ID, "error", err)
			continue
		}
		res.Downloaded++
	}

	return res, nil
}
