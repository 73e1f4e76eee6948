package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultBackupName is the canonical snapshot file in the remote area.
	DefaultBackupName = "studysync-backup.json"

	// DefaultSkew absorbs clock drift between this device and the remote.
	DefaultSkew = time.Second

	snapshotMimeType  = "application/json"
	encryptedMimeType = "application/octet-stream"
	materialsFolder   = "materials"
	tracerName        = "studysync/replica"
)

// FileStamp is the comparable identity of one replica's snapshot.
type FileStamp struct {
	ModifiedTime time.Time
	Size         int64
}

// ConflictRecord describes divergent replicas awaiting resolution.
// Local.ModifiedTime is the last successful sync, zero if there was none.
type ConflictRecord struct {
	Cloud FileStamp
	Local FileStamp
}

// StatusEvent is published on every orchestrator state change.
type StatusEvent struct {
	Status     SyncStatus
	Op         OperationKind
	Conflict   *ConflictRecord
	ErrorCount int
	Err        error
}

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	Logger     Logger
	Clock      Clock
	Scheduler  Scheduler
	Tracer     trace.Tracer
	History    History
	Encryptor  Encryptor // nil stores the snapshot in plaintext
	BackupName string
	Skew       time.Duration
}

// Orchestrator is the sync state machine. It sequences checks, backups and
// restores and owns the authoritative sync status. At most one operation
// runs at a time; later requests wait for the running one to settle.
type Orchestrator struct {
	store     LocalStore
	cloud     CloudAdapter
	state     SyncState
	codec     *Codec
	logger    Logger
	clock     Clock
	sched     Scheduler
	tracer    trace.Tracer
	history   History
	encryptor Encryptor

	backupName string
	skew       time.Duration

	// opMu serializes check, backup, restore and fetch.
	opMu sync.Mutex
	// resolving is the conflict under resolution. Guarded by opMu.
	resolving *ConflictRecord

	mu        sync.Mutex
	status    SyncStatus
	conflict  *ConflictRecord
	lastErr   error
	dirty     bool
	changeSeq uint64
	decrypt   DecryptionContext

	statusListeners Listeners[StatusEvent]
	reloadListeners Listeners[struct{}]
}

// NewOrchestrator creates an Orchestrator in the idle state.
func NewOrchestrator(store LocalStore, cloud CloudAdapter, state SyncState, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		cloud:      cloud,
		state:      state,
		codec:      NewCodec(store),
		logger:     opts.Logger,
		clock:      opts.Clock,
		sched:      opts.Scheduler,
		tracer:     opts.Tracer,
		history:    opts.History,
		encryptor:  opts.Encryptor,
		backupName: opts.BackupName,
		skew:       opts.Skew,
		status:     StatusIdle,
	}
	if o.logger == nil {
		o.logger = NewNopLogger()
	}
	if o.clock == nil {
		o.clock = RealClock{}
	}
	if o.sched == nil {
		o.sched = RealScheduler{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer(tracerName)
	}
	if o.history == nil {
		o.history = NopHistory{}
	}
	if o.backupName == "" {
		o.backupName = DefaultBackupName
	}
	if o.skew <= 0 {
		o.skew = DefaultSkew
	}
	return o
}

// Codec returns the codec bound to the orchestrator's store.
func (o *Orchestrator) Codec() *Codec { return o.codec }

// Status returns the current sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Conflict returns the pending conflict, or nil.
func (o *Orchestrator) Conflict() *ConflictRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conflict == nil {
		return nil
	}
	c := *o.conflict
	return &c
}

// LastError returns the error behind the current error status, if any.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Dirty reports whether the local replica changed since the last successful sync.
func (o *Orchestrator) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// MarkDirty records a local change.
func (o *Orchestrator) MarkDirty() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty = true
	o.changeSeq++
}

// changeMark returns the change counter, taken at the start of an operation.
func (o *Orchestrator) changeMark() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changeSeq
}

// clearDirty clears the dirty flag unless a change arrived after mark.
func (o *Orchestrator) clearDirty(mark uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.changeSeq == mark {
		o.dirty = false
	}
}

// Unlock supplies the decryption context used by restores of an encrypted snapshot.
func (o *Orchestrator) Unlock(dc DecryptionContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decrypt = dc
}

// Subscribe registers fn for status events.
func (o *Orchestrator) Subscribe(fn func(StatusEvent)) (unsubscribe func()) {
	return o.statusListeners.Add(fn)
}

// SubscribeReload registers fn to be called after a restore replaced the
// local data. Consumers must reload their view of the store from scratch.
func (o *Orchestrator) SubscribeReload(fn func()) (unsubscribe func()) {
	return o.reloadListeners.Add(func(struct{}) { fn() })
}

// Start runs a state check whenever the cloud adapter becomes authenticated,
// including immediately if it already is. The returned function stops it.
func (o *Orchestrator) Start(ctx context.Context) (stop func()) {
	var mu sync.Mutex
	authenticated := false

	trigger := func() {
		o.sched.AfterFunc(0, func() {
			if _, err := o.CheckInitialState(ctx); err != nil {
				o.logger.Warn("initial sync check failed", "error", err)
			}
		})
	}

	unsubscribe := o.cloud.SubscribeAuth(func(s AuthState) {
		mu.Lock()
		became := s.Authenticated && !authenticated
		authenticated = s.Authenticated
		mu.Unlock()
		if became {
			trigger()
		}
	})

	if o.cloud.AuthState().Authenticated {
		mu.Lock()
		already := authenticated
		authenticated = true
		mu.Unlock()
		if !already {
			trigger()
		}
	}
	return unsubscribe
}

// publish sets the state and notifies subscribers outside the lock.
func (o *Orchestrator) publish(ev StatusEvent) {
	o.mu.Lock()
	o.status = ev.Status
	o.conflict = ev.Conflict
	o.lastErr = ev.Err
	o.mu.Unlock()

	o.statusListeners.Notify(ev)
}

// Decision is the outcome of the state check.
type Decision int

const (
	DecideUpToDate Decision = iota
	DecideBackup
	DecideConflict
)

func (d Decision) String() string {
	switch d {
	case DecideBackup:
		return "backup"
	case DecideConflict:
		return "conflict"
	default:
		return "up_to_date"
	}
}

// Decide applies the startup decision table. A remote snapshot is newer when
// its modified time exceeds the last sync time by more than skew. A remote
// snapshot without local sync history, or newer than it, is always a
// conflict: it is never restored without confirmation.
func Decide(remote *FileMetadata, lastSync time.Time, hasSync bool, dirty bool, skew time.Duration) Decision {
	if remote == nil {
		if dirty {
			return DecideBackup
		}
		return DecideUpToDate
	}
	if !hasSync {
		return DecideConflict
	}
	if remote.ModifiedTime.After(lastSync.Add(skew)) {
		return DecideConflict
	}
	if dirty {
		return DecideBackup
	}
	return DecideUpToDate
}

// CheckInitialState compares the remote snapshot with local sync history and
// moves to up_to_date, backs up, or surfaces a conflict.
func (o *Orchestrator) CheckInitialState(ctx context.Context) (SyncStatus, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if !o.cloud.AuthState().Authenticated {
		return o.Status(), ErrNotAuthenticated
	}

	ctx, span := o.tracer.Start(ctx, "replica.check")
	defer span.End()

	opID := o.startOperation(ctx, OpCheck)
	o.publish(StatusEvent{Status: StatusChecking, Op: OpCheck})

	remote, err := o.cloud.FindFile(ctx, o.backupName)
	if err != nil {
		return StatusError, o.fail(ctx, span, OpCheck, opID, fmt.Errorf("locating remote snapshot: %w", err))
	}

	lastSync, hasSync, err := o.state.LastSyncTime()
	if err != nil {
		return StatusError, o.fail(ctx, span, OpCheck, opID, fmt.Errorf("reading last sync time: %w", err))
	}

	dirty := o.Dirty()
	if !dirty {
		changed, err := o.hasLocalChangesSince(ctx, lastSync)
		if err != nil {
			return StatusError, o.fail(ctx, span, OpCheck, opID, err)
		}
		if changed {
			o.MarkDirty()
			dirty = true
		}
	}

	decision := Decide(remote, lastSync, hasSync, dirty, o.skew)
	span.SetAttributes(
		attribute.Bool("remote.present", remote != nil),
		attribute.Bool("local.dirty", dirty),
		attribute.String("decision", decision.String()),
	)
	o.logger.Info("sync check", "remote", remote != nil, "dirty", dirty, "decision", decision.String())

	switch decision {
	case DecideBackup:
		o.finishOperation(ctx, opID, StatusSyncingUp, 0, "backup required")
		res, err := o.backupLocked(ctx, OpBackup)
		if err != nil {
			return StatusError, err
		}
		return res.Status, nil

	case DecideConflict:
		localSize, err := o.localSnapshotSize(ctx)
		if err != nil {
			return StatusError, o.fail(ctx, span, OpCheck, opID, err)
		}
		conflict := &ConflictRecord{
			Cloud: FileStamp{ModifiedTime: remote.ModifiedTime, Size: remote.Size},
			Local: FileStamp{Size: localSize},
		}
		if hasSync {
			conflict.Local.ModifiedTime = lastSync
		}
		o.publish(StatusEvent{Status: StatusConflict, Op: OpCheck, Conflict: conflict})
		o.finishOperation(ctx, opID, StatusConflict, 0, "")
		return StatusConflict, nil

	default:
		o.publish(StatusEvent{Status: StatusUpToDate, Op: OpCheck})
		o.finishOperation(ctx, opID, StatusUpToDate, 0, "")
		return StatusUpToDate, nil
	}
}

// hasLocalChangesSince reports whether any record was modified locally after
// t. Settings carry no timestamps and are not considered.
func (o *Orchestrator) hasLocalChangesSince(ctx context.Context, t time.Time) (bool, error) {
	since := t.UnixMilli()
	if t.IsZero() {
		since = 0
	}

	for _, coll := range Collections {
		if coll == CollectionSettings {
			continue
		}
		entries, err := o.store.GetAll(ctx, coll)
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", coll, err)
		}
		for _, e := range entries {
			var rec SyncableRecord
			if err := json.Unmarshal(e.Value, &rec); err != nil {
				continue
			}
			if rec.LastModified > since {
				return true, nil
			}
		}
	}
	return false, nil
}

// localSnapshotSize returns the byte size of a full export.
func (o *Orchestrator) localSnapshotSize(ctx context.Context) (int64, error) {
	snap, err := o.codec.Export(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("exporting local snapshot: %w", err)
	}
	data, err := snap.Marshal()
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// fail moves to the error state and records err. It returns err. A failed
// resolution returns to the conflict it was resolving, so it can be retried.
// The caller holds opMu.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, op OperationKind, opID int64, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error("sync operation failed", "op", string(op), "error", err)

	ev := StatusEvent{Status: StatusError, Op: op, Err: err}
	if op == OpResolve && o.resolving != nil {
		ev.Status = StatusConflict
		ev.Conflict = o.resolving
	}
	o.publish(ev)
	o.finishOperation(ctx, opID, StatusError, 0, err.Error())
	return err
}

func (o *Orchestrator) startOperation(ctx context.Context, kind OperationKind) int64 {
	id, err := o.history.StartOperation(ctx, kind, o.clock.Now())
	if err != nil {
		o.logger.Warn("recording sync operation", "op", string(kind), "error", err)
		return 0
	}
	return id
}

func (o *Orchestrator) finishOperation(ctx context.Context, id int64, status SyncStatus, errorCount int, message string) {
	if id == 0 {
		return
	}
	if err := o.history.FinishOperation(ctx, id, o.clock.Now(), status, errorCount, message); err != nil {
		o.logger.Warn("finishing sync operation", "id", id, "error", err)
	}
}

// encodeSnapshot exports the full store and encrypts it when configured.
func (o *Orchestrator) encodeSnapshot(ctx context.Context) ([]byte, string, error) {
	snap, err := o.codec.Export(ctx, false)
	if err != nil {
		return nil, "", fmt.Errorf("exporting snapshot: %w", err)
	}
	data, err := snap.Marshal()
	if err != nil {
		return nil, "", err
	}
	if o.encryptor == nil {
		return data, snapshotMimeType, nil
	}

	var buf bytes.Buffer
	if err := o.encryptor.Encrypt(bytes.NewReader(data), &buf); err != nil {
		return nil, "", fmt.Errorf("encrypting snapshot: %w", err)
	}
	return buf.Bytes(), encryptedMimeType, nil
}

// decodeSnapshot decrypts (when configured) and parses a downloaded snapshot.
func (o *Orchestrator) decodeSnapshot(data []byte) (Snapshot, error) {
	if o.encryptor != nil {
		o.mu.Lock()
		dc := o.decrypt
		o.mu.Unlock()
		if dc == nil {
			return nil, fmt.Errorf("remote snapshot is encrypted: unlock with the passphrase first")
		}

		var buf bytes.Buffer
		if err := dc.Decrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decrypting snapshot: %w", err)
		}
		data = buf.Bytes()
	}
	return ParseSnapshot(data)
}
