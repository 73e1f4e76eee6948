package replica

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultDebounce is the quiet period that coalesces bursts of changes.
	DefaultDebounce = 5 * time.Second

	// DefaultCooldown delays re-arming the first-change fast path after a sync.
	DefaultCooldown = 2 * time.Second
)

// TrackerOptions configures a ChangeTracker. Zero values select defaults.
type TrackerOptions struct {
	Debounce  time.Duration
	Cooldown  time.Duration
	Scheduler Scheduler
	Logger    Logger
}

// ChangeTracker watches the local store and schedules backups.
//
// The first change after a clean state triggers a backup at once. Later
// changes restart a debounce window, and one backup runs when it elapses.
// While signed out, or while a conflict is pending, changes only mark the
// replica dirty.
type ChangeTracker struct {
	store  LocalStore
	orch   *Orchestrator
	cloud  CloudAdapter
	sched  Scheduler
	logger Logger

	debounce time.Duration
	cooldown time.Duration

	mu          sync.Mutex
	ctx         context.Context
	firstChange bool
	debounceRun Task
	rearm       Task
	unsubs      []func()
}

// NewChangeTracker creates a tracker with the fast path armed.
func NewChangeTracker(store LocalStore, orch *Orchestrator, cloud CloudAdapter, opts TrackerOptions) *ChangeTracker {
	t := &ChangeTracker{
		store:       store,
		orch:        orch,
		cloud:       cloud,
		sched:       opts.Scheduler,
		logger:      opts.Logger,
		debounce:    opts.Debounce,
		cooldown:    opts.Cooldown,
		ctx:         context.Background(),
		firstChange: true,
	}
	if t.sched == nil {
		t.sched = RealScheduler{}
	}
	if t.logger == nil {
		t.logger = NewNopLogger()
	}
	if t.debounce <= 0 {
		t.debounce = DefaultDebounce
	}
	if t.cooldown <= 0 {
		t.cooldown = DefaultCooldown
	}
	return t
}

// Start subscribes to store changes, auth changes and orchestrator status.
// Backups triggered by the tracker run with ctx.
func (t *ChangeTracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	unsubs := []func(){
		t.store.Subscribe(t.onChange),
		t.cloud.SubscribeAuth(t.onAuth),
		t.orch.Subscribe(t.onStatus),
	}

	t.mu.Lock()
	t.unsubs = append(t.unsubs, unsubs...)
	t.mu.Unlock()
}

// Stop unsubscribes and cancels any scheduled work.
func (t *ChangeTracker) Stop() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.cancelLocked()
	if t.rearm != nil {
		t.rearm.Stop()
		t.rearm = nil
	}
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// FirstChangeArmed reports whether the next change takes the fast path.
func (t *ChangeTracker) FirstChangeArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstChange
}

// Scheduled reports whether a debounced backup is waiting.
func (t *ChangeTracker) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.debounceRun != nil
}

func (t *ChangeTracker) onChange(c Change) {
	if c.Origin == OriginSync {
		return
	}
	t.orch.MarkDirty()

	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.debounceRun != nil
	t.cancelLocked()

	if !t.cloud.AuthState().Authenticated || t.orch.Status() == StatusConflict {
		return
	}

	// A burst already being debounced stays debounced even if the cooldown
	// re-armed the fast path meanwhile.
	if t.firstChange && !pending {
		t.firstChange = false
		t.logger.Debug("first change since clean, backing up now")
		t.sched.AfterFunc(0, t.runBackup)
		return
	}

	var task Task
	task = t.sched.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		if t.debounceRun != task {
			t.mu.Unlock()
			return
		}
		t.debounceRun = nil
		t.mu.Unlock()
		t.runBackup()
	})
	t.debounceRun = task
}

func (t *ChangeTracker) onAuth(s AuthState) {
	if s.Authenticated {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

func (t *ChangeTracker) onStatus(ev StatusEvent) {
	if ev.Status != StatusUpToDate {
		return
	}
	switch ev.Op {
	case OpBackup, OpRestore, OpResolve:
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rearm != nil {
		t.rearm.Stop()
	}
	t.firstChange = false
	var task Task
	task = t.sched.AfterFunc(t.cooldown, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.rearm != task {
			return
		}
		t.rearm = nil
		t.firstChange = true
	})
	t.rearm = task
}

func (t *ChangeTracker) runBackup() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if _, err := t.orch.Backup(ctx); err != nil {
		t.logger.Warn("scheduled backup failed", "error", err)
	}
}

// cancelLocked stops the pending debounce timer. The caller holds mu.
func (t *ChangeTracker) cancelLocked() {
	if t.debounceRun != nil {
		t.debounceRun.Stop()
		t.debounceRun = nil
	}
}
