package replica

import (
	"context"
	"fmt"
	"sync"
)

// Choice selects the winning replica of a conflict.
type Choice string

const (
	// ChoiceLocal overwrites the remote with the local replica.
	ChoiceLocal Choice = "local"
	// ChoiceRemote overwrites the local replica with the remote snapshot.
	ChoiceRemote Choice = "remote"
)

// ParseChoice validates a user-supplied choice.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceLocal, ChoiceRemote:
		return c, nil
	default:
		return "", fmt.Errorf("invalid conflict choice %q (want %q or %q)", s, ChoiceLocal, ChoiceRemote)
	}
}

// ConflictResolver exposes the pending conflict and resolves it on request.
type ConflictResolver struct {
	orch *Orchestrator

	mu                sync.Mutex
	loadingResolution bool
}

// NewConflictResolver creates a resolver for the orchestrator's conflicts.
func NewConflictResolver(orch *Orchestrator) *ConflictResolver {
	return &ConflictResolver{orch: orch}
}

// Pending returns the conflict awaiting resolution, or nil.
func (r *ConflictResolver) Pending() *ConflictRecord {
	return r.orch.Conflict()
}

// Resolving reports whether a resolution is in flight.
func (r *ConflictResolver) Resolving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadingResolution
}

// Resolve settles the pending conflict. Choosing local backs up over the
// remote; choosing remote restores over the local store and triggers the
// reload signal. With no pending conflict, or while another resolution is
// in flight, the call does nothing and reports false.
func (r *ConflictResolver) Resolve(ctx context.Context, choice Choice) (bool, error) {
	if choice != ChoiceLocal && choice != ChoiceRemote {
		return false, fmt.Errorf("invalid conflict choice %q", choice)
	}

	r.mu.Lock()
	if r.loadingResolution || r.orch.Conflict() == nil {
		r.mu.Unlock()
		return false, nil
	}
	r.loadingResolution = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.loadingResolution = false
		r.mu.Unlock()
	}()

	r.orch.logger.Info("resolving conflict", "choice", string(choice))
	if choice == ChoiceLocal {
		return true, r.orch.resolveLocal(ctx)
	}
	return true, r.orch.resolveRemote(ctx)
}

func (o *Orchestrator) resolveLocal(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if !o.beginResolve() {
		return nil
	}
	defer o.endResolve()

	res, err := o.backupLocked(ctx, OpResolve)
	if err != nil {
		return err
	}
	if res.ErrorCount > 0 {
		return fmt.Errorf("%d material upload(s) failed", res.ErrorCount)
	}
	return nil
}

func (o *Orchestrator) resolveRemote(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if !o.beginResolve() {
		return nil
	}
	defer o.endResolve()

	return o.restoreLocked(ctx, OpResolve)
}

// beginResolve captures the pending conflict. It reports false when another
// operation settled it first. The caller holds opMu.
func (o *Orchestrator) beginResolve() bool {
	o.resolving = o.Conflict()
	return o.resolving != nil
}

func (o *Orchestrator) endResolve() {
	o.resolving = nil
}
