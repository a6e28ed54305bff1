package store

import (
	"context"
	"sync/atomic"

	"github.com/roach88/cellchain/internal/ir"
)

// Workspace is the view of the store one workflow iteration reads
// through. A consumer opens a fresh Workspace per iteration and closes it
// when the iteration ends; a closed Workspace refuses every read.
//
// Writes go through the Store (or a WithTx transaction) so that the
// transaction boundary stays explicit in workflow code.
type Workspace struct {
	id     string
	store  *Store
	closed atomic.Bool
}

// NewWorkspace opens a workspace with the given id.
func (s *Store) NewWorkspace(id string) *Workspace {
	return &Workspace{id: id, store: s}
}

// ID identifies the iteration the workspace belongs to.
func (w *Workspace) ID() string { return w.id }

// Close ends the workspace. It is safe to call more than once.
func (w *Workspace) Close() { w.closed.Store(true) }

// Closed reports whether Close was called.
func (w *Workspace) Closed() bool { return w.closed.Load() }

// PendingIntegration returns validated, unintegrated ops.
func (w *Workspace) PendingIntegration(ctx context.Context, limit int) ([]OpRecord, bool, error) {
	if w.Closed() {
		return nil, false, ErrWorkspaceClosed
	}
	return w.store.PendingIntegration(ctx, limit)
}

// IntegratedDependencies returns which of the given op hashes are
// integrated.
func (w *Workspace) IntegratedDependencies(ctx context.Context, deps []ir.Hash) (map[ir.Hash]bool, error) {
	if w.Closed() {
		return nil, ErrWorkspaceClosed
	}
	return w.store.IntegratedAmong(ctx, deps)
}

// UnpublishedOps returns the authored outgoing queue.
func (w *Workspace) UnpublishedOps(ctx context.Context, limit int) ([]OpRecord, error) {
	if w.Closed() {
		return nil, ErrWorkspaceClosed
	}
	return w.store.UnpublishedOps(ctx, limit)
}

// OpsIntegratedAfter returns ops integrated after the given sequence.
func (w *Workspace) OpsIntegratedAfter(ctx context.Context, after int64, limit int) ([]OpRecord, error) {
	if w.Closed() {
		return nil, ErrWorkspaceClosed
	}
	return w.store.OpsIntegratedAfter(ctx, after, limit)
}

// Cursor reads a named cursor.
func (w *Workspace) Cursor(ctx context.Context, name string) (int64, error) {
	if w.Closed() {
		return 0, ErrWorkspaceClosed
	}
	return w.store.Cursor(ctx, name)
}

// NextLockExpiry returns the earliest countersigning lock expiry.
func (w *Workspace) NextLockExpiry(ctx context.Context) (ir.Timestamp, bool, error) {
	if w.Closed() {
		return 0, false, ErrWorkspaceClosed
	}
	return w.store.NextLockExpiry(ctx)
}
