package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// NotifyCursor is the cursor NotifyIntegrated advances.
const NotifyCursor = "notify_integrated"

// Notifier is told about ops once they are integrated.
type Notifier interface {
	Integrated(ctx context.Context, ops []store.OpRecord) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ops []store.OpRecord) error

// Integrated implements Notifier.
func (f NotifierFunc) Integrated(ctx context.Context, ops []store.OpRecord) error {
	return f(ctx, ops)
}

// LogNotifier logs integrated ops at debug level.
type LogNotifier struct {
	Logger *slog.Logger
}

// Integrated implements Notifier.
func (n LogNotifier) Integrated(ctx context.Context, ops []store.OpRecord) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, rec := range ops {
		logger.DebugContext(ctx, "op integrated",
			"op", rec.Hash.Short(),
			"type", rec.Op.Type.String(),
			"status", rec.Status.String(),
			"integrated_seq", rec.IntegratedSeq,
		)
	}
	return nil
}

// NotifyConfig configures NotifyIntegrated.
type NotifyConfig struct {
	Notifier   Notifier
	BatchLimit int
}

// NotifyIntegrated returns the workflow that hands newly integrated ops
// to a Notifier, in integration order, and advances a persisted cursor so
// every op is delivered once per successful invocation. A Notifier that
// fails leaves the cursor in place and the batch is delivered again.
func NotifyIntegrated(cfg NotifyConfig) Func {
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 100
	}

	return func(ctx context.Context, ws *store.Workspace, s *store.Store, downstream trigger.Sender) (WorkComplete, error) {
		if cfg.Notifier == nil {
			return 0, Fatal(fmt.Errorf("notify: no notifier configured"))
		}

		cursor, err := ws.Cursor(ctx, NotifyCursor)
		if err != nil {
			return 0, workspaceErr(err)
		}
		ops, err := ws.OpsIntegratedAfter(ctx, cursor, limit)
		if err != nil {
			return 0, workspaceErr(err)
		}
		if len(ops) == 0 {
			return Complete, nil
		}

		if err := cfg.Notifier.Integrated(ctx, ops); err != nil {
			return 0, fmt.Errorf("notify %d ops: %w", len(ops), err)
		}
		last := ops[len(ops)-1].IntegratedSeq
		if err := s.WithTx(ctx, func(tx *store.Tx) error {
			return tx.SetCursor(ctx, NotifyCursor, last)
		}); err != nil {
			return 0, err
		}

		downstream.Trigger()
		if len(ops) == limit {
			return Incomplete, nil
		}
		return Complete, nil
	}
}
