package workflow

import (
	"context"
	"log/slog"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// Scheduler arranges for the expiry consumer to run at a given time.
type Scheduler interface {
	ScheduleAt(at ir.Timestamp)
}

// ExpiryConfig configures ReleaseExpiredLocks.
type ExpiryConfig struct {
	Clock     clock.Clock
	Scheduler Scheduler
	Logger    *slog.Logger
}

// ReleaseExpiredLocks returns the workflow that resolves countersigning
// sessions whose window elapsed: their chain locks are released so
// ordinary writes resume. It schedules itself for the next expiry that is
// still pending.
func ReleaseExpiredLocks(cfg ExpiryConfig) Func {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, ws *store.Workspace, s *store.Store, downstream trigger.Sender) (WorkComplete, error) {
		now := ir.TimestampOf(clk.Now())
		released, err := s.ReleaseExpiredLocks(ctx, now)
		if err != nil {
			return 0, err
		}
		for _, lock := range released {
			logger.Info("countersigning session expired, chain unlocked",
				"agent", lock.Author.Short(),
				"session", lock.Subject.Short(),
			)
		}

		next, ok, err := ws.NextLockExpiry(ctx)
		if err != nil {
			return 0, workspaceErr(err)
		}
		if ok && cfg.Scheduler != nil {
			cfg.Scheduler.ScheduleAt(next)
		}
		if len(released) > 0 {
			downstream.Trigger()
		}
		return Complete, nil
	}
}
