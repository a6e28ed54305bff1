package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// IntegrateConfig configures IntegrateDhtOps.
type IntegrateConfig struct {
	// BatchLimit bounds how many pending ops one invocation considers.
	BatchLimit int
	Clock      clock.Clock
	Logger     *slog.Logger
	// BeforeCommit runs inside the integration transaction after the ops
	// are marked and before commit. An error rolls the whole pass back.
	BeforeCommit func(ctx context.Context, integrated []ir.Hash) error
}

// IntegrateDhtOps returns the integration workflow.
//
// Each invocation selects pending ops whose dependency is integrated, or
// is selected earlier in the same pass, and integrates all of them in one
// transaction in dependency order. The downstream consumer is triggered
// iff at least one op was integrated.
//
// The result is Incomplete when the pass made progress and work may
// remain: the batch limit cut the scan short, or ops are still blocked on
// dependencies. The scan puts ready ops first, so a pass that integrates
// nothing found no ready op in the whole store. That pass is Complete;
// only new or newly validated ops can unblock it, and their arrival
// triggers the consumer.
func IntegrateDhtOps(cfg IntegrateConfig) Func {
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 1000
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, ws *store.Workspace, s *store.Store, downstream trigger.Sender) (WorkComplete, error) {
		pending, truncated, err := ws.PendingIntegration(ctx, limit)
		if err != nil {
			return 0, workspaceErr(err)
		}
		if len(pending) == 0 {
			return Complete, nil
		}

		integrated, err := ws.IntegratedDependencies(ctx, externalDependencies(pending))
		if err != nil {
			return 0, workspaceErr(err)
		}

		order, blocked := selectIntegrable(pending, integrated)
		if len(order) == 0 {
			logger.Debug("no integrable ops", "workspace", ws.ID(), "blocked", blocked)
			return Complete, nil
		}

		now := ir.TimestampOf(clk.Now())
		var n int
		err = s.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			if n, err = tx.MarkIntegrated(ctx, order, now); err != nil {
				return err
			}
			if cfg.BeforeCommit != nil {
				return cfg.BeforeCommit(ctx, order)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("integrate %d ops: %w", len(order), err)
		}

		logger.Debug("integrated ops",
			"workspace", ws.ID(),
			"integrated", n,
			"blocked", blocked,
			"truncated", truncated,
		)

		if n > 0 {
			downstream.Trigger()
		}
		if n > 0 && (truncated || blocked > 0) {
			return Incomplete, nil
		}
		return Complete, nil
	}
}

// externalDependencies lists dependencies that are not in the batch.
func externalDependencies(pending []store.OpRecord) []ir.Hash {
	inBatch := make(map[ir.Hash]bool, len(pending))
	for _, rec := range pending {
		inBatch[rec.Hash] = true
	}
	var deps []ir.Hash
	seen := make(map[ir.Hash]bool)
	for _, rec := range pending {
		if rec.Dependency == nil {
			continue
		}
		d := *rec.Dependency
		if inBatch[d] || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}
	return deps
}

// selectIntegrable runs the dependency fixpoint over a batch. The returned
// order lists every dependency before its dependents.
func selectIntegrable(pending []store.OpRecord, integrated map[ir.Hash]bool) (order []ir.Hash, blocked int) {
	selected := make(map[ir.Hash]bool, len(pending))
	remaining := pending
	for len(remaining) > 0 {
		var next []store.OpRecord
		for _, rec := range remaining {
			if rec.Dependency == nil || integrated[*rec.Dependency] || selected[*rec.Dependency] {
				selected[rec.Hash] = true
				order = append(order, rec.Hash)
				continue
			}
			next = append(next, rec)
		}
		if len(next) == len(remaining) {
			break
		}
		remaining = next
	}
	return order, len(pending) - len(order)
}
