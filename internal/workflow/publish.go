package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// Publisher delivers authored ops to the authorities that validate and
// store them. Network transport lives behind this interface.
type Publisher interface {
	Publish(ctx context.Context, ops []ir.DhtOp) error
}

// LocalPublisher makes this node the authority for everything it
// authors: ops are delivered to the local store as valid.
type LocalPublisher struct {
	Store *store.Store
}

// Publish implements Publisher.
func (p LocalPublisher) Publish(ctx context.Context, ops []ir.DhtOp) error {
	_, err := p.Store.InsertOps(ctx, ops, ir.StatusValid)
	return err
}

// PublishConfig configures PublishDhtOps.
type PublishConfig struct {
	Publisher  Publisher
	BatchLimit int
	Logger     *slog.Logger
}

// PublishDhtOps returns the workflow that drains the authored-op outgoing
// queue. The downstream consumer is triggered whenever ops were
// published.
func PublishDhtOps(cfg PublishConfig) Func {
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, ws *store.Workspace, s *store.Store, downstream trigger.Sender) (WorkComplete, error) {
		if cfg.Publisher == nil {
			return 0, Fatal(fmt.Errorf("publish: no publisher configured"))
		}

		outgoing, err := ws.UnpublishedOps(ctx, limit)
		if err != nil {
			return 0, workspaceErr(err)
		}
		if len(outgoing) == 0 {
			return Complete, nil
		}

		ops := make([]ir.DhtOp, len(outgoing))
		hashes := make([]ir.Hash, len(outgoing))
		for i, rec := range outgoing {
			ops[i] = rec.Op
			hashes[i] = rec.Hash
		}
		if err := cfg.Publisher.Publish(ctx, ops); err != nil {
			return 0, fmt.Errorf("publish %d ops: %w", len(ops), err)
		}
		if err := s.MarkPublished(ctx, hashes); err != nil {
			return 0, err
		}

		logger.Debug("published ops", "workspace", ws.ID(), "count", len(ops))
		downstream.Trigger()

		if len(outgoing) == limit {
			return Incomplete, nil
		}
		return Complete, nil
	}
}
