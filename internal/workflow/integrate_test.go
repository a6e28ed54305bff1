package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

func TestIntegrate_DependencyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	headers := authorChain(t, s, testAgent(1), 3)
	validate(t, s, headers...)

	down, _ := trigger.New()
	result, err := run(t, s, IntegrateDhtOps(IntegrateConfig{Clock: fakeClock()}), down)
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
	assert.True(t, down.Pending())

	integrated, err := s.OpsIntegratedAfter(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, integrated, 12)

	seqOf := make(map[ir.Hash]int64)
	for _, rec := range integrated {
		seqOf[rec.Hash] = rec.IntegratedSeq
		assert.Equal(t, ir.TimestampOf(testEpoch), rec.WhenIntegrated)
	}
	for _, rec := range integrated {
		if rec.Dependency == nil {
			continue
		}
		depSeq, ok := seqOf[*rec.Dependency]
		require.True(t, ok, "dependency of %s integrated", rec.Hash.Short())
		assert.Less(t, depSeq, rec.IntegratedSeq)
	}
}

func TestIntegrate_WaitsForDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	headers := authorChain(t, s, testAgent(1), 2)

	// The second create arrives validated before the first.
	validate(t, s, headers[0], headers[2])

	integrate := IntegrateDhtOps(IntegrateConfig{})
	result, err := run(t, s, integrate, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Complete, result)

	integrated, err := s.OpsIntegratedAfter(ctx, 0, 100)
	require.NoError(t, err)
	// Genesis: all three. Second create: StoreRecord and StoreEntry only;
	// its activity waits on the first create's activity.
	assert.Len(t, integrated, 5)

	validate(t, s, headers[1])
	result, err = run(t, s, integrate, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Complete, result)

	integrated, err = s.OpsIntegratedAfter(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, integrated, 9)
}

func TestIntegrate_IdempotentAfterComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	validate(t, s, authorChain(t, s, testAgent(1), 2)...)

	integrate := IntegrateDhtOps(IntegrateConfig{})
	result, err := run(t, s, integrate, trigger.Sender{})
	require.NoError(t, err)
	require.Equal(t, Complete, result)

	before, err := s.TotalChanges(ctx)
	require.NoError(t, err)

	down, _ := trigger.New()
	result, err = run(t, s, integrate, down)
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
	assert.False(t, down.Pending(), "nothing integrated, nothing downstream")

	after, err := s.TotalChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIntegrate_AtomicOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	validate(t, s, authorChain(t, s, testAgent(1), 1)...)

	boom := errors.New("crash before commit")
	var marked []ir.Hash
	integrate := IntegrateDhtOps(IntegrateConfig{
		BeforeCommit: func(_ context.Context, hashes []ir.Hash) error {
			marked = hashes
			return boom
		},
	})

	down, _ := trigger.New()
	_, err := run(t, s, integrate, down)
	require.ErrorIs(t, err, boom)
	assert.Len(t, marked, 6)
	assert.False(t, down.Pending())

	integrated, err := s.OpsIntegratedAfter(ctx, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, integrated)

	pending, err := s.Ops(ctx, store.OpFilter{Pending: true})
	require.NoError(t, err)
	assert.Len(t, pending, 6)
}

func TestIntegrate_IncompleteWhenTruncated(t *testing.T) {
	s := newTestStore(t)
	validate(t, s, authorChain(t, s, testAgent(1), 2)...)

	integrate := IntegrateDhtOps(IntegrateConfig{BatchLimit: 4})
	var results []WorkComplete
	for range 5 {
		result, err := run(t, s, integrate, trigger.Sender{})
		require.NoError(t, err)
		results = append(results, result)
		if result == Complete {
			break
		}
	}
	assert.Equal(t, []WorkComplete{Incomplete, Incomplete, Complete}, results)

	pending, err := s.Ops(context.Background(), store.OpFilter{Pending: true})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIntegrate_DependenciesArrivingLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := testAgent(2)

	// A foreign chain's activity ops, received newest first: every op
	// precedes its dependency in insertion order.
	sh := ir.SignedHeader{Header: ir.Header{Type: ir.HeaderInit, Author: agent, Timestamp: 1}}
	var activity []ir.DhtOp
	for seq := uint32(0); seq < 4; seq++ {
		if seq > 0 {
			prev := ir.MustHashHeader(sh.Header)
			sh = ir.SignedHeader{Header: ir.Header{
				Type:       ir.HeaderDelete,
				Author:     agent,
				Timestamp:  ir.Timestamp(seq + 1),
				Seq:        seq,
				PrevHeader: &prev,
			}}
		}
		op, err := ir.NewDhtOp(ir.OpRegisterAgentActivity, sh)
		require.NoError(t, err)
		activity = append(activity, op)
	}
	for i := len(activity) - 1; i >= 0; i-- {
		_, err := s.InsertOps(ctx, activity[i:i+1], ir.StatusValid)
		require.NoError(t, err)
	}

	integrate := IntegrateDhtOps(IntegrateConfig{BatchLimit: 2})
	var results []WorkComplete
	for range 10 {
		result, err := run(t, s, integrate, trigger.Sender{})
		require.NoError(t, err)
		results = append(results, result)
		if result == Complete {
			break
		}
	}
	assert.Equal(t, []WorkComplete{Incomplete, Incomplete, Complete}, results)

	integrated, err := s.OpsIntegratedAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, integrated, 4)
	for i, rec := range integrated {
		assert.Equal(t, activity[i].Hash(), rec.Hash, "chain order at position %d", i)
	}
}

func TestIntegrate_NothingPending(t *testing.T) {
	s := newTestStore(t)
	result, err := run(t, s, IntegrateDhtOps(IntegrateConfig{}), trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
}

func TestIntegrate_ClosedWorkspaceIsFatal(t *testing.T) {
	s := newTestStore(t)
	ws := s.NewWorkspace("closed")
	ws.Close()
	_, err := IntegrateDhtOps(IntegrateConfig{})(context.Background(), ws, s, trigger.Sender{})
	assert.True(t, IsFatal(err))
}
