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

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, []ir.DhtOp) error { return p.err }

func TestPublish_LocalPublisherValidatesAndDrains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	authorChain(t, s, testAgent(1), 1)

	down, _ := trigger.New()
	result, err := run(t, s, PublishDhtOps(PublishConfig{Publisher: LocalPublisher{Store: s}}), down)
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
	assert.True(t, down.Pending())

	outgoing, err := s.UnpublishedOps(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, outgoing)

	ops, err := s.Ops(ctx, store.OpFilter{})
	require.NoError(t, err)
	for _, rec := range ops {
		assert.Equal(t, ir.StatusValid, rec.Status)
		assert.True(t, rec.Published)
	}
}

func TestPublish_BatchLimit(t *testing.T) {
	s := newTestStore(t)
	authorChain(t, s, testAgent(1), 1)

	publish := PublishDhtOps(PublishConfig{Publisher: LocalPublisher{Store: s}, BatchLimit: 3})
	result, err := run(t, s, publish, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Incomplete, result)

	result, err = run(t, s, publish, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Incomplete, result, "a full batch may hide more work")

	result, err = run(t, s, publish, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
}

func TestPublish_FailureKeepsQueue(t *testing.T) {
	s := newTestStore(t)
	authorChain(t, s, testAgent(1), 0)

	unreachable := errors.New("no peers")
	_, err := run(t, s, PublishDhtOps(PublishConfig{Publisher: failingPublisher{err: unreachable}}), trigger.Sender{})
	require.ErrorIs(t, err, unreachable)
	assert.False(t, IsFatal(err))

	outgoing, err := s.UnpublishedOps(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, outgoing, 3)
}

func TestPublish_NoPublisherIsFatal(t *testing.T) {
	s := newTestStore(t)
	_, err := run(t, s, PublishDhtOps(PublishConfig{}), trigger.Sender{})
	assert.True(t, IsFatal(err))
}
