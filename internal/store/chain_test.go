package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/ir"
)

func TestAppendHeader_BuildsChain(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	agent := testAgent(1)

	head, err := s.ChainHead(ctx, agent)
	require.NoError(t, err)
	assert.Nil(t, head)

	g, _ := appendGenesis(t, s, agent)
	h1 := appendCreate(t, s, agent, g, 1, "one")

	head, err = s.ChainHead(ctx, agent)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, Head{Hash: h1, Seq: 1}, *head)

	chain, err := s.Chain(ctx, agent)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, g, chain[0].Hash)
	assert.Equal(t, h1, chain[1].Hash)
	require.NotNil(t, chain[1].Entry)
	assert.JSONEq(t, `{"text":"one"}`, string(chain[1].Entry.Content))

	entry, err := s.Entry(ctx, *chain[1].Header.Header.EntryHash)
	require.NoError(t, err)
	assert.Equal(t, *chain[1].Entry, entry)

	rec, err := s.Record(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, chain[1].Header, rec.Header)
}

func TestAppendHeader_HeadMovedWritesNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	agent := testAgent(1)

	g, _ := appendGenesis(t, s, agent)
	moved := appendCreate(t, s, agent, g, 1, "moved")

	// Built against the stale head g.
	sh, entry := buildCreate(t, agent, g, 1, "stale")
	_, err := s.AppendHeader(ctx, ChainAppend{Expected: &g, Header: sh, Entry: &entry, Ops: testOps(t, sh)})
	require.Error(t, err)

	var hm *HeadMovedError
	require.ErrorAs(t, err, &hm)
	assert.Equal(t, g, *hm.Expected)
	assert.Equal(t, moved, *hm.Actual)

	head, err := s.ChainHead(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, moved, head.Hash)

	_, err = s.Entry(ctx, ir.MustHashEntry(entry))
	assert.ErrorIs(t, err, ErrNotFound)

	ops, err := s.Ops(ctx, OpFilter{})
	require.NoError(t, err)
	assert.Len(t, ops, 6, "only genesis and the moved header have ops")
}

func TestAppendHeader_EmptyChainExpectsNil(t *testing.T) {
	s := createTestStore(t)
	agent := testAgent(1)
	g, _ := appendGenesis(t, s, agent)

	entry := ir.AgentEntry(agent)
	eh := ir.MustHashEntry(entry)
	_, err := s.AppendHeader(context.Background(), ChainAppend{
		Header: ir.SignedHeader{Header: ir.Header{Type: ir.HeaderInit, Author: agent, EntryHash: &eh}},
		Entry:  &entry,
	})
	var hm *HeadMovedError
	require.ErrorAs(t, err, &hm)
	assert.Nil(t, hm.Expected)
	assert.Equal(t, g, *hm.Actual)
}

func TestAppendHeader_RejectsBadLink(t *testing.T) {
	s := createTestStore(t)
	agent := testAgent(1)
	g, _ := appendGenesis(t, s, agent)

	sh, entry := buildCreate(t, agent, g, 5, "wrong seq")
	_, err := s.AppendHeader(context.Background(), ChainAppend{Expected: &g, Header: sh, Entry: &entry})
	require.Error(t, err)
	assert.False(t, IsHeadMoved(err))
}

func TestAppendHeader_RejectsEntryMismatch(t *testing.T) {
	s := createTestStore(t)
	agent := testAgent(1)
	g, _ := appendGenesis(t, s, agent)

	sh, _ := buildCreate(t, agent, g, 1, "declared")
	other, err := ir.AppEntry(ir.String("other"))
	require.NoError(t, err)
	_, err = s.AppendHeader(context.Background(), ChainAppend{Expected: &g, Header: sh, Entry: &other})
	assert.Error(t, err)
}

func TestAppendHeader_ChainsAreIndependent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	appendGenesis(t, s, testAgent(1))
	appendGenesis(t, s, testAgent(2))

	for _, a := range []ir.AgentPubKey{testAgent(1), testAgent(2)} {
		chain, err := s.Chain(ctx, a)
		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.Equal(t, a, chain[0].Header.Header.Author)
	}
}
