package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/ir"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(b byte) ir.AgentPubKey {
	var a ir.AgentPubKey
	for i := range a {
		a[i] = b
	}
	return a
}

// testOps builds the ops of a header. Store tests do not check signatures.
func testOps(t *testing.T, sh ir.SignedHeader) []ir.DhtOp {
	t.Helper()
	types := []ir.DhtOpType{ir.OpStoreRecord, ir.OpRegisterAgentActivity}
	if sh.Header.EntryHash != nil {
		types = append(types, ir.OpStoreEntry)
	}
	var ops []ir.DhtOp
	for _, typ := range types {
		op, err := ir.NewDhtOp(typ, sh)
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}

// appendGenesis writes agent's Init header and returns it.
func appendGenesis(t *testing.T, s *Store, agent ir.AgentPubKey) (ir.Hash, ir.SignedHeader) {
	t.Helper()
	entry := ir.AgentEntry(agent)
	eh := ir.MustHashEntry(entry)
	sh := ir.SignedHeader{Header: ir.Header{
		Type:      ir.HeaderInit,
		Author:    agent,
		Timestamp: 1,
		EntryHash: &eh,
	}}
	hash, err := s.AppendHeader(context.Background(), ChainAppend{
		Header: sh,
		Entry:  &entry,
		Ops:    testOps(t, sh),
	})
	require.NoError(t, err)
	return hash, sh
}

// buildCreate builds a Create header for content on top of prev.
func buildCreate(t *testing.T, agent ir.AgentPubKey, prev ir.Hash, seq uint32, content string) (ir.SignedHeader, ir.Entry) {
	t.Helper()
	entry, err := ir.AppEntry(ir.Map{"text": ir.String(content)})
	require.NoError(t, err)
	eh := ir.MustHashEntry(entry)
	p := prev
	return ir.SignedHeader{Header: ir.Header{
		Type:       ir.HeaderCreate,
		Author:     agent,
		Timestamp:  ir.Timestamp(10 + seq),
		Seq:        seq,
		PrevHeader: &p,
		EntryType:  &ir.EntryType{EntryIndex: 1, Visibility: ir.VisibilityPublic},
		EntryHash:  &eh,
	}}, entry
}

// appendCreate writes a Create header on top of prev and returns its hash.
func appendCreate(t *testing.T, s *Store, agent ir.AgentPubKey, prev ir.Hash, seq uint32, content string) ir.Hash {
	t.Helper()
	sh, entry := buildCreate(t, agent, prev, seq, content)
	hash, err := s.AppendHeader(context.Background(), ChainAppend{
		Expected: &prev,
		Header:   sh,
		Entry:    &entry,
		Ops:      testOps(t, sh),
	})
	require.NoError(t, err)
	return hash
}
