package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
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

// authoredHeader is one appended header and its ops.
type authoredHeader struct {
	Hash ir.Hash
	Ops  []ir.DhtOp
}

// authorChain appends a genesis header plus n creates for agent and
// returns them in chain order. Ops are queued as authored, unvalidated.
func authorChain(t *testing.T, s *store.Store, agent ir.AgentPubKey, n int) []authoredHeader {
	t.Helper()
	ctx := context.Background()
	var out []authoredHeader
	var prev *ir.Hash
	for seq := 0; seq <= n; seq++ {
		var entry ir.Entry
		h := ir.Header{Author: agent, Timestamp: ir.Timestamp(seq + 1), Seq: uint32(seq), PrevHeader: prev}
		if seq == 0 {
			h.Type = ir.HeaderInit
			entry = ir.AgentEntry(agent)
		} else {
			h.Type = ir.HeaderCreate
			var err error
			entry, err = ir.AppEntry(ir.Map{"n": ir.Int(int64(seq))})
			require.NoError(t, err)
			h.EntryType = &ir.EntryType{EntryIndex: 1, Visibility: ir.VisibilityPublic}
		}
		eh := ir.MustHashEntry(entry)
		h.EntryHash = &eh
		sh := ir.SignedHeader{Header: h}

		var ops []ir.DhtOp
		for _, typ := range []ir.DhtOpType{ir.OpStoreRecord, ir.OpStoreEntry, ir.OpRegisterAgentActivity} {
			op, err := ir.NewDhtOp(typ, sh)
			require.NoError(t, err)
			ops = append(ops, op)
		}
		hash, err := s.AppendHeader(ctx, store.ChainAppend{Expected: prev, Header: sh, Entry: &entry, Ops: ops})
		require.NoError(t, err)
		out = append(out, authoredHeader{Hash: hash, Ops: ops})
		p := hash
		prev = &p
	}
	return out
}

func validate(t *testing.T, s *store.Store, headers ...authoredHeader) {
	t.Helper()
	for _, h := range headers {
		_, err := s.InsertOps(context.Background(), h.Ops, ir.StatusValid)
		require.NoError(t, err)
	}
}

// run invokes fn once with a fresh workspace, like a consumer iteration.
func run(t *testing.T, s *store.Store, fn Func, downstream trigger.Sender) (WorkComplete, error) {
	t.Helper()
	ws := s.NewWorkspace("test")
	defer ws.Close()
	return fn(context.Background(), ws, s, downstream)
}

func fakeClock() *clock.FakeClock { return clock.Fake(testEpoch) }
