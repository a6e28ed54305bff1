package conductor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/chain"
	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/config"
	"github.com/roach88/cellchain/internal/consumer"
	"github.com/roach88/cellchain/internal/countersign"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
	"github.com/roach88/cellchain/internal/workflow"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// collector records every op the notify consumer reports.
type collector struct {
	mu  sync.Mutex
	ops map[ir.Hash]store.OpRecord
}

func (c *collector) Integrated(ctx context.Context, ops []store.OpRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		c.ops[op.Hash] = op
	}
	return nil
}

func (c *collector) has(h ir.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ops[h]
	return ok
}

type harness struct {
	conductor *Conductor
	store     *store.Store
	clock     *clock.FakeClock
	notified  *collector
}

func start(t *testing.T, cfg config.Config, opts ...Option) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)

	clk := clock.Fake(epoch)
	notified := &collector{ops: make(map[ir.Hash]store.OpRecord)}
	opts = append([]Option{WithClock(clk), WithNotifier(notified)}, opts...)

	c, err := Start(context.Background(), s, keystore.NewMemory(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Shutdown()
		s.Close()
	})
	return &harness{conductor: c, store: s, clock: clk, notified: notified}
}

func (h *harness) allIntegrated(agent ir.AgentPubKey) bool {
	ops, err := h.store.Ops(context.Background(), store.OpFilter{Author: &agent})
	if err != nil || len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		if !op.Integrated() || !h.notified.has(op.Hash) {
			return false
		}
	}
	return true
}

func TestCountersignedEntryReachesBothChains(t *testing.T) {
	h := start(t, config.Default())
	ctx := context.Background()

	alice, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)
	bob, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)

	content := ir.Map{"contract": ir.String("lease"), "months": ir.Int(12)}
	entry, err := ir.AppEntry(content)
	require.NoError(t, err)
	times, err := countersign.SessionTimesFromMillis(h.clock, 5000)
	require.NoError(t, err)
	req, err := countersign.NewRequest(config.Default().CountersignConfig(), ir.MustHashEntry(entry),
		[]ir.SigningAgent{{Agent: alice, Roles: []ir.Role{0}}, {Agent: bob, Roles: []ir.Role{1}}},
		nil, times, ir.CreateBase{EntryType: ir.EntryType{EntryIndex: 2, Visibility: ir.VisibilityPublic}}, nil)
	require.NoError(t, err)

	svc := h.conductor.Countersigning()
	h.clock.Advance(400 * time.Millisecond)
	bobResp, err := svc.Accept(ctx, bob, req)
	require.NoError(t, err)
	h.clock.Advance(600 * time.Millisecond)
	aliceResp, err := svc.Accept(ctx, alice, req)
	require.NoError(t, err)

	// Each side assembles the responses in the order they reached it.
	aliceHead, err := svc.Commit(ctx, alice, []ir.PreflightResponse{bobResp, aliceResp}, content)
	require.NoError(t, err)
	bobHead, err := svc.Commit(ctx, bob, []ir.PreflightResponse{aliceResp, bobResp}, content)
	require.NoError(t, err)

	for agent, head := range map[ir.AgentPubKey]ir.Hash{alice: aliceHead, bob: bobHead} {
		recs, err := h.store.Chain(ctx, agent)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, head, recs[1].Hash)
		assert.Equal(t, uint32(1), recs[1].Header.Header.Seq)
		assert.Equal(t, recs[0].Hash, *recs[1].Header.Header.PrevHeader)
		require.NotNil(t, recs[1].Entry)
		require.NotNil(t, recs[1].Entry.Session)
		assert.Len(t, recs[1].Entry.Session.AgentStates, 2)
	}

	aliceRec, err := h.store.Record(ctx, aliceHead)
	require.NoError(t, err)
	bobRec, err := h.store.Record(ctx, bobHead)
	require.NoError(t, err)
	assert.Equal(t, *aliceRec.Header.Header.EntryHash, *bobRec.Header.Header.EntryHash)

	require.Eventually(t, func() bool {
		return h.allIntegrated(alice) && h.allIntegrated(bob)
	}, waitFor, tick)
}

func TestExpiredSessionReleasesLock(t *testing.T) {
	h := start(t, config.Default())
	ctx := context.Background()

	alice, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)
	bob, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)

	entry, err := ir.AppEntry(ir.String("never committed"))
	require.NoError(t, err)
	times, err := countersign.SessionTimesFromMillis(h.clock, 2000)
	require.NoError(t, err)
	req, err := countersign.NewRequest(config.Default().CountersignConfig(), ir.MustHashEntry(entry),
		[]ir.SigningAgent{{Agent: alice}, {Agent: bob}}, nil, times,
		ir.CreateBase{EntryType: ir.EntryType{Visibility: ir.VisibilityPublic}}, nil)
	require.NoError(t, err)

	_, err = h.conductor.Countersigning().Accept(ctx, alice, req)
	require.NoError(t, err)
	_, ok, err := h.store.NextLockExpiry(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		_, ok, err := h.store.NextLockExpiry(ctx)
		return err == nil && !ok
	}, waitFor, tick)

	_, err = h.conductor.Chain().Create(ctx, alice, ir.String("after expiry"), ir.EntryType{Visibility: ir.VisibilityPublic}, chain.Relaxed)
	require.NoError(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, ops []ir.DhtOp) error {
	return workflow.Fatal(errors.New("no route to authorities"))
}

func TestConsumerFailureHaltsConductor(t *testing.T) {
	h := start(t, config.Default(), WithPublisher(failingPublisher{}))
	ctx := context.Background()

	_, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.conductor.Wait() }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, consumer.IsFailed(err))
	case <-time.After(waitFor):
		t.Fatal("conductor did not halt")
	}
	select {
	case <-h.conductor.Done():
	default:
		t.Fatal("halt must stop the remaining consumers")
	}
}

func TestConsumerFailureIsolated(t *testing.T) {
	cfg := config.Default()
	cfg.OnConsumerFailure = config.Isolate
	h := start(t, cfg, WithPublisher(failingPublisher{}))
	ctx := context.Background()

	_, err := h.conductor.NewAgent(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	select {
	case <-h.conductor.Done():
		t.Fatal("isolate must keep the conductor running")
	default:
	}
	assert.NoError(t, h.conductor.Shutdown())
}

func TestStart_RejectsUnknownPolicy(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer s.Close()

	cfg := config.Default()
	cfg.OnConsumerFailure = "shrug"
	_, err = Start(context.Background(), s, keystore.NewMemory(), cfg)
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := start(t, config.Default())
	require.NoError(t, h.conductor.Shutdown())
	require.NoError(t, h.conductor.Shutdown())
}

func TestExpiryScheduler_ArmsEarliest(t *testing.T) {
	clk := clock.Fake(epoch)
	wake, _ := trigger.New()
	s := newExpiryScheduler(clk, wake)

	now := ir.TimestampOf(epoch)
	s.ScheduleAt(now.Add(3 * time.Second))
	s.ScheduleAt(now.Add(5 * time.Second))
	s.ScheduleAt(now.Add(time.Second))
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Second)
	assert.True(t, wake.Pending())

	s.ScheduleAt(now)
	assert.True(t, wake.Pending())
	s.close()
	assert.Equal(t, 0, clk.Pending())
}
