package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

type recordingScheduler struct{ at []ir.Timestamp }

func (r *recordingScheduler) ScheduleAt(at ir.Timestamp) { r.at = append(r.at, at) }

func TestReleaseExpiredLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clk := fakeClock()
	now := ir.TimestampOf(clk.Now())

	a, b := testAgent(1), testAgent(2)
	ha := authorChain(t, s, a, 0)
	hb := authorChain(t, s, b, 0)
	require.NoError(t, s.LockChain(ctx, store.ChainLock{
		Author: a, Subject: ir.Hash{1}, ChainTop: ha[0].Hash, ExpiresAt: now.Add(time.Second),
	}, now))
	require.NoError(t, s.LockChain(ctx, store.ChainLock{
		Author: b, Subject: ir.Hash{2}, ChainTop: hb[0].Hash, ExpiresAt: now.Add(5 * time.Second),
	}, now))

	sched := &recordingScheduler{}
	expire := ReleaseExpiredLocks(ExpiryConfig{Clock: clk, Scheduler: sched})

	result, err := run(t, s, expire, trigger.Sender{})
	require.NoError(t, err)
	assert.Equal(t, Complete, result)
	assert.Equal(t, []ir.Timestamp{now.Add(time.Second)}, sched.at)

	clk.Advance(2 * time.Second)
	_, err = run(t, s, expire, trigger.Sender{})
	require.NoError(t, err)

	lock, err := s.ChainLock(ctx, a, ir.TimestampOf(clk.Now()))
	require.NoError(t, err)
	assert.Nil(t, lock)
	lock, err = s.ChainLock(ctx, b, ir.TimestampOf(clk.Now()))
	require.NoError(t, err)
	assert.NotNil(t, lock)
	assert.Equal(t, now.Add(5*time.Second), sched.at[len(sched.at)-1])
}
