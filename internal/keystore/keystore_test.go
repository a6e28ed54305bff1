package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
)

func TestSignVerify(t *testing.T) {
	k := NewMemory()
	agent, err := k.Generate(context.Background())
	require.NoError(t, err)

	msg := []byte("header hash")
	sig, err := k.Sign(agent, msg)
	require.NoError(t, err)

	assert.True(t, Verify(agent, msg, sig))
	assert.False(t, Verify(agent, []byte("other"), sig))

	other, err := k.Generate(context.Background())
	require.NoError(t, err)
	assert.False(t, Verify(other, msg, sig))
}

func TestSign_UnknownAgent(t *testing.T) {
	_, err := NewMemory().Sign(ir.AgentPubKey{1}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestOpen_ReloadsPersistedKeys(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	k1, err := Open(ctx, s, clock.Real())
	require.NoError(t, err)
	agent, err := k1.Generate(ctx)
	require.NoError(t, err)
	sig, err := k1.Sign(agent, []byte("m"))
	require.NoError(t, err)

	k2, err := Open(ctx, s, clock.Real())
	require.NoError(t, err)
	assert.True(t, k2.Has(agent))
	assert.Equal(t, []ir.AgentPubKey{agent}, k2.Agents())

	sig2, err := k2.Sign(agent, []byte("m"))
	require.NoError(t, err)
	assert.Equal(t, sig, sig2, "Ed25519 signatures are deterministic")
}
