// Package keystore holds the Ed25519 keys of local agents.
package keystore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/store"
)

// ErrUnknownAgent is returned when signing for an agent whose key is not
// held locally.
var ErrUnknownAgent = errors.New("unknown agent")

// Keystore signs on behalf of local agents. It is safe for concurrent use.
type Keystore struct {
	mu    sync.RWMutex
	keys  map[ir.AgentPubKey]ed25519.PrivateKey
	store *store.Store
	clock clock.Clock
}

// Open loads every agent key persisted in s. Keys generated later are
// persisted there too.
func Open(ctx context.Context, s *store.Store, clk clock.Clock) (*Keystore, error) {
	k := &Keystore{keys: make(map[ir.AgentPubKey]ed25519.PrivateKey), store: s, clock: clk}
	stored, err := s.AgentKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	for _, sk := range stored {
		if len(sk.Seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("open keystore: agent %s: seed must be %d bytes, got %d",
				sk.Agent.Short(), ed25519.SeedSize, len(sk.Seed))
		}
		priv := ed25519.NewKeyFromSeed(sk.Seed)
		if !bytes.Equal(priv.Public().(ed25519.PublicKey), sk.Agent[:]) {
			return nil, fmt.Errorf("open keystore: agent %s: seed does not match key", sk.Agent.Short())
		}
		k.keys[sk.Agent] = priv
	}
	return k, nil
}

// NewMemory returns a keystore that persists nothing.
func NewMemory() *Keystore {
	return &Keystore{keys: make(map[ir.AgentPubKey]ed25519.PrivateKey), clock: clock.Real()}
}

// Generate creates a new agent key from cryptographically secure
// randomness.
func (k *Keystore) Generate(ctx context.Context) (ir.AgentPubKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ir.AgentPubKey{}, fmt.Errorf("generate agent key: %w", err)
	}
	var agent ir.AgentPubKey
	copy(agent[:], pub)

	if k.store != nil {
		err := k.store.PutAgentKey(ctx, store.AgentKey{
			Agent:     agent,
			Seed:      priv.Seed(),
			CreatedAt: ir.TimestampOf(k.clock.Now()),
		})
		if err != nil {
			return ir.AgentPubKey{}, fmt.Errorf("generate agent key: %w", err)
		}
	}

	k.mu.Lock()
	k.keys[agent] = priv
	k.mu.Unlock()
	return agent, nil
}

// Sign signs msg as agent.
func (k *Keystore) Sign(agent ir.AgentPubKey, msg []byte) (ir.Signature, error) {
	k.mu.RLock()
	priv, ok := k.keys[agent]
	k.mu.RUnlock()
	if !ok {
		return ir.Signature{}, fmt.Errorf("sign as %s: %w", agent.Short(), ErrUnknownAgent)
	}
	var sig ir.Signature
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig, nil
}

// Has reports whether agent's key is held locally.
func (k *Keystore) Has(agent ir.AgentPubKey) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[agent]
	return ok
}

// Agents returns the local agents in key order.
func (k *Keystore) Agents() []ir.AgentPubKey {
	k.mu.RLock()
	agents := make([]ir.AgentPubKey, 0, len(k.keys))
	for a := range k.keys {
		agents = append(agents, a)
	}
	k.mu.RUnlock()
	sort.Slice(agents, func(i, j int) bool { return bytes.Compare(agents[i][:], agents[j][:]) < 0 })
	return agents
}

// Verify checks an Ed25519 signature by agent over msg.
func Verify(agent ir.AgentPubKey, msg []byte, sig ir.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(agent[:]), msg, sig[:])
}
