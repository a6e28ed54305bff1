package store

import (
	"context"
	"fmt"

	"github.com/roach88/cellchain/internal/ir"
)

// AgentKey is a stored local agent key.
type AgentKey struct {
	Agent     ir.AgentPubKey
	Seed      []byte
	CreatedAt ir.Timestamp
}

// PutAgentKey stores an agent's private seed. Storing the same agent twice
// is a no-op.
func (s *Store) PutAgentKey(ctx context.Context, k AgentKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_keys (agent, seed, created_at) VALUES (?, ?, ?)
		ON CONFLICT(agent) DO NOTHING
	`, k.Agent[:], k.Seed, int64(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("put agent key: %w", err)
	}
	return nil
}

// AgentKeys returns every stored agent key in creation order.
func (s *Store) AgentKeys(ctx context.Context) ([]AgentKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, seed, created_at FROM agent_keys ORDER BY created_at ASC, agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("agent keys: %w", err)
	}
	defer rows.Close()

	var keys []AgentKey
	for rows.Next() {
		var agent, seed []byte
		var created int64
		if err := rows.Scan(&agent, &seed, &created); err != nil {
			return nil, fmt.Errorf("agent keys: %w", err)
		}
		var k AgentKey
		if len(agent) != len(k.Agent) {
			return nil, fmt.Errorf("agent keys: key has %d bytes", len(agent))
		}
		copy(k.Agent[:], agent)
		k.Seed = seed
		k.CreatedAt = ir.Timestamp(created)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent keys: %w", err)
	}
	return keys, nil
}
