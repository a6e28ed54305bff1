// Package countersign implements multi-party countersigning: several
// agents atomically co-author one entry, each writing it as the next
// header of their own chain.
//
// A session moves Proposed → Open → Locked → Committed or Expired:
//
//   - NewRequest builds the immutable PreflightRequest whose hash is the
//     session identity.
//   - Accept locks the accepting agent's chain at its current head and
//     returns a signed PreflightResponse.
//   - SessionDataFromResponses canonicalizes a complete response set.
//   - Commit writes the countersigned entry at exactly the locked position.
//   - Expiry (or Abandon) releases the lock if the session never commits.
package countersign

import (
	"time"

	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
)

const (
	// MinParticipants is the smallest session.
	MinParticipants = 2
	// MaxParticipants is the largest session. Agent indexes fit in a byte.
	MaxParticipants = 8
)

// Config bounds which requests an agent accepts.
type Config struct {
	// MaxSession is the longest session window accepted.
	MaxSession time.Duration
	// FutureStartTolerance is how far in the future a session may start
	// and still be accepted now.
	FutureStartTolerance time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxSession:           5 * time.Minute,
		FutureStartTolerance: 5 * time.Second,
	}
}

// SessionTimesFromMillis returns the window [now, now+ms).
func SessionTimesFromMillis(clk clock.Clock, ms int64) (ir.SessionTimes, error) {
	if ms <= 0 {
		return ir.SessionTimes{}, reject(CodeInvalidRequest, "session length must be positive, got %d ms", ms)
	}
	start := ir.TimestampOf(clk.Now())
	return ir.SessionTimes{Start: start, End: start.Add(time.Duration(ms) * time.Millisecond)}, nil
}

// NewRequest builds and validates a preflight request.
func NewRequest(cfg Config, entryHash ir.Hash, agents []ir.SigningAgent, prior *ir.Hash, times ir.SessionTimes, base ir.HeaderBase, extra []byte) (ir.PreflightRequest, error) {
	req := ir.PreflightRequest{
		AppEntryHash:   entryHash,
		SigningAgents:  agents,
		PriorSession:   prior,
		SessionTimes:   times,
		HeaderBase:     base,
		PreflightBytes: extra,
	}
	if err := ValidateRequest(cfg, req); err != nil {
		return ir.PreflightRequest{}, err
	}
	return req, nil
}

// ValidateRequest checks a request's static shape.
func ValidateRequest(cfg Config, req ir.PreflightRequest) error {
	n := len(req.SigningAgents)
	if n < MinParticipants || n > MaxParticipants {
		return reject(CodeInvalidRequest, "need %d to %d participants, got %d", MinParticipants, MaxParticipants, n)
	}
	seen := make(map[ir.AgentPubKey]bool, n)
	for _, sa := range req.SigningAgents {
		if seen[sa.Agent] {
			return rejectAgent(CodeInvalidRequest, sa.Agent, "agent listed twice")
		}
		seen[sa.Agent] = true
	}
	t := req.SessionTimes
	if t.Start >= t.End {
		return reject(CodeInvalidRequest, "session window [%d, %d) is empty", t.Start, t.End)
	}
	if cfg.MaxSession > 0 && t.End.Sub(t.Start) > cfg.MaxSession {
		return reject(CodeInvalidRequest, "session window %s exceeds %s", t.End.Sub(t.Start), cfg.MaxSession)
	}
	switch req.HeaderBase.(type) {
	case ir.CreateBase, ir.UpdateBase:
	default:
		return reject(CodeInvalidRequest, "unsupported header base %T", req.HeaderBase)
	}
	return nil
}

// RequestHash is the session identity.
func RequestHash(req ir.PreflightRequest) (ir.Hash, error) {
	return ir.HashPreflightRequest(req)
}
