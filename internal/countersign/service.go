package countersign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/cellchain/internal/chain"
	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
	"github.com/roach88/cellchain/internal/store"
)

// lockAttempts bounds Accept's retries when the head moves while locking.
const lockAttempts = 3

// ExpiryScheduler is told when a newly locked session expires so the
// lock can be released on time.
type ExpiryScheduler interface {
	ScheduleAt(at ir.Timestamp)
}

// Service runs the countersigning protocol for local agents.
type Service struct {
	store     *store.Store
	author    *chain.Author
	keys      *keystore.Keystore
	clock     clock.Clock
	cfg       Config
	scheduler ExpiryScheduler
	logger    *slog.Logger

	// beforeAppend, when set, runs after the lock checks and before the
	// chain write of Commit.
	beforeAppend func(ctx context.Context)
}

// NewService creates a Service. scheduler may be nil; expired locks are
// then released lazily by the next write.
func NewService(author *chain.Author, keys *keystore.Keystore, clk clock.Clock, cfg Config, scheduler ExpiryScheduler, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     author.Store(),
		author:    author,
		keys:      keys,
		clock:     clk,
		cfg:       cfg,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Accept evaluates req on behalf of a local agent. On success the agent's
// chain is locked at its current head until the session window ends and
// the signed response is returned.
func (s *Service) Accept(ctx context.Context, agent ir.AgentPubKey, req ir.PreflightRequest) (ir.PreflightResponse, error) {
	if err := ValidateRequest(s.cfg, req); err != nil {
		return ir.PreflightResponse{}, err
	}
	idx, ok := req.AgentIndex(agent)
	if !ok {
		return ir.PreflightResponse{}, rejectAgent(CodeAgentNotFound, agent, "agent is not a participant")
	}
	if !s.keys.Has(agent) {
		return ir.PreflightResponse{}, fmt.Errorf("accept as %s: %w", agent.Short(), keystore.ErrUnknownAgent)
	}

	now := ir.TimestampOf(s.clock.Now())
	times := req.SessionTimes
	if times.Start > now.Add(s.cfg.FutureStartTolerance) {
		return ir.PreflightResponse{}, rejectAgent(CodeUnacceptableFutureStart, agent,
			"session starts %s from now", times.Start.Sub(now))
	}
	if now >= times.End {
		return ir.PreflightResponse{}, rejectAgent(CodeSessionExpired, agent, "session window ended")
	}

	reqHash, err := RequestHash(req)
	if err != nil {
		return ir.PreflightResponse{}, reject(CodeInvalidRequest, "%v", err)
	}

	var head *store.Head
	for attempt := 1; ; attempt++ {
		head, err = s.store.ChainHead(ctx, agent)
		if err != nil {
			return ir.PreflightResponse{}, fmt.Errorf("accept: %w", err)
		}
		if head == nil {
			return ir.PreflightResponse{}, rejectAgent(CodeChainNotInitialized, agent, "chain has no genesis")
		}
		err = s.store.LockChain(ctx, store.ChainLock{
			Author:      agent,
			Subject:     reqHash,
			ChainTop:    head.Hash,
			ChainTopSeq: head.Seq,
			ExpiresAt:   times.End,
		}, now)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrChainLocked) {
			return ir.PreflightResponse{}, rejectAgent(CodeChainLocked, agent, "chain locked by another session")
		}
		if !store.IsHeadMoved(err) || attempt == lockAttempts {
			return ir.PreflightResponse{}, fmt.Errorf("accept: %w", err)
		}
	}

	state := ir.CounterSigningAgentState{
		AgentIndex:  uint8(idx),
		ChainTop:    head.Hash,
		ChainTopSeq: head.Seq,
	}
	msg, err := ir.ResponseSigningBytes(reqHash, state)
	if err != nil {
		return ir.PreflightResponse{}, err
	}
	sig, err := s.keys.Sign(agent, msg)
	if err != nil {
		return ir.PreflightResponse{}, err
	}

	if s.scheduler != nil {
		s.scheduler.ScheduleAt(times.End)
	}
	s.logger.Info("countersigning request accepted",
		"agent", agent.Short(),
		"session", reqHash.Short(),
		"chain_top_seq", head.Seq,
		"expires_at", times.End.Time(),
	)
	return ir.PreflightResponse{Request: req, AgentState: state, Signature: sig}, nil
}

// Acceptance returns agent's current unexpired acceptance, or nil.
func (s *Service) Acceptance(ctx context.Context, agent ir.AgentPubKey) (*ir.PreflightRequestAcceptance, error) {
	lock, err := s.store.ChainLock(ctx, agent, ir.TimestampOf(s.clock.Now()))
	if err != nil || lock == nil {
		return nil, err
	}
	return &ir.PreflightRequestAcceptance{
		Agent:       lock.Author,
		RequestHash: lock.Subject,
		ChainTop:    lock.ChainTop,
		ChainTopSeq: lock.ChainTopSeq,
		ExpiresAt:   lock.ExpiresAt,
	}, nil
}

// Commit writes the countersigned entry to agent's chain as the header
// directly after the chain position agent accepted at. It succeeds only
// with one valid response per participant, all for the same request,
// before the window ends, and while agent still holds the session lock.
// The lock is released in the same transaction as the write.
func (s *Service) Commit(ctx context.Context, agent ir.AgentPubKey, responses []ir.PreflightResponse, content ir.Value) (ir.Hash, error) {
	session, err := SessionDataFromResponses(responses)
	if err != nil {
		return ir.Hash{}, err
	}
	req := session.Request
	reqHash, err := RequestHash(req)
	if err != nil {
		return ir.Hash{}, err
	}

	now := ir.TimestampOf(s.clock.Now())
	if now >= req.SessionTimes.End {
		return ir.Hash{}, rejectAgent(CodeSessionExpired, agent, "session window ended before commit")
	}

	appEntry, err := ir.AppEntry(content)
	if err != nil {
		return ir.Hash{}, err
	}
	appHash, err := ir.HashEntry(appEntry)
	if err != nil {
		return ir.Hash{}, err
	}
	if appHash != req.AppEntryHash {
		return ir.Hash{}, reject(CodeEntryMismatch, "content hashes to %s, agreed %s", appHash.Short(), req.AppEntryHash.Short())
	}

	idx, ok := req.AgentIndex(agent)
	if !ok {
		return ir.Hash{}, rejectAgent(CodeAgentNotFound, agent, "agent is not a participant")
	}
	state := session.AgentStates[idx].State

	lock, err := s.store.ChainLock(ctx, agent, now)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("commit: %w", err)
	}
	if lock == nil || lock.Subject != reqHash {
		return ir.Hash{}, rejectAgent(CodeNotLocked, agent, "no lock held for session %s", reqHash.Short())
	}
	if lock.ChainTop != state.ChainTop || lock.ChainTopSeq != state.ChainTopSeq {
		top := state.ChainTop
		actual := lock.ChainTop
		return ir.Hash{}, &CommitError{Agent: agent, Session: reqHash, Err: &store.HeadMovedError{
			Author: agent, Expected: &top, Actual: &actual,
		}}
	}

	entry, err := ir.CounterSignEntry(session, content)
	if err != nil {
		return ir.Hash{}, err
	}
	top, err := s.store.Record(ctx, state.ChainTop)
	if err != nil {
		return ir.Hash{}, fmt.Errorf("commit: read chain top: %w", err)
	}
	draft := chain.Draft{
		Agent:       agent,
		Entry:       &entry,
		Timestamp:   commitTimestamp(req.SessionTimes.Start, top.Header.Header.Timestamp),
		Ordering:    chain.Strict,
		Expected:    &store.Head{Hash: state.ChainTop, Seq: state.ChainTopSeq},
		LockSubject: &reqHash,
	}
	switch base := req.HeaderBase.(type) {
	case ir.CreateBase:
		et := base.EntryType
		draft.Type = ir.HeaderCreate
		draft.EntryType = &et
	case ir.UpdateBase:
		et := base.EntryType
		original := base.OriginalHeader
		draft.Type = ir.HeaderUpdate
		draft.EntryType = &et
		draft.Original = &original
	default:
		return ir.Hash{}, reject(CodeInvalidRequest, "unsupported header base %T", req.HeaderBase)
	}

	if s.beforeAppend != nil {
		s.beforeAppend(ctx)
	}
	hash, err := s.author.Append(ctx, draft)
	if err != nil {
		if store.IsHeadMoved(err) || errors.Is(err, store.ErrChainLocked) {
			return ir.Hash{}, &CommitError{Agent: agent, Session: reqHash, Err: err}
		}
		return ir.Hash{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("countersigned entry committed",
		"agent", agent.Short(),
		"session", reqHash.Short(),
		"header", hash.Short(),
		"seq", state.ChainTopSeq+1,
	)
	return hash, nil
}

// commitTimestamp stamps a countersigned header with the session start,
// moved past the header it follows so chain timestamps strictly increase.
func commitTimestamp(start, prev ir.Timestamp) ir.Timestamp {
	return max(start, prev+1)
}

// Abandon releases agent's lock for the session, if held. It reports
// whether a lock was released.
func (s *Service) Abandon(ctx context.Context, agent ir.AgentPubKey, requestHash ir.Hash) (bool, error) {
	released, err := s.store.UnlockChain(ctx, agent, requestHash)
	if err != nil {
		return false, err
	}
	if released {
		s.logger.Info("countersigning session abandoned", "agent", agent.Short(), "session", requestHash.Short())
	}
	return released, nil
}
