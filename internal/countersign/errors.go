package countersign

import (
	"errors"
	"fmt"

	"github.com/roach88/cellchain/internal/ir"
)

// RejectionError is a countersigning protocol violation detected locally.
// The offending request or response is never merged into a session.
type RejectionError struct {
	// Code identifies the violation.
	Code RejectionCode

	// Message is a human-readable description.
	Message string

	// Agent is the participant the violation concerns, if any.
	Agent *ir.AgentPubKey
}

// RejectionCode categorizes rejections.
type RejectionCode string

const (
	// CodeInvalidRequest indicates a malformed preflight request.
	CodeInvalidRequest RejectionCode = "INVALID_REQUEST"

	// CodeAgentNotFound indicates the agent is not a participant.
	CodeAgentNotFound RejectionCode = "AGENT_NOT_FOUND"

	// CodeUnacceptableFutureStart indicates the session starts too far in
	// the future to accept now.
	CodeUnacceptableFutureStart RejectionCode = "UNACCEPTABLE_FUTURE_START"

	// CodeSessionExpired indicates the session window has ended.
	CodeSessionExpired RejectionCode = "SESSION_EXPIRED"

	// CodeChainLocked indicates another session holds the agent's chain.
	CodeChainLocked RejectionCode = "CHAIN_LOCKED"

	// CodeChainNotInitialized indicates the agent has no genesis.
	CodeChainNotInitialized RejectionCode = "CHAIN_NOT_INITIALIZED"

	// CodeRequestMismatch indicates responses reference different requests.
	CodeRequestMismatch RejectionCode = "REQUEST_HASH_MISMATCH"

	// CodeBadSignature indicates a response signature does not verify.
	CodeBadSignature RejectionCode = "BAD_SIGNATURE"

	// CodeDuplicateResponse indicates two responses from one participant.
	CodeDuplicateResponse RejectionCode = "DUPLICATE_RESPONSE"

	// CodeResponseCount indicates the response count differs from the
	// participant count.
	CodeResponseCount RejectionCode = "RESPONSE_COUNT"

	// CodeEntryMismatch indicates the committed content does not hash to
	// the agreed entry hash.
	CodeEntryMismatch RejectionCode = "ENTRY_HASH_MISMATCH"

	// CodeNotLocked indicates the agent does not hold a lock for the
	// session being committed.
	CodeNotLocked RejectionCode = "NOT_LOCKED"
)

// Error implements the error interface.
func (e *RejectionError) Error() string {
	if e.Agent != nil {
		return fmt.Sprintf("%s: %s (agent=%s)", e.Code, e.Message, e.Agent.Short())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code RejectionCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func rejectAgent(code RejectionCode, agent ir.AgentPubKey, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...), Agent: &agent}
}

// IsRejection returns true if err is a RejectionError with the given code.
// Uses errors.As to handle wrapped errors.
func IsRejection(err error, code RejectionCode) bool {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// CommitError reports that the countersigned header could not be written
// at the agreed chain position. The chain is untouched; the participant
// must abandon the session or negotiate a new one.
type CommitError struct {
	Agent   ir.AgentPubKey
	Session ir.Hash
	Err     error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	return fmt.Sprintf("commit session %s for %s: %v", e.Session.Short(), e.Agent.Short(), e.Err)
}

// Unwrap returns the underlying chain error.
func (e *CommitError) Unwrap() error { return e.Err }

// IsCommitError returns true if err is or wraps a *CommitError.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}
