package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/cellchain/internal/ir"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrChainLocked is returned when a write targets a chain held by a
	// countersigning session it does not belong to.
	ErrChainLocked = errors.New("chain locked by countersigning session")

	// ErrWorkspaceClosed is returned by a Workspace used after Close.
	ErrWorkspaceClosed = errors.New("workspace closed")
)

// HeadMovedError reports a failed chain compare-and-swap. Nothing was
// written.
type HeadMovedError struct {
	Author   ir.AgentPubKey
	Expected *ir.Hash
	Actual   *ir.Hash
}

func (e *HeadMovedError) Error() string {
	return fmt.Sprintf("chain head of %s moved: expected %s, actual %s",
		e.Author.Short(), describeHead(e.Expected), describeHead(e.Actual))
}

func describeHead(h *ir.Hash) string {
	if h == nil {
		return "empty chain"
	}
	return h.Short()
}

// IsHeadMoved returns true if err is or wraps a *HeadMovedError.
func IsHeadMoved(err error) bool {
	var hm *HeadMovedError
	return errors.As(err, &hm)
}

// IsTransient reports whether err is a SQLite contention error that is
// worth retrying.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
