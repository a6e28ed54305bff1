// Package workflow defines the contract between queue consumers and the
// work they run, and the workflows cellchain ships with.
//
// A workflow is stateless between invocations: every call re-derives what
// remains to be done from the store. Triggers carry no payload.
package workflow

import (
	"context"
	"errors"

	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
)

// WorkComplete reports whether an invocation drained all currently
// actionable work.
type WorkComplete int

const (
	// Complete means nothing actionable remains; the consumer idles.
	Complete WorkComplete = iota + 1
	// Incomplete means more work is actionable now; the consumer
	// re-triggers itself.
	Incomplete
)

func (w WorkComplete) String() string {
	switch w {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Func is one workflow invocation. ws is fresh for this invocation and is
// closed when it returns. downstream wakes the next consumer in the
// pipeline; it may be the zero Sender.
//
// Errors are retried by the consumer unless marked with Fatal.
type Func func(ctx context.Context, ws *store.Workspace, s *store.Store, downstream trigger.Sender) (WorkComplete, error)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// workspaceErr marks a closed workspace as fatal: retrying with the same
// workspace cannot succeed.
func workspaceErr(err error) error {
	if errors.Is(err, store.ErrWorkspaceClosed) {
		return Fatal(err)
	}
	return err
}
