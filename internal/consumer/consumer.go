// Package consumer runs workflows as long-lived queue consumers.
//
// A consumer owns one trigger receiver. It sleeps until triggered, runs
// its workflow once against a fresh workspace, and repeats until the stop
// broadcast fires. Iterations are strictly sequential: the loop never
// starts one before the previous returns.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cellchain/internal/retry"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
	"github.com/roach88/cellchain/internal/workflow"
)

// Config configures a consumer.
type Config struct {
	// Name identifies the consumer in logs and errors.
	Name string

	Store *store.Store

	// Stop is the shutdown broadcast. Closing it stops the consumer after
	// the in-flight iteration.
	Stop <-chan struct{}

	// Downstream resolves to the sender of the next consumer in the
	// pipeline. It is awaited once before the first iteration. Nil means
	// the consumer has no downstream.
	Downstream *trigger.Oneshot[trigger.Sender]

	Workflow workflow.Func

	// Retry governs re-running a failed iteration. Errors marked with
	// workflow.Fatal are never retried.
	Retry retry.Policy

	// IDs names workspaces. Nil uses UUIDv7.
	IDs store.IDGenerator

	Logger *slog.Logger
}

// FailedError reports a consumer that stopped because an iteration failed
// for good.
type FailedError struct {
	Consumer string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("consumer %s failed: %v", e.Consumer, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// IsFailed reports whether err is or wraps a *FailedError.
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}

// Handle observes a running consumer.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the consumer's name.
func (h *Handle) Name() string { return h.name }

// Done is closed when the consumer loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the consumer exits. It returns nil after a shutdown
// and a *FailedError when an iteration exhausted its retries or failed
// fatally.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Spawn starts a consumer goroutine and returns the sender that wakes it.
func Spawn(cfg Config) (trigger.Sender, *Handle) {
	if cfg.IDs == nil {
		cfg.IDs = store.UUIDv7Generator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("consumer", cfg.Name)
	if cfg.Retry.IsTransient == nil {
		cfg.Retry.IsTransient = retryable
	}
	if cfg.Retry.OnRetry == nil {
		logger := cfg.Logger
		cfg.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Warn("workflow failed, retrying",
				"attempt", attempt,
				"backoff", wait,
				"error", err,
			)
		}
	}

	tx, rx := trigger.New()
	h := &Handle{name: cfg.Name, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = run(cfg, tx, rx)
	}()
	return tx, h
}

// retryable treats everything except fatal and context errors as worth
// another attempt.
func retryable(err error) bool {
	if workflow.IsFatal(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func run(cfg Config, self trigger.Sender, rx *trigger.Receiver) error {
	logger := cfg.Logger

	var downstream trigger.Sender
	if cfg.Downstream != nil {
		d, ok := cfg.Downstream.Await(cfg.Stop)
		if !ok {
			logger.Warn("consumer shut down before its downstream was wired")
			return nil
		}
		downstream = d
	}
	logger.Debug("consumer started")

	// Iterations are never interrupted; the stop broadcast is honoured
	// between them.
	ctx := context.WithoutCancel(context.Background())
	for {
		if rx.Listen(cfg.Stop) == trigger.Shutdown {
			logger.Warn("consumer shutting down")
			return nil
		}

		result, err := retry.Value(ctx, cfg.Retry, func(ctx context.Context) (workflow.WorkComplete, error) {
			ws := cfg.Store.NewWorkspace(cfg.IDs.Generate())
			defer ws.Close()
			return cfg.Workflow(ctx, ws, cfg.Store, downstream)
		})
		if err != nil {
			logger.Error("consumer stopped", "error", err)
			return &FailedError{Consumer: cfg.Name, Err: err}
		}

		if result == workflow.Incomplete {
			self.Trigger()
		}
	}
}
