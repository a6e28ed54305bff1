// Package conductor runs a cellchain node: the queue consumers that move
// authored ops through publication, integration and notification, the
// countersigning expiry consumer, and the authoring services on top.
//
// The consumers form a pipeline wired by one-shot system triggers:
//
//	chain write → publish → integrate → notify
//	lock expiry timer → countersigning expiry
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/cellchain/internal/chain"
	"github.com/roach88/cellchain/internal/clock"
	"github.com/roach88/cellchain/internal/config"
	"github.com/roach88/cellchain/internal/consumer"
	"github.com/roach88/cellchain/internal/countersign"
	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
	"github.com/roach88/cellchain/internal/workflow"
)

// Conductor owns the consumers of one node.
type Conductor struct {
	store       *store.Store
	keys        *keystore.Keystore
	clock       clock.Clock
	logger      *slog.Logger
	author      *chain.Author
	countersign *countersign.Service
	scheduler   *expiryScheduler

	stop     chan struct{}
	stopOnce sync.Once
	group    *errgroup.Group
	waitOnce sync.Once
	err      error
}

type options struct {
	publisher workflow.Publisher
	notifier  workflow.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	ids       store.IDGenerator
}

// Option configures Start.
type Option func(*options)

// WithPublisher replaces the local publisher.
func WithPublisher(p workflow.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithNotifier receives integrated ops. The default logs them.
func WithNotifier(n workflow.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock sets the clock for chain timestamps and session windows.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIDGenerator sets the workspace id source.
func WithIDGenerator(g store.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Start spawns the consumers and returns once they are running. The
// conductor stops when ctx is cancelled, Shutdown is called, or, under
// the halt policy, a consumer fails.
func Start(ctx context.Context, s *store.Store, keys *keystore.Keystore, cfg config.Config, opts ...Option) (*Conductor, error) {
	o := options{
		publisher: workflow.LocalPublisher{Store: s},
		clock:     clock.Real(),
		logger:    slog.Default(),
		ids:       store.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = workflow.LogNotifier{Logger: o.logger}
	}
	switch cfg.OnConsumerFailure {
	case config.Halt, config.Isolate:
	default:
		return nil, fmt.Errorf("start conductor: unknown consumer failure policy %q", cfg.OnConsumerFailure)
	}

	c := &Conductor{
		store:  s,
		keys:   keys,
		clock:  o.clock,
		logger: o.logger,
		stop:   make(chan struct{}),
	}

	env := consumer.Env{
		Store: s,
		Stop:  c.stop,
		// Backoff runs on wall time; a test clock must not stall retries.
		Retry:  cfg.RetryPolicy(nil),
		IDs:    o.ids,
		Logger: o.logger,
	}

	toNotify := trigger.NewOneshot[trigger.Sender]()
	toIntegrate := trigger.NewOneshot[trigger.Sender]()

	notifyTx, notifyH := consumer.SpawnNotifyIntegrated(env, nil, workflow.NotifyConfig{
		Notifier:   o.notifier,
		BatchLimit: cfg.Notify.BatchLimit,
	})
	integrateTx, integrateH := consumer.SpawnIntegrateDhtOps(env, toNotify, workflow.IntegrateConfig{
		BatchLimit: cfg.Integration.BatchLimit,
		Clock:      o.clock,
	})
	publishTx, publishH := consumer.SpawnPublishDhtOps(env, toIntegrate, workflow.PublishConfig{
		Publisher:  o.publisher,
		BatchLimit: cfg.Publish.BatchLimit,
	})

	// The expiry workflow only runs once triggered, which happens after
	// the scheduler is assigned below.
	expiryTx, expiryH := consumer.SpawnCountersigningExpiry(env, nil, workflow.ExpiryConfig{
		Clock:     o.clock,
		Scheduler: schedulerFunc(func(at ir.Timestamp) { c.scheduler.ScheduleAt(at) }),
	})
	c.scheduler = newExpiryScheduler(o.clock, expiryTx)

	c.author = chain.NewAuthor(s, keys, o.clock, publishTx, o.logger)
	c.countersign = countersign.NewService(c.author, keys, o.clock, cfg.CountersignConfig(), c.scheduler, o.logger)

	group, gctx := errgroup.WithContext(ctx)
	c.group = group
	for _, h := range []*consumer.Handle{notifyH, integrateH, publishH, expiryH} {
		group.Go(func() error {
			err := h.Wait()
			if err == nil {
				return nil
			}
			if cfg.OnConsumerFailure == config.Isolate {
				c.logger.Error("consumer failed, continuing without it", "consumer", h.Name(), "error", err)
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.stop:
		}
		c.signalStop()
		return nil
	})

	// System triggers are delivered after every consumer is running.
	go func() {
		toNotify.Resolve(notifyTx)
		toIntegrate.Resolve(integrateTx)
	}()

	// Drain whatever a previous run left behind.
	for _, tx := range []trigger.Sender{publishTx, integrateTx, notifyTx, expiryTx} {
		tx.Trigger()
	}

	c.logger.Info("conductor started", "agents", len(keys.Agents()), "failure_policy", string(cfg.OnConsumerFailure))
	return c, nil
}

type schedulerFunc func(at ir.Timestamp)

func (f schedulerFunc) ScheduleAt(at ir.Timestamp) { f(at) }

// Chain returns the author for local agents.
func (c *Conductor) Chain() *chain.Author { return c.author }

// Countersigning returns the countersigning service.
func (c *Conductor) Countersigning() *countersign.Service { return c.countersign }

// Store returns the node's store.
func (c *Conductor) Store() *store.Store { return c.store }

// NewAgent generates a key and writes the agent's genesis.
func (c *Conductor) NewAgent(ctx context.Context) (ir.AgentPubKey, error) {
	agent, err := c.keys.Generate(ctx)
	if err != nil {
		return ir.AgentPubKey{}, err
	}
	if _, err := c.author.Genesis(ctx, agent); err != nil {
		return ir.AgentPubKey{}, err
	}
	return agent, nil
}

// Done is closed once the conductor begins stopping.
func (c *Conductor) Done() <-chan struct{} { return c.stop }

// Wait blocks until every consumer has exited and returns the first
// consumer failure, if any.
func (c *Conductor) Wait() error {
	c.waitOnce.Do(func() {
		c.err = c.group.Wait()
		c.scheduler.close()
		c.logger.Info("conductor stopped")
	})
	return c.err
}

// Shutdown stops every consumer after its in-flight iteration and waits.
func (c *Conductor) Shutdown() error {
	c.signalStop()
	return c.Wait()
}

func (c *Conductor) signalStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
