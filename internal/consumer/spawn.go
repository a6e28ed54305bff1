package consumer

import (
	"log/slog"

	"github.com/roach88/cellchain/internal/retry"
	"github.com/roach88/cellchain/internal/store"
	"github.com/roach88/cellchain/internal/trigger"
	"github.com/roach88/cellchain/internal/workflow"
)

// Env is what every consumer of one conductor shares.
type Env struct {
	Store  *store.Store
	Stop   <-chan struct{}
	Retry  retry.Policy
	IDs    store.IDGenerator
	Logger *slog.Logger
}

func (e Env) config(name string, downstream *trigger.Oneshot[trigger.Sender], wf workflow.Func) Config {
	return Config{
		Name:       name,
		Store:      e.Store,
		Stop:       e.Stop,
		Downstream: downstream,
		Workflow:   wf,
		Retry:      e.Retry,
		IDs:        e.IDs,
		Logger:     e.Logger,
	}
}

// SpawnIntegrateDhtOps starts the integration consumer. downstream is
// woken after every pass that integrated ops.
func SpawnIntegrateDhtOps(env Env, downstream *trigger.Oneshot[trigger.Sender], cfg workflow.IntegrateConfig) (trigger.Sender, *Handle) {
	if cfg.Logger == nil {
		cfg.Logger = env.Logger
	}
	return Spawn(env.config("integrate_dht_ops", downstream, workflow.IntegrateDhtOps(cfg)))
}

// SpawnPublishDhtOps starts the consumer that publishes authored ops.
// downstream is normally the integration consumer.
func SpawnPublishDhtOps(env Env, downstream *trigger.Oneshot[trigger.Sender], cfg workflow.PublishConfig) (trigger.Sender, *Handle) {
	if cfg.Logger == nil {
		cfg.Logger = env.Logger
	}
	return Spawn(env.config("publish_dht_ops", downstream, workflow.PublishDhtOps(cfg)))
}

// SpawnNotifyIntegrated starts the consumer that reports integrated ops.
func SpawnNotifyIntegrated(env Env, downstream *trigger.Oneshot[trigger.Sender], cfg workflow.NotifyConfig) (trigger.Sender, *Handle) {
	return Spawn(env.config("notify_integrated", downstream, workflow.NotifyIntegrated(cfg)))
}

// SpawnCountersigningExpiry starts the consumer that releases chain locks
// of expired countersigning sessions. downstream is woken when locks were
// released.
func SpawnCountersigningExpiry(env Env, downstream *trigger.Oneshot[trigger.Sender], cfg workflow.ExpiryConfig) (trigger.Sender, *Handle) {
	if cfg.Logger == nil {
		cfg.Logger = env.Logger
	}
	return Spawn(env.config("countersigning_expiry", downstream, workflow.ReleaseExpiredLocks(cfg)))
}
