// Package app wires the bus and the side-effect adapter from configuration.
package app

import (
	"fmt"
	"log/slog"

	"github.com/jnst/txevents/internal/catalog"
	"github.com/jnst/txevents/internal/config"
	"github.com/jnst/txevents/internal/eventbus"
	"github.com/jnst/txevents/internal/sideeffect"
)

// Runtime holds the in-process event plumbing shared by the commands.
type Runtime struct {
	Catalog *eventbus.Catalog
	Bus     *eventbus.Bus
	Adapter *sideeffect.Adapter
	Dedup   *eventbus.DedupInterceptor
}

// DefaultPolicy converts the configured effect defaults to a policy.
func DefaultPolicy(c config.EffectConfig) sideeffect.Policy {
	p := sideeffect.DefaultPolicy()
	p.Timeout = c.Timeout
	p.MaxRetries = c.MaxRetries
	p.InitialDelay = c.InitialDelay
	p.MaxDelay = c.MaxDelay
	p.BackoffMultiplier = c.BackoffMultiplier
	p.Jitter = c.Jitter

	return p
}

// NewRuntime loads the catalog file named by cfg and builds the bus and
// adapter. extra interceptors run after the built-in ones.
func NewRuntime(cfg *config.Config, l *slog.Logger, extra ...eventbus.Interceptor) (*Runtime, error) {
	file, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	return Build(cfg, file, l, extra...)
}

// Build creates the runtime from an already parsed catalog file.
func Build(cfg *config.Config, file *catalog.File, l *slog.Logger, extra ...eventbus.Interceptor) (*Runtime, error) {
	def := DefaultPolicy(cfg.Effect)
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid effect defaults: %w", err)
	}

	cat, err := file.Catalog()
	if err != nil {
		return nil, err
	}

	policies, err := file.Registry(def, cat)
	if err != nil {
		return nil, err
	}

	dedup := eventbus.NewDedupInterceptor(0)
	interceptors := []eventbus.Interceptor{dedup, eventbus.NewLoggingInterceptor(l)}
	if cfg.MetricsEnabled {
		interceptors = append(interceptors, eventbus.NewMetricsInterceptor(cat))
	}
	interceptors = append(interceptors, extra...)

	bus := eventbus.New(
		eventbus.WithLogger(l),
		eventbus.WithCatalog(cat),
		eventbus.WithMaxConcurrency(cfg.Bus.MaxConcurrency),
		eventbus.WithFeedBuffer(cfg.Bus.FeedBuffer),
		eventbus.WithInterceptors(interceptors...),
	)

	adapter := sideeffect.NewAdapter(policies,
		sideeffect.WithAdapterLogger(l),
		sideeffect.WithPostCommitConcurrency(cfg.Effect.PostCommitConcurrency),
	)

	return &Runtime{Catalog: cat, Bus: bus, Adapter: adapter, Dedup: dedup}, nil
}

// Close releases the bus.
func (r *Runtime) Close() {
	r.Bus.Close()
}
