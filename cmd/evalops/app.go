package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/config"
	"github.com/jonwraymond/evalops/dispatch"
	"github.com/jonwraymond/evalops/health"
	"github.com/jonwraymond/evalops/observe"
	"github.com/jonwraymond/evalops/resilience"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.File
	obs    observe.Observer
	logger observe.Logger
	mw     *observe.Middleware
	store  cache.Store
	cache  *cache.MemoryCache
	loaded cache.LoadReport
}

// openApp loads the configuration, starts telemetry and opens the cache
// warmed from its durable store.
func openApp(ctx context.Context, path string) (_ *app, err error) {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	obs, err := observe.NewObserver(ctx, cfg.ObserveConfig())
	if err != nil {
		return nil, fmt.Errorf("observer: %w", err)
	}
	a := &app{cfg: cfg, obs: obs, logger: obs.Logger()}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	if a.mw, err = observe.MiddlewareFromObserver(obs); err != nil {
		return nil, fmt.Errorf("middleware: %w", err)
	}

	if a.store, err = cfg.OpenStore(ctx, a.logger); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	opts := []cache.Option{cache.WithLogger(a.logger)}
	if a.store != nil {
		opts = append(opts, cache.WithStore(a.store))
	}
	if a.cache, err = cache.NewMemoryCache(cfg.CachePolicy(), opts...); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, fmt.Errorf("cache: %w", err)
	}

	if a.store != nil {
		if a.loaded, err = a.cache.Load(ctx); err != nil {
			return nil, fmt.Errorf("cache load: %w", err)
		}
	}
	return a, nil
}

// newDispatcher builds the invoker, the resilience wrapper and the
// dispatcher from the configuration.
func (a *app) newDispatcher(ctx context.Context) (*dispatch.Dispatcher, *resilience.Wrapper, error) {
	metrics := a.mw.Metrics()
	wcfg, err := a.cfg.WrapperConfig(func(target string, from, to resilience.State) {
		metrics.RecordCircuitTransition(ctx, target, from.String(), to.String())
		a.logger.Warn(ctx, "circuit state changed",
			observe.F("target", target),
			observe.F("from", from.String()),
			observe.F("to", to.String()),
		)
	})
	if err != nil {
		return nil, nil, err
	}
	w, err := resilience.NewWrapper(wcfg)
	if err != nil {
		return nil, nil, err
	}

	inv, err := a.cfg.NewInvoker()
	if err != nil {
		return nil, nil, err
	}

	d, err := dispatch.New(a.cache, inv, w, a.cfg.DispatchConfig(),
		dispatch.WithLogger(a.logger),
		dispatch.WithMiddleware(a.mw),
	)
	if err != nil {
		return nil, nil, err
	}
	return d, w, nil
}

// healthAggregator registers the cache, circuit, memory and store checks.
func (a *app) healthAggregator(w *resilience.Wrapper) *health.Aggregator {
	agg := health.NewAggregator(a.cfg.AggregatorConfig())
	agg.Register("cache", health.NewCacheChecker(a.cache, a.cfg.CacheCheckerConfig()))
	agg.Register("memory", health.NewMemoryChecker(health.MemoryCheckerConfig{}))
	if w != nil {
		agg.Register("circuits", health.NewCircuitChecker(w.Breakers()))
	}
	if p, ok := a.store.(health.Pinger); ok {
		agg.Register("store", health.NewPingChecker("store", p))
	}
	return agg
}

// close releases the cache, its store and telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = observe.Sync(a.logger)
	}
	return errors.Join(errs...)
}
