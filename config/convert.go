package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/dispatch"
	"github.com/jonwraymond/evalops/health"
	"github.com/jonwraymond/evalops/invoke"
	"github.com/jonwraymond/evalops/observe"
	"github.com/jonwraymond/evalops/resilience"
	"github.com/jonwraymond/evalops/store"
)

// Default returns a configuration holding every package default. A decoded
// file overrides only the fields it names.
func Default() *File {
	p := cache.DefaultPolicy()
	d := dispatch.DefaultConfig()

	f := &File{
		Service: Service{Name: "evalops"},
		Cache: Cache{
			DefaultTTL:    Duration(p.DefaultTTL),
			MaxTTL:        Duration(p.MaxTTL),
			MaxBytes:      p.MaxBytes,
			MaxEntries:    p.MaxEntries,
			LowWaterRatio: p.LowWaterRatio,
			SweepInterval: Duration(p.SweepInterval),
		},
		Store: Store{
			Backend: "none",
			Badger: BadgerStore{
				GCInterval:     Duration(5 * time.Minute),
				GCDiscardRatio: 0.5,
			},
		},
		Resilience: Resilience{
			Retry: Retry{
				MaxAttempts:  3,
				InitialDelay: Duration(100 * time.Millisecond),
				MaxDelay:     Duration(30 * time.Second),
				Multiplier:   2,
				Strategy:     resilience.BackoffExponential.String(),
			},
			Breaker: Breaker{
				FailureThreshold:    5,
				Window:              Duration(time.Minute),
				Cooldown:            Duration(30 * time.Second),
				HalfOpenMaxRequests: 1,
			},
		},
		Dispatch: Dispatch{
			ConcurrencyLimit: d.ConcurrencyLimit,
			DefaultTarget:    d.DefaultTarget,
		},
		Health: Health{
			Timeout:            Duration(10 * time.Second),
			CacheDegradedRatio: 0.95,
		},
	}
	f.Observe.Logging.Enabled = true
	f.Observe.Logging.Level = "info"
	f.Observe.Tracing.SamplePct = 1
	return f
}

// CachePolicy returns the cache section as a cache.Policy.
func (f *File) CachePolicy() cache.Policy {
	c := f.Cache
	return cache.Policy{
		DefaultTTL:    c.DefaultTTL.D(),
		MaxTTL:        c.MaxTTL.D(),
		MaxBytes:      c.MaxBytes,
		MaxEntries:    c.MaxEntries,
		LowWaterRatio: c.LowWaterRatio,
		SweepInterval: c.SweepInterval.D(),
	}
}

// WrapperConfig returns the resilience section. onChange is installed as the
// breaker transition hook and may be nil.
func (f *File) WrapperConfig(onChange func(target string, from, to resilience.State)) (resilience.WrapperConfig, error) {
	r := f.Resilience
	strategy, err := resilience.ParseBackoffStrategy(r.Retry.Strategy)
	if err != nil {
		return resilience.WrapperConfig{}, err
	}

	cfg := resilience.WrapperConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:  r.Retry.MaxAttempts,
			InitialDelay: r.Retry.InitialDelay.D(),
			MaxDelay:     r.Retry.MaxDelay.D(),
			Multiplier:   r.Retry.Multiplier,
			Strategy:     strategy,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:    r.Breaker.FailureThreshold,
			Window:              r.Breaker.Window.D(),
			Cooldown:            r.Breaker.Cooldown.D(),
			HalfOpenMaxRequests: r.Breaker.HalfOpenMaxRequests,
		},
		AttemptTimeout: r.AttemptTimeout.D(),
		OnStateChange:  onChange,
	}
	if r.RateLimit != nil {
		cfg.RateLimit = &resilience.RateLimiterConfig{
			Rate:    r.RateLimit.Rate,
			Burst:   r.RateLimit.Burst,
			MaxWait: r.RateLimit.MaxWait.D(),
		}
	}
	if r.Fallback != nil {
		cfg.Fallback = []byte(*r.Fallback)
		cfg.HasFallback = true
	}
	return cfg, nil
}

// DispatchConfig returns the dispatch section as a dispatch.Config.
func (f *File) DispatchConfig() dispatch.Config {
	d := f.Dispatch
	return dispatch.Config{
		ConcurrencyLimit: d.ConcurrencyLimit,
		Ordered:          d.Ordered,
		TTL:              d.TTL.D(),
		QueueSize:        d.QueueSize,
		DefaultTarget:    d.DefaultTarget,
	}
}

// ObserveConfig returns the service and observe sections as an
// observe.Config.
func (f *File) ObserveConfig() observe.Config {
	o := f.Observe
	return observe.Config{
		ServiceName: f.Service.Name,
		Version:     f.Service.Version,
		Tracing: observe.TracingConfig{
			Enabled:   o.Tracing.Enabled,
			Exporter:  o.Tracing.Exporter,
			SamplePct: o.Tracing.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  o.Metrics.Enabled,
			Exporter: o.Metrics.Exporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: o.Logging.Enabled,
			Level:   o.Logging.Level,
		},
	}
}

// AggregatorConfig returns the health check settings.
func (f *File) AggregatorConfig() health.AggregatorConfig {
	return health.AggregatorConfig{Timeout: f.Health.Timeout.D()}
}

// CacheCheckerConfig returns the cache health thresholds.
func (f *File) CacheCheckerConfig() health.CacheCheckerConfig {
	return health.CacheCheckerConfig{
		MaxBytes:      f.Cache.MaxBytes,
		DegradedRatio: f.Health.CacheDegradedRatio,
	}
}

// OpenStore opens the configured durable store. It returns nil for the none
// backend. The caller closes the store.
func (f *File) OpenStore(ctx context.Context, logger observe.Logger) (cache.Store, error) {
	s := f.Store
	switch s.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return store.NewMemory(), nil
	case "badger":
		b, err := store.OpenBadger(store.BadgerConfig{
			Path:           s.Badger.Path,
			SyncWrites:     s.Badger.SyncWrites,
			GCInterval:     s.Badger.GCInterval.D(),
			GCDiscardRatio: s.Badger.GCDiscardRatio,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		r, err := store.OpenRedis(ctx, store.RedisConfig{
			Addr:        s.Redis.Addr,
			Username:    s.Redis.Username,
			Password:    s.Redis.Password,
			DB:          s.Redis.DB,
			Prefix:      s.Redis.Prefix,
			DialTimeout: s.Redis.DialTimeout.D(),
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, s.Backend)
	}
}

// NewInvoker builds the configured invoker.
func (f *File) NewInvoker() (dispatch.Invoker, error) {
	i := f.Invoker
	switch i.Kind {
	case "http":
		inv, err := invoke.NewHTTPInvoker(invoke.HTTPConfig{
			Endpoint:         i.HTTP.Endpoint,
			Headers:          i.HTTP.Headers,
			Timeout:          i.HTTP.Timeout.D(),
			MaxResponseBytes: i.HTTP.MaxResponseBytes,
			RequireJSON:      i.HTTP.RequireJSON,
		})
		if err != nil {
			return nil, err
		}
		return inv, nil
	case "openai":
		inv, err := invoke.NewOpenAIInvoker(invoke.OpenAIConfig{
			APIKey:       i.OpenAI.APIKey,
			BaseURL:      i.OpenAI.BaseURL,
			Model:        i.OpenAI.Model,
			SystemPrompt: i.OpenAI.SystemPrompt,
			RequireJSON:  i.OpenAI.RequireJSON,
		})
		if err != nil {
			return nil, err
		}
		return inv, nil
	case "":
		return nil, fmt.Errorf("%w: invoker.kind is not set", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: unknown invoker kind %q", ErrInvalidConfig, i.Kind)
	}
}
