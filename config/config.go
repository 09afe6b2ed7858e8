package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/evalops/secret"
)

// File is the decoded configuration file.
type File struct {
	Service    Service    `yaml:"service"`
	Cache      Cache      `yaml:"cache"`
	Store      Store      `yaml:"store"`
	Resilience Resilience `yaml:"resilience"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Invoker    Invoker    `yaml:"invoker"`
	Secrets    Secrets    `yaml:"secrets"`
	Observe    Observe    `yaml:"observe"`
	Health     Health     `yaml:"health"`
}

// Service identifies the process in telemetry.
type Service struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`
}

// Cache maps onto cache.Policy.
type Cache struct {
	DefaultTTL    Duration `yaml:"default_ttl" validate:"gte=0"`
	MaxTTL        Duration `yaml:"max_ttl" validate:"gte=0"`
	MaxBytes      int64    `yaml:"max_bytes" validate:"gte=0"`
	MaxEntries    int      `yaml:"max_entries" validate:"gte=0"`
	LowWaterRatio float64  `yaml:"low_water_ratio" validate:"gte=0,lte=1"`
	SweepInterval Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// Store selects the durable backend behind the cache.
type Store struct {
	// Backend is one of none, memory, badger or redis.
	Backend string      `yaml:"backend" validate:"oneof=none memory badger redis"`
	Badger  BadgerStore `yaml:"badger"`
	Redis   RedisStore  `yaml:"redis"`
}

// BadgerStore maps onto store.BadgerConfig.
type BadgerStore struct {
	Path           string   `yaml:"path"`
	SyncWrites     bool     `yaml:"sync_writes"`
	GCInterval     Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64  `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// RedisStore maps onto store.RedisConfig. Password may be a secretref.
type RedisStore struct {
	Addr        string   `yaml:"addr" validate:"omitempty,hostname_port"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db" validate:"gte=0"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dial_timeout" validate:"gte=0"`
}

// Resilience maps onto resilience.WrapperConfig.
type Resilience struct {
	Retry          Retry      `yaml:"retry"`
	Breaker        Breaker    `yaml:"breaker"`
	AttemptTimeout Duration   `yaml:"attempt_timeout" validate:"gte=0"`
	RateLimit      *RateLimit `yaml:"rate_limit"`

	// Fallback, when set, is returned as the value of every failed task.
	Fallback *string `yaml:"fallback"`
}

// Retry maps onto resilience.RetryConfig.
type Retry struct {
	MaxAttempts  int      `yaml:"max_attempts" validate:"gte=0"`
	InitialDelay Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay     Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier   float64  `yaml:"multiplier" validate:"gte=0"`
	Strategy     string   `yaml:"strategy" validate:"omitempty,oneof=exponential linear fixed exponential_jitter"`
}

// Breaker maps onto resilience.CircuitBreakerConfig.
type Breaker struct {
	FailureThreshold    int      `yaml:"failure_threshold" validate:"gte=0"`
	Window              Duration `yaml:"window" validate:"gte=0"`
	Cooldown            Duration `yaml:"cooldown" validate:"gte=0"`
	HalfOpenMaxRequests int      `yaml:"half_open_max_requests" validate:"gte=0"`
}

// RateLimit maps onto resilience.RateLimiterConfig.
type RateLimit struct {
	Rate    float64  `yaml:"rate" validate:"gt=0"`
	Burst   int      `yaml:"burst" validate:"gte=0"`
	MaxWait Duration `yaml:"max_wait" validate:"gte=0"`
}

// Dispatch maps onto dispatch.Config.
type Dispatch struct {
	ConcurrencyLimit int      `yaml:"concurrency_limit" validate:"gte=0"`
	Ordered          bool     `yaml:"ordered"`
	TTL              Duration `yaml:"ttl" validate:"gte=0"`
	QueueSize        int      `yaml:"queue_size" validate:"gte=0"`
	DefaultTarget    string   `yaml:"default_target"`
}

// Invoker selects and configures the external call adapter.
type Invoker struct {
	// Kind is http or openai. Empty leaves the invoker unconfigured, which
	// is enough for cache maintenance.
	Kind   string        `yaml:"kind" validate:"omitempty,oneof=http openai"`
	HTTP   HTTPInvoker   `yaml:"http"`
	OpenAI OpenAIInvoker `yaml:"openai"`
}

// HTTPInvoker maps onto invoke.HTTPConfig. Header values may be secretrefs.
type HTTPInvoker struct {
	Endpoint         string            `yaml:"endpoint" validate:"omitempty,url"`
	Headers          map[string]string `yaml:"headers"`
	Timeout          Duration          `yaml:"timeout" validate:"gte=0"`
	MaxResponseBytes int64             `yaml:"max_response_bytes" validate:"gte=0"`
	RequireJSON      bool              `yaml:"require_json"`
}

// OpenAIInvoker maps onto invoke.OpenAIConfig. APIKey may be a secretref.
type OpenAIInvoker struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url" validate:"omitempty,url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	RequireJSON  bool   `yaml:"require_json"`
}

// Secrets configures secretref resolution.
type Secrets struct {
	// Strict rejects references that resolve to an empty value.
	Strict bool `yaml:"strict"`

	// Providers holds per-provider settings keyed by provider name. The env
	// provider is always available.
	Providers map[string]map[string]any `yaml:"providers"`
}

// Observe maps onto observe.Config.
type Observe struct {
	Tracing struct {
		Enabled   bool    `yaml:"enabled"`
		Exporter  string  `yaml:"exporter"`
		SamplePct float64 `yaml:"sample_pct" validate:"gte=0,lte=1"`
	} `yaml:"tracing"`
	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"metrics"`
	Logging struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	} `yaml:"logging"`
}

// Health configures the optional probe server.
type Health struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`

	// Timeout bounds one aggregated check.
	Timeout Duration `yaml:"timeout" validate:"gte=0"`

	// CacheDegradedRatio is the byte budget fraction above which the cache
	// reports degraded.
	CacheDegradedRatio float64 `yaml:"cache_degraded_ratio" validate:"gte=0,lte=1"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads, expands, decodes, validates and resolves the file at path.
func Load(ctx context.Context, path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse is Load without the file read.
//
// ${VAR} references are expanded before decoding and a missing variable is
// an error; write $$ for a literal dollar sign. Unknown fields are rejected.
func Parse(ctx context.Context, data []byte) (*File, error) {
	expanded, err := secret.ExpandEnvStrict(string(data))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := f.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks field ranges and the settings each selected backend needs.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(verrs))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch {
	case f.Store.Backend == "badger" && f.Store.Badger.Path == "":
		return fmt.Errorf("%w: store.badger.path is required for the badger backend", ErrInvalidConfig)
	case f.Store.Backend == "redis" && f.Store.Redis.Addr == "":
		return fmt.Errorf("%w: store.redis.addr is required for the redis backend", ErrInvalidConfig)
	case f.Invoker.Kind == "http" && f.Invoker.HTTP.Endpoint == "":
		return fmt.Errorf("%w: invoker.http.endpoint is required for the http invoker", ErrInvalidConfig)
	case f.Invoker.Kind == "openai" && f.Invoker.OpenAI.APIKey == "":
		return fmt.Errorf("%w: invoker.openai.api_key is required for the openai invoker", ErrInvalidConfig)
	case f.Cache.MaxTTL > 0 && f.Cache.DefaultTTL > f.Cache.MaxTTL:
		return fmt.Errorf("%w: cache.default_ttl exceeds cache.max_ttl", ErrInvalidConfig)
	case f.Resilience.Retry.MaxDelay > 0 && f.Resilience.Retry.InitialDelay > f.Resilience.Retry.MaxDelay:
		return fmt.Errorf("%w: resilience.retry.initial_delay exceeds max_delay", ErrInvalidConfig)
	}

	oc := f.ObserveConfig()
	if err := oc.Validate(); err != nil {
		return fmt.Errorf("%w: observe: %w", ErrInvalidConfig, err)
	}
	return nil
}

// describe renders validator errors with their YAML paths.
func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s fails %s (got %v)", path, rule, fe.Value()))
	}
	return strings.Join(msgs, "; ")
}

// Resolver builds the secret resolver described by the secrets block.
func (f *File) Resolver() (*secret.Resolver, error) {
	reg := secret.NewDefaultRegistry()
	r := secret.NewResolver(f.Secrets.Strict, secret.EnvProvider{})
	for name, settings := range f.Secrets.Providers {
		p, err := reg.Create(name, settings)
		if err != nil {
			return nil, fmt.Errorf("%w: secrets.providers.%s: %w", ErrInvalidConfig, name, err)
		}
		r.Register(p)
	}
	return r, nil
}

// resolveSecrets replaces secretref values in the fields that accept them.
func (f *File) resolveSecrets(ctx context.Context) error {
	r, err := f.Resolver()
	if err != nil {
		return err
	}
	// The text was expanded once already; escape dollars so a second pass
	// leaves them alone.
	resolve := func(v string) (string, error) {
		return r.ResolveValue(ctx, strings.ReplaceAll(v, "$", "$$"))
	}

	if f.Store.Redis.Password, err = resolve(f.Store.Redis.Password); err != nil {
		return fmt.Errorf("config: store.redis.password: %w", err)
	}
	if f.Invoker.OpenAI.APIKey, err = resolve(f.Invoker.OpenAI.APIKey); err != nil {
		return fmt.Errorf("config: invoker.openai.api_key: %w", err)
	}
	for k, v := range f.Invoker.HTTP.Headers {
		if f.Invoker.HTTP.Headers[k], err = resolve(v); err != nil {
			return fmt.Errorf("config: invoker.http.headers.%s: %w", k, err)
		}
	}
	return nil
}
