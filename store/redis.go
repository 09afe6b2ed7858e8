package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonwraymond/evalops/cache"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis database.
const DefaultRedisPrefix = "evalops:cache:"

// RedisConfig configures a Redis store.
type RedisConfig struct {
	// Addr is host:port of the Redis server. Required.
	Addr string

	Username string
	Password string
	DB       int

	// Prefix is prepended to every key.
	// Default: "evalops:cache:"
	Prefix string

	// ScanCount is the COUNT hint passed to SCAN.
	// Default: 100
	ScanCount int64

	// DialTimeout bounds connection setup.
	// Default: 5 seconds
	DialTimeout time.Duration
}

// Validate checks the configuration.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: redis addr is required", ErrInvalidConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: redis db must not be negative", ErrInvalidConfig)
	}
	if c.ScanCount < 0 {
		return fmt.Errorf("%w: redis scan count must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Redis is a Store backed by a Redis server.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
	owned     bool
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	r := NewRedis(client, cfg.Prefix)
	if cfg.ScanCount > 0 {
		r.scanCount = cfg.ScanCount
	}
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client;
// Close does not close it. An empty prefix selects DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client:    client,
		prefix:    prefix,
		scanCount: 100,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get implements cache.Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, r.wrap("get", err)
	}
	return data, true, nil
}

// Set implements cache.Store. A positive ttl is applied with the write;
// zero stores without expiry.
func (r *Redis) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return r.wrap("set", err)
	}
	return nil
}

// Delete implements cache.Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return r.wrap("delete", err)
	}
	return nil
}

// Scan implements cache.Store using a SCAN cursor over the prefix. Keys
// that expire between SCAN and GET are skipped. SCAN may return a key more
// than once under concurrent rehashing; duplicates are suppressed.
func (r *Redis) Scan(ctx context.Context, fn func(key string, data []byte) error) error {
	seen := make(map[string]struct{})
	iter := r.client.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}

		data, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return r.wrap("scan", err)
		}
		if err := fn(strings.TrimPrefix(full, r.prefix), data); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return r.wrap("scan", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.wrap("ping", err)
	}
	return nil
}

// Close closes the client if the store opened it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (r *Redis) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

var _ cache.Store = (*Redis)(nil)
