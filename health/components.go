package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/resilience"
)

// CacheCheckerConfig configures the cache health checker.
type CacheCheckerConfig struct {
	// MaxBytes is the cache's byte budget. Zero reports usage without a
	// threshold.
	MaxBytes int64

	// DegradedRatio is the fraction of MaxBytes above which the cache is
	// degraded.
	// Default: 0.95
	DegradedRatio float64
}

// CacheChecker reports cache occupancy and hit rate.
type CacheChecker struct {
	cache  cache.Cache
	config CacheCheckerConfig
}

// NewCacheChecker creates a checker over c.
func NewCacheChecker(c cache.Cache, config CacheCheckerConfig) *CacheChecker {
	if config.DegradedRatio <= 0 || config.DegradedRatio > 1 {
		config.DegradedRatio = 0.95
	}
	return &CacheChecker{cache: c, config: config}
}

// Name implements Checker.
func (c *CacheChecker) Name() string {
	return "cache"
}

// Check implements Checker.
func (c *CacheChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context canceled", err)
	}

	s := c.cache.Stats()
	details := map[string]any{
		"entries":      s.EntryCount,
		"total_bytes":  s.TotalSize,
		"hits":         s.Hits,
		"misses":       s.Misses,
		"hit_rate":     s.HitRate,
		"evictions":    s.Evictions,
		"expirations":  s.Expirations,
		"corruptions":  s.Corruptions,
		"store_errors": s.StoreErrors,
	}

	if c.config.MaxBytes <= 0 {
		return Healthy(fmt.Sprintf("%d entries cached", s.EntryCount)).WithDetails(details)
	}

	usage := float64(s.TotalSize) / float64(c.config.MaxBytes)
	details["max_bytes"] = c.config.MaxBytes
	details["usage_percent"] = usage * 100

	if usage > c.config.DegradedRatio {
		return Degraded(fmt.Sprintf("cache near byte budget: %.1f%%", usage*100)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("cache usage %.1f%%", usage*100)).WithDetails(details)
}

// CircuitChecker reports the state of every per-target circuit breaker.
//
// No known targets is healthy. Any open or half-open target is degraded;
// every target open is unhealthy.
type CircuitChecker struct {
	breakers *resilience.Breakers
}

// NewCircuitChecker creates a checker over the breaker registry.
func NewCircuitChecker(b *resilience.Breakers) *CircuitChecker {
	return &CircuitChecker{breakers: b}
}

// Name implements Checker.
func (c *CircuitChecker) Name() string {
	return "circuits"
}

// Check implements Checker.
func (c *CircuitChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context canceled", err)
	}

	snaps := c.breakers.Snapshots()
	if len(snaps) == 0 {
		return Healthy("no targets called yet")
	}

	details := make(map[string]any, len(snaps))
	var open, halfOpen []string
	for _, target := range c.breakers.Targets() {
		s, ok := snaps[target]
		if !ok {
			continue
		}
		details[target] = s.State.String()
		switch s.State {
		case resilience.StateOpen:
			open = append(open, target)
		case resilience.StateHalfOpen:
			halfOpen = append(halfOpen, target)
		}
	}

	switch {
	case len(open) == len(snaps):
		return Unhealthy("all circuits open", resilience.ErrCircuitOpen).WithDetails(details)
	case len(open) > 0 || len(halfOpen) > 0:
		tripped := append(open, halfOpen...)
		return Degraded("circuits tripped: " + strings.Join(tripped, ", ")).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("%d circuits closed", len(snaps))).WithDetails(details)
}

var (
	_ Checker = (*CacheChecker)(nil)
	_ Checker = (*CircuitChecker)(nil)
)
