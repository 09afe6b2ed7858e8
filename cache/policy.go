package cache

import (
	"fmt"
	"time"
)

// Policy configures caching behavior.
type Policy struct {
	// DefaultTTL is the TTL to use when none is specified.
	// If zero, caching is disabled by default.
	DefaultTTL time.Duration

	// MaxTTL is the maximum allowed TTL. Override TTLs are clamped to this.
	// If zero, no maximum is enforced.
	MaxTTL time.Duration

	// MaxBytes is the byte budget over serialized entry sizes.
	// If zero, no byte budget is enforced.
	MaxBytes int64

	// MaxEntries is the entry budget.
	// If zero, no entry budget is enforced.
	MaxEntries int

	// LowWaterRatio is the fraction of each budget eviction drains down to
	// once a budget is exceeded. Default: 0.9
	LowWaterRatio float64

	// SweepInterval is how often the background sweeper purges expired
	// entries. Zero disables the sweeper; expired entries are still purged
	// lazily on read.
	SweepInterval time.Duration
}

// DefaultLowWaterRatio is applied when Policy.LowWaterRatio is zero.
const DefaultLowWaterRatio = 0.9

// DefaultPolicy returns the default caching policy.
// DefaultTTL: 24 hours, MaxTTL: 7 days, MaxBytes: 64 MiB, LowWaterRatio: 0.9, SweepInterval: 1 minute
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:    24 * time.Hour,
		MaxTTL:        7 * 24 * time.Hour,
		MaxBytes:      64 << 20,
		LowWaterRatio: DefaultLowWaterRatio,
		SweepInterval: time.Minute,
	}
}

// NoCachePolicy returns a policy that disables caching entirely.
func NoCachePolicy() Policy {
	return Policy{}
}

// ShouldCache returns true if caching is enabled by this policy.
func (p Policy) ShouldCache() bool {
	return p.DefaultTTL > 0
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}

	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}

	return ttl
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.DefaultTTL < 0:
		return fmt.Errorf("%w: negative default ttl %v", ErrInvalidPolicy, p.DefaultTTL)
	case p.MaxTTL < 0:
		return fmt.Errorf("%w: negative max ttl %v", ErrInvalidPolicy, p.MaxTTL)
	case p.MaxBytes < 0:
		return fmt.Errorf("%w: negative max bytes %d", ErrInvalidPolicy, p.MaxBytes)
	case p.MaxEntries < 0:
		return fmt.Errorf("%w: negative max entries %d", ErrInvalidPolicy, p.MaxEntries)
	case p.LowWaterRatio < 0 || p.LowWaterRatio > 1:
		return fmt.Errorf("%w: low water ratio %.2f not in [0,1]", ErrInvalidPolicy, p.LowWaterRatio)
	case p.SweepInterval < 0:
		return fmt.Errorf("%w: negative sweep interval %v", ErrInvalidPolicy, p.SweepInterval)
	}
	return nil
}

func (p Policy) lowWater() (bytes int64, entries int) {
	ratio := p.LowWaterRatio
	if ratio == 0 {
		ratio = DefaultLowWaterRatio
	}
	if p.MaxBytes > 0 {
		bytes = int64(float64(p.MaxBytes) * ratio)
	}
	if p.MaxEntries > 0 {
		entries = int(float64(p.MaxEntries) * ratio)
		if entries < 1 {
			entries = 1
		}
	}
	return bytes, entries
}
