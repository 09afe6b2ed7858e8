package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/resilience"
)

// statsCache is a cache.Cache that only reports fixed stats.
type statsCache struct {
	stats cache.Stats
}

func (c statsCache) Get(context.Context, fingerprint.Fingerprint) (cache.Entry, bool) {
	return cache.Entry{}, false
}

func (c statsCache) Put(context.Context, fingerprint.Fingerprint, []byte, time.Duration) error {
	return nil
}

func (c statsCache) Delete(context.Context, fingerprint.Fingerprint) error { return nil }

func (c statsCache) Stats() cache.Stats { return c.stats }

func TestCacheChecker(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		maxBytes int64
		want     Status
	}{
		{"no budget", 1 << 30, 0, StatusHealthy},
		{"half full", 500, 1000, StatusHealthy},
		{"at threshold", 950, 1000, StatusHealthy},
		{"above threshold", 951, 1000, StatusDegraded},
		{"full", 1000, 1000, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCacheChecker(statsCache{stats: cache.Stats{EntryCount: 4, TotalSize: tt.size, HitRate: 0.5}},
				CacheCheckerConfig{MaxBytes: tt.maxBytes})
			r := c.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Check() = %v (%s), want %v", r.Status, r.Message, tt.want)
			}
			if r.Details["entries"] != 4 {
				t.Errorf("Details[entries] = %v, want 4", r.Details["entries"])
			}
		})
	}
}

func TestCacheChecker_MemoryCache(t *testing.T) {
	c, err := cache.NewMemoryCache(cache.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewMemoryCache() error = %v", err)
	}
	ctx := context.Background()
	_ = c.Put(ctx, "fp:a", []byte(`{"score":1}`), time.Hour)
	c.Get(ctx, "fp:a")

	r := NewCacheChecker(c, CacheCheckerConfig{MaxBytes: c.Policy().MaxBytes}).Check(ctx)
	if r.Status != StatusHealthy {
		t.Errorf("Check() = %v, want healthy", r.Status)
	}
	if r.Details["hits"] != int64(1) {
		t.Errorf("Details[hits] = %v, want 1", r.Details["hits"])
	}
}

func TestCacheChecker_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewCacheChecker(statsCache{}, CacheCheckerConfig{}).Check(ctx)
	if r.Status != StatusUnhealthy {
		t.Errorf("Check() = %v, want unhealthy on canceled context", r.Status)
	}
}

func tripBreaker(t *testing.T, cb *resilience.CircuitBreaker) {
	t.Helper()
	_ = cb.Execute(context.Background(), func(context.Context) error {
		return errors.New("503 unavailable")
	})
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}
}

func TestCircuitChecker(t *testing.T) {
	newBreakers := func() *resilience.Breakers {
		return resilience.NewBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			Cooldown:         time.Hour,
		}, nil)
	}

	t.Run("no targets", func(t *testing.T) {
		r := NewCircuitChecker(newBreakers()).Check(context.Background())
		if r.Status != StatusHealthy {
			t.Errorf("Check() = %v, want healthy", r.Status)
		}
	})

	t.Run("all closed", func(t *testing.T) {
		b := newBreakers()
		b.Get("judge")
		b.Get("grader")
		r := NewCircuitChecker(b).Check(context.Background())
		if r.Status != StatusHealthy || r.Details["judge"] != "closed" {
			t.Errorf("Check() = (%v, %v), want healthy with closed judge", r.Status, r.Details)
		}
	})

	t.Run("one open", func(t *testing.T) {
		b := newBreakers()
		b.Get("grader")
		tripBreaker(t, b.Get("judge"))
		r := NewCircuitChecker(b).Check(context.Background())
		if r.Status != StatusDegraded {
			t.Errorf("Check() = %v, want degraded", r.Status)
		}
		if !strings.Contains(r.Message, "judge") {
			t.Errorf("Message = %q, want tripped target named", r.Message)
		}
	})

	t.Run("all open", func(t *testing.T) {
		b := newBreakers()
		tripBreaker(t, b.Get("judge"))
		tripBreaker(t, b.Get("grader"))
		r := NewCircuitChecker(b).Check(context.Background())
		if r.Status != StatusUnhealthy || !errors.Is(r.Error, resilience.ErrCircuitOpen) {
			t.Errorf("Check() = (%v, %v), want unhealthy", r.Status, r.Error)
		}
	})
}
