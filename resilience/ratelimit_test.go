package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})

	cfg := rl.Config()
	if cfg.Rate != 100 {
		t.Errorf("Rate = %f, want 100", cfg.Rate)
	}
	if cfg.Burst != 10 {
		t.Errorf("Burst = %d, want 10", cfg.Burst)
	}
	if cfg.MaxWait != time.Second {
		t.Errorf("MaxWait = %v, want 1s", cfg.MaxWait)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Errorf("Allow() = false on attempt %d, want true", i)
		}
	}
	if rl.Allow() {
		t.Error("Allow() = true after burst exhausted, want false")
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 5})

	if !rl.AllowN(3) {
		t.Error("AllowN(3) = false, want true")
	}
	if !rl.AllowN(2) {
		t.Error("AllowN(2) = false, want true")
	}
	if rl.AllowN(1) {
		t.Error("AllowN(1) = true when empty, want false")
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:    1000,
		Burst:   1,
		MaxWait: 100 * time.Millisecond,
	})
	rl.Allow()

	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestRateLimiter_WaitExceedsMaxWait(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:    0.1,
		Burst:   1,
		MaxWait: 10 * time.Millisecond,
	})
	rl.Allow()

	err := rl.Wait(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("Wait() error = %v, want ErrRateLimited", err)
	}
	if Classify(err) != ClassTransient {
		t.Errorf("Classify = %v, want transient", Classify(err))
	}
}

func TestRateLimiter_WaitContextCancellation(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:    0.1,
		Burst:   1,
		MaxWait: time.Minute,
	})
	rl.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := rl.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestRateLimiter_Execute(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:    0.1,
		Burst:   1,
		MaxWait: 10 * time.Millisecond,
	})

	if err := rl.Execute(context.Background(), succeed); err != nil {
		t.Errorf("first Execute() error = %v", err)
	}

	called := false
	err := rl.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Execute() error = %v, want ErrRateLimited", err)
	}
	if called {
		t.Error("op ran without a token")
	}
}

func TestRateLimiter_Tokens(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 10})

	if tokens := rl.Tokens(); tokens < 9.99 || tokens > 10 {
		t.Errorf("Tokens() = %f, want 10", tokens)
	}
	rl.AllowN(4)
	if tokens := rl.Tokens(); tokens < 5.99 || tokens > 6.1 {
		t.Errorf("Tokens() = %f after AllowN(4), want about 6", tokens)
	}
}

func TestRateLimiter_SetRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.1, Burst: 1, MaxWait: 200 * time.Millisecond})
	rl.Allow()

	rl.SetRate(1000)
	if err := rl.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after SetRate error = %v", err)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 20})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 20 {
		t.Errorf("allowed = %d, want 20", got)
	}
}
