package health

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func memoryCheckerWith(cfg MemoryCheckerConfig, alloc, sys uint64) *MemoryChecker {
	m := NewMemoryChecker(cfg)
	m.read = func(s *runtime.MemStats) {
		s.Alloc = alloc
		s.Sys = sys
	}
	return m
}

func TestNewMemoryChecker_Defaults(t *testing.T) {
	tests := []struct {
		name         string
		cfg          MemoryCheckerConfig
		warn, critic float64
	}{
		{"zero", MemoryCheckerConfig{}, 0.8, 0.95},
		{"out of range", MemoryCheckerConfig{WarningThreshold: 2, CriticalThreshold: -1}, 0.8, 0.95},
		{"critical below warning", MemoryCheckerConfig{WarningThreshold: 0.9, CriticalThreshold: 0.5}, 0.9, 0.99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryChecker(tt.cfg)
			if m.config.WarningThreshold != tt.warn || m.config.CriticalThreshold != tt.critic {
				t.Errorf("thresholds = %v/%v, want %v/%v",
					m.config.WarningThreshold, m.config.CriticalThreshold, tt.warn, tt.critic)
			}
		})
	}
}

func TestMemoryChecker_Check(t *testing.T) {
	tests := []struct {
		name  string
		alloc uint64
		want  Status
	}{
		{"normal", 100, StatusHealthy},
		{"high", 850, StatusDegraded},
		{"critical", 990, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := memoryCheckerWith(MemoryCheckerConfig{MaxAlloc: 1000}, tt.alloc, 0)
			r := m.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Check() = %v (%s), want %v", r.Status, r.Message, tt.want)
			}
			if tt.want == StatusUnhealthy && !errors.Is(r.Error, ErrCheckFailed) {
				t.Errorf("Error = %v, want ErrCheckFailed", r.Error)
			}
			if r.Details["max_alloc"] != uint64(1000) {
				t.Errorf("Details[max_alloc] = %v, want 1000", r.Details["max_alloc"])
			}
		})
	}
}

func TestMemoryChecker_FallsBackToSys(t *testing.T) {
	m := memoryCheckerWith(MemoryCheckerConfig{}, 10, 100)
	if r := m.Check(context.Background()); r.Details["max_alloc"] != uint64(100) {
		t.Errorf("Details[max_alloc] = %v, want Sys", r.Details["max_alloc"])
	}

	empty := memoryCheckerWith(MemoryCheckerConfig{}, 10, 0)
	if r := empty.Check(context.Background()); r.Status != StatusHealthy || r.Message != "memory stats unavailable" {
		t.Errorf("Check() = (%v, %q), want healthy unavailable", r.Status, r.Message)
	}
}

func TestMemoryChecker_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewMemoryChecker(MemoryCheckerConfig{}).Check(ctx)
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, context.Canceled) {
		t.Errorf("Check() = (%v, %v), want unhealthy canceled", r.Status, r.Error)
	}
}

func TestMemoryChecker_Live(t *testing.T) {
	r := NewMemoryChecker(MemoryCheckerConfig{}).Check(context.Background())
	if r.Details["goroutines"] == nil {
		t.Error("Details missing goroutines")
	}
}
