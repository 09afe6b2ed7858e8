package health

import (
	"context"
	"fmt"
	"runtime"
)

// MemoryCheckerConfig configures the process memory checker.
type MemoryCheckerConfig struct {
	// WarningThreshold is the heap fraction of MaxAlloc that is degraded.
	// Default: 0.8
	WarningThreshold float64

	// CriticalThreshold is the heap fraction of MaxAlloc that is unhealthy.
	// Default: 0.95
	CriticalThreshold float64

	// MaxAlloc is the expected heap ceiling in bytes. Zero uses the memory
	// obtained from the OS.
	MaxAlloc uint64
}

// MemoryChecker reports heap usage of the running process.
type MemoryChecker struct {
	config MemoryCheckerConfig
	read   func(*runtime.MemStats)
}

// NewMemoryChecker creates a memory checker. Out-of-range thresholds are
// replaced by defaults.
func NewMemoryChecker(config MemoryCheckerConfig) *MemoryChecker {
	if config.WarningThreshold <= 0 || config.WarningThreshold >= 1 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold <= 0 || config.CriticalThreshold >= 1 {
		config.CriticalThreshold = 0.95
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = min(config.WarningThreshold+0.1, 0.99)
	}
	return &MemoryChecker{config: config, read: runtime.ReadMemStats}
}

// Name implements Checker.
func (m *MemoryChecker) Name() string {
	return "memory"
}

// Check implements Checker.
func (m *MemoryChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context canceled", err)
	}

	var stats runtime.MemStats
	m.read(&stats)

	ceiling := m.config.MaxAlloc
	if ceiling == 0 {
		ceiling = stats.Sys
	}
	details := map[string]any{
		"alloc_bytes": stats.Alloc,
		"heap_in_use": stats.HeapInuse,
		"sys":         stats.Sys,
		"num_gc":      stats.NumGC,
		"goroutines":  runtime.NumGoroutine(),
	}
	if ceiling == 0 {
		return Healthy("memory stats unavailable").WithDetails(details)
	}

	usage := float64(stats.Alloc) / float64(ceiling)
	details["max_alloc"] = ceiling
	details["usage_percent"] = usage * 100

	switch {
	case usage >= m.config.CriticalThreshold:
		return Unhealthy(fmt.Sprintf("memory usage critical: %.1f%%", usage*100), ErrCheckFailed).WithDetails(details)
	case usage >= m.config.WarningThreshold:
		return Degraded(fmt.Sprintf("memory usage high: %.1f%%", usage*100)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("memory usage normal: %.1f%%", usage*100)).WithDetails(details)
}
