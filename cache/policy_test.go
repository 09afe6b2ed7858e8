package cache

import (
	"errors"
	"testing"
	"time"
)

func TestPolicy_EffectiveTTL(t *testing.T) {
	p := Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     10 * time.Minute,
	}

	tests := []struct {
		name     string
		override time.Duration
		want     time.Duration
	}{
		{"zero uses default", 0, 5 * time.Minute},
		{"negative uses default", -time.Second, 5 * time.Minute},
		{"override", 3 * time.Minute, 3 * time.Minute},
		{"clamped to max", 15 * time.Minute, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.EffectiveTTL(tt.override); got != tt.want {
				t.Errorf("EffectiveTTL(%v) = %v, want %v", tt.override, got, tt.want)
			}
		})
	}
}

func TestPolicy_DisabledCaching(t *testing.T) {
	p := Policy{
		DefaultTTL: 0,
		MaxTTL:     10 * time.Minute,
	}

	if got := p.EffectiveTTL(0); got != 0 {
		t.Errorf("EffectiveTTL(0) with DefaultTTL=0 = %v, want 0", got)
	}
	if p.ShouldCache() {
		t.Error("ShouldCache() = true, want false when DefaultTTL=0")
	}
	// An explicit TTL still enables caching for that write.
	if got := p.EffectiveTTL(5 * time.Minute); got != 5*time.Minute {
		t.Errorf("EffectiveTTL(5m) with DefaultTTL=0 = %v, want 5m", got)
	}
}

func TestPolicy_DefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.DefaultTTL != 24*time.Hour {
		t.Errorf("DefaultPolicy().DefaultTTL = %v, want 24h", p.DefaultTTL)
	}
	if p.MaxTTL != 7*24*time.Hour {
		t.Errorf("DefaultPolicy().MaxTTL = %v, want 168h", p.MaxTTL)
	}
	if p.MaxBytes != 64<<20 {
		t.Errorf("DefaultPolicy().MaxBytes = %d, want %d", p.MaxBytes, 64<<20)
	}
	if p.LowWaterRatio != DefaultLowWaterRatio {
		t.Errorf("DefaultPolicy().LowWaterRatio = %v, want %v", p.LowWaterRatio, DefaultLowWaterRatio)
	}
	if !p.ShouldCache() {
		t.Error("DefaultPolicy().ShouldCache() = false, want true")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("DefaultPolicy().Validate() = %v", err)
	}
}

func TestPolicy_NoCachePolicy(t *testing.T) {
	p := NoCachePolicy()
	if p.ShouldCache() {
		t.Error("NoCachePolicy().ShouldCache() = true, want false")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("NoCachePolicy().Validate() = %v", err)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"negative default ttl", Policy{DefaultTTL: -time.Second}},
		{"negative max ttl", Policy{MaxTTL: -time.Second}},
		{"negative max bytes", Policy{MaxBytes: -1}},
		{"negative max entries", Policy{MaxEntries: -1}},
		{"low water above one", Policy{LowWaterRatio: 1.1}},
		{"low water negative", Policy{LowWaterRatio: -0.1}},
		{"negative sweep interval", Policy{SweepInterval: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("Validate() = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestPolicy_LowWater(t *testing.T) {
	p := Policy{MaxBytes: 1000, MaxEntries: 10, LowWaterRatio: 0.5}
	b, e := p.lowWater()
	if b != 500 || e != 5 {
		t.Errorf("lowWater() = (%d, %d), want (500, 5)", b, e)
	}

	// Zero ratio falls back to the default; tiny budgets keep one entry.
	p = Policy{MaxEntries: 1}
	if _, e := p.lowWater(); e != 1 {
		t.Errorf("lowWater() entries = %d, want 1", e)
	}
}
