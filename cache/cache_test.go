package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/evalops/fingerprint"
)

// TestCacheKey_Validation tests key validation rules.
func TestCacheKey_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     fingerprint.Fingerprint
		wantErr error
	}{
		{"empty key", "", ErrInvalidKey},
		{"valid key", "fp:abc123", nil},
		{"too long", fingerprint.Fingerprint(strings.Repeat("x", MaxKeyLength+1)), ErrKeyTooLong},
		{"contains newline", "key\nwith\nnewlines", ErrInvalidKey},
		{"contains carriage return", "key\rwith\rreturns", ErrInvalidKey},
		{"whitespace only", "   ", ErrInvalidKey},
		{"max length exactly", fingerprint.Fingerprint(strings.Repeat("x", MaxKeyLength)), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &Entry{
		Fingerprint: "fp:one",
		Payload:     []byte(`{"age":13}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}

	data, err := encodeRecord(e)
	if err != nil {
		t.Fatalf("encodeRecord() error = %v", err)
	}
	if e.SizeBytes <= 0 {
		t.Fatalf("SizeBytes = %d, want > 0", e.SizeBytes)
	}

	got, err := decodeRecord("fp:one", data)
	if err != nil {
		t.Fatalf("decodeRecord() error = %v", err)
	}
	if string(got.Payload) != string(e.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, e.Payload)
	}
	if !got.ExpiresAt.Equal(e.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, e.ExpiresAt)
	}
	if got.SizeBytes != e.SizeBytes {
		t.Errorf("SizeBytes = %d, want %d", got.SizeBytes, e.SizeBytes)
	}
}

func TestRecord_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		key  string
		data string
	}{
		{"not json", "fp:a", "{{{"},
		{"wrong fingerprint", "fp:a", `{"fingerprint":"fp:b","created_at":"2026-01-01T00:00:00Z","expires_at":"2026-01-02T00:00:00Z"}`},
		{"missing expiry", "fp:a", `{"fingerprint":"fp:a","created_at":"2026-01-01T00:00:00Z"}`},
		{"bad payload", "fp:a", `{"fingerprint":"fp:a","payload":"%%%","created_at":"2026-01-01T00:00:00Z","expires_at":"2026-01-02T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord(tt.key, []byte(tt.data))
			if !errors.Is(err, ErrCorruptRecord) {
				t.Errorf("decodeRecord() error = %v, want ErrCorruptRecord", err)
			}
		})
	}
}

// TestCacheInterface_CompileCheck verifies the Cache interface contract.
func TestCacheInterface_CompileCheck(t *testing.T) {
	var _ Cache = (*mockCache)(nil)
}

// mockCache is a test double that implements Cache interface.
type mockCache struct{}

func (m *mockCache) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	return Entry{}, false
}

func (m *mockCache) Put(ctx context.Context, fp fingerprint.Fingerprint, payload []byte, ttl time.Duration) error {
	return nil
}

func (m *mockCache) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	return nil
}

func (m *mockCache) Stats() Stats {
	return Stats{}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mapStore is an in-package Store double that allows injecting raw records.
type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	setErr  error
	scanErr error
	closed  bool

	// beforeSet runs at the start of Set without the store lock held.
	beforeSet func(key string)
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (s *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *mapStore) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	if s.beforeSet != nil {
		s.beforeSet(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = data
	return nil
}

func (s *mapStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *mapStore) Scan(_ context.Context, fn func(string, []byte) error) error {
	s.mu.Lock()
	if s.scanErr != nil {
		s.mu.Unlock()
		return s.scanErr
	}
	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *mapStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *mapStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

func (s *mapStore) put(key string, data []byte) {
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
}
