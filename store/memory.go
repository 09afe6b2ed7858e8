package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonwraymond/evalops/cache"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Memory is a map-backed Store.
type Memory struct {
	mu     sync.RWMutex
	items  map[string]memoryItem
	now    func() time.Time
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory store that reads time from now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		items: make(map[string]memoryItem),
		now:   now,
	}
}

// Get implements cache.Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	it, ok := m.items[key]
	if !ok || it.expired(m.now()) {
		return nil, false, nil
	}
	return append([]byte(nil), it.data...), true, nil
}

// Set implements cache.Store. A ttl of zero stores without expiry.
func (m *Memory) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	it := memoryItem{data: append([]byte(nil), data...)}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

// Delete implements cache.Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.items, key)
	return nil
}

// Scan implements cache.Store. Keys are visited in sorted order over a
// snapshot, so fn may call back into the store.
func (m *Memory) Scan(ctx context.Context, fn func(key string, data []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	now := m.now()
	keys := make([]string, 0, len(m.items))
	snapshot := make(map[string][]byte, len(m.items))
	for k, it := range m.items {
		if it.expired(now) {
			continue
		}
		keys = append(keys, k)
		snapshot[k] = it.data
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, append([]byte(nil), snapshot[k]...)); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, it := range m.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Close implements cache.Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.items = nil
	return nil
}

var _ cache.Store = (*Memory)(nil)
