package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/evalops/fingerprint"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Cache is the interface for caching evaluation results by fingerprint.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: methods should honor cancellation/deadlines where applicable.
// - Errors: Get never errors; staleness and corruption degrade to a miss.
// - Writes: Put replaces the whole entry; the last write wins.
type Cache interface {
	// Get retrieves a live entry. Returns (Entry{}, false) on miss.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool)

	// Put stores payload with the given TTL. TTL<=0 uses the policy default.
	Put(ctx context.Context, fp fingerprint.Fingerprint, payload []byte, ttl time.Duration) error

	// Delete removes an entry. Idempotent - no error on miss.
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error

	// Stats returns a point-in-time snapshot of cache statistics.
	Stats() Stats
}

// Entry is one cached result.
//
// An entry is logically absent once now > ExpiresAt, regardless of whether
// it is still physically stored.
type Entry struct {
	Fingerprint  fingerprint.Fingerprint
	Payload      []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SizeBytes    int64
	LastAccessAt time.Time
}

// Expired reports whether the entry is logically absent at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stats contains cache statistics.
type Stats struct {
	EntryCount  int
	TotalSize   int64
	Hits        int64
	Misses      int64
	HitRate     float64
	Evictions   int64
	Expirations int64
	Corruptions int64
	StoreErrors int64
}

// Store is a durable key-value store behind the memory tier.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get returns (nil, false, nil) on miss.
// - Scan visits every live key once; returning an error from fn stops the scan.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, fn func(key string, data []byte) error) error
	Close() error
}

// Record is the persisted form of an Entry, one per fingerprint.
type Record struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Payload     []byte                  `json:"payload"`
	CreatedAt   time.Time               `json:"created_at"`
	ExpiresAt   time.Time               `json:"expires_at"`
	SizeBytes   int64                   `json:"size_bytes"`
}

// encodeRecord serializes an entry and fills in its SizeBytes.
func encodeRecord(e *Entry) ([]byte, error) {
	rec := Record{
		Fingerprint: e.Fingerprint,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	rec.SizeBytes = int64(len(data))
	data, err = json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	e.SizeBytes = rec.SizeBytes
	return data, nil
}

// decodeRecord parses a persisted record stored under key.
func decodeRecord(key string, data []byte) (Entry, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if string(rec.Fingerprint) != key {
		return Entry{}, fmt.Errorf("%w: fingerprint %q stored under %q", ErrCorruptRecord, rec.Fingerprint, key)
	}
	if rec.ExpiresAt.IsZero() || rec.CreatedAt.IsZero() {
		return Entry{}, fmt.Errorf("%w: missing timestamps", ErrCorruptRecord)
	}
	size := rec.SizeBytes
	if size <= 0 {
		size = int64(len(data))
	}
	return Entry{
		Fingerprint:  rec.Fingerprint,
		Payload:      rec.Payload,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		SizeBytes:    size,
		LastAccessAt: rec.CreatedAt,
	}, nil
}

// ValidateKey checks if a fingerprint is usable as a cache key.
func ValidateKey(fp fingerprint.Fingerprint) error {
	key := string(fp)
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	// Reject keys with newlines or carriage returns
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
