package cache

import "errors"

// Sentinel errors for cache operations.
var (
	ErrNilCache      = errors.New("cache: cache is nil")
	ErrInvalidKey    = errors.New("cache: key is invalid")
	ErrKeyTooLong    = errors.New("cache: key exceeds max length")
	ErrInvalidPolicy = errors.New("cache: policy is invalid")
	ErrEntryTooLarge = errors.New("cache: entry exceeds size budget")
	ErrStore         = errors.New("cache: durable store failure")

	// ErrCorruptRecord marks a persisted record that cannot be decoded.
	// It never escapes Get or Load; it is counted and the record is skipped.
	ErrCorruptRecord = errors.New("cache: corrupt record")
)
