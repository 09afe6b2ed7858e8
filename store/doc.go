// Package store provides durable backends for the evaluation result cache.
//
// Every backend satisfies cache.Store: raw bytes keyed by fingerprint with an
// optional TTL. The cache owns the record format; backends never inspect
// values.
//
//   - Memory: a map, for tests and single-process runs without persistence.
//   - Badger: an embedded BadgerDB database on local disk.
//   - Redis: a shared Redis server, for caches reused across machines.
package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrClosed        = errors.New("store: store is closed")
	ErrInvalidConfig = errors.New("store: invalid configuration")
)
