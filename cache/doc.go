// Package cache provides a fingerprint-keyed result cache for evaluation calls.
//
// It provides a Cache interface with a memory implementation that enforces
// TTL expiry and a byte/entry budget with least-recently-used eviction, an
// optional durable Store behind it, and a Loader that coalesces concurrent
// misses for the same fingerprint.
package cache
