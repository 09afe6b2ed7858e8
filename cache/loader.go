package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/evalops/fingerprint"
)

// LoadFunc produces the payload for a fingerprint on a cache miss.
type LoadFunc func(ctx context.Context) ([]byte, error)

// Loader wraps a Cache with read-through semantics.
//
// Concurrent misses for the same fingerprint are coalesced so the LoadFunc
// runs once; every caller receives the same result. Errors are NOT cached.
type Loader struct {
	cache Cache
	group singleflight.Group
}

// NewLoader creates a read-through loader over c.
func NewLoader(c Cache) *Loader {
	return &Loader{cache: c}
}

// peeker is implemented by caches that can look up an entry without
// affecting statistics.
type peeker interface {
	Peek(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool)
}

// LoadResult describes how a Load call was satisfied.
type LoadResult struct {
	Payload   []byte
	FromCache bool
	// Shared is true when the flight served more than one caller,
	// including the one that ran it.
	Shared bool
	// PutErr is a non-fatal error from writing the result back.
	PutErr error
}

// Load returns the cached payload for fp, or runs fn and caches its result
// with ttl. fn is not called when the cache already holds a live entry.
func (l *Loader) Load(ctx context.Context, fp fingerprint.Fingerprint, ttl time.Duration, fn LoadFunc) (LoadResult, error) {
	if l == nil || l.cache == nil {
		return LoadResult{}, ErrNilCache
	}

	if entry, ok := l.cache.Get(ctx, fp); ok {
		return LoadResult{Payload: entry.Payload, FromCache: true}, nil
	}
	return l.Fill(ctx, fp, ttl, fn)
}

// Fill is Load for callers that have already observed a miss through Get.
// It skips the initial lookup so the miss is not counted twice, but still
// coalesces with concurrent loads of fp.
func (l *Loader) Fill(ctx context.Context, fp fingerprint.Fingerprint, ttl time.Duration, fn LoadFunc) (LoadResult, error) {
	if l == nil || l.cache == nil {
		return LoadResult{}, ErrNilCache
	}

	type flight struct {
		payload   []byte
		fromCache bool
		putErr    error
	}

	v, err, shared := l.group.Do(string(fp), func() (any, error) {
		// A load that finished between our miss and this flight already
		// populated the cache.
		if p, ok := l.cache.(peeker); ok {
			if entry, hit := p.Peek(ctx, fp); hit {
				return flight{payload: entry.Payload, fromCache: true}, nil
			}
		}

		payload, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		putErr := l.cache.Put(ctx, fp, payload, ttl)
		return flight{payload: payload, putErr: putErr}, nil
	})
	if err != nil {
		return LoadResult{Shared: shared}, err
	}

	f := v.(flight)
	return LoadResult{
		Payload:   f.payload,
		FromCache: f.fromCache,
		Shared:    shared,
		PutErr:    f.putErr,
	}, nil
}

// Forget drops any in-flight coalescing state for fp.
func (l *Loader) Forget(fp fingerprint.Fingerprint) {
	l.group.Forget(string(fp))
}
