package cache

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/observe"
)

// MemoryCache is an in-memory cache with TTL expiry, a byte/entry budget
// enforced by least-recently-accessed eviction, and an optional durable
// Store written through on every Put.
//
// The durable store is owned by the cache once attached; Close closes it.
// Store I/O runs outside mu, so a slow store delays only the caller that
// issued the write. Writes and deletes of one key are ordered by a keyed
// lock and skipped when a newer entry has replaced the one they were for.
type MemoryCache struct {
	policy Policy
	store  Store
	now    func() time.Time
	logger observe.Logger

	mu        sync.Mutex
	entries   map[fingerprint.Fingerprint]*list.Element
	lru       *list.List // front = most recently accessed
	totalSize int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	corruptions int64
	storeErrors int64

	keyLocks [keyLockShards]sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	sweeping  bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

const keyLockShards = 64

// Option configures a MemoryCache.
type Option func(*MemoryCache)

// WithStore attaches a durable store behind the memory tier.
func WithStore(s Store) Option {
	return func(c *MemoryCache) {
		c.store = s
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for absorbed faults.
func WithLogger(l observe.Logger) Option {
	return func(c *MemoryCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewMemoryCache creates a new in-memory cache with the given policy.
func NewMemoryCache(policy Policy, opts ...Option) (*MemoryCache, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.LowWaterRatio == 0 {
		policy.LowWaterRatio = DefaultLowWaterRatio
	}

	c := &MemoryCache{
		policy:  policy,
		now:     time.Now,
		logger:  observe.NopLogger(),
		entries: make(map[fingerprint.Fingerprint]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy returns the cache policy.
func (c *MemoryCache) Policy() Policy {
	return c.policy
}

// Get retrieves a live entry. Returns (Entry{}, false) on miss, expiry or corruption.
func (c *MemoryCache) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	if el, ok := c.entries[fp]; ok {
		e := el.Value.(*Entry)
		if e.Expired(now) {
			// Expired - purge now rather than waiting for the sweeper
			c.removeLocked(el)
			c.expirations++
			c.misses++
			c.mu.Unlock()
			c.deleteRecords(ctx, fp)
			return Entry{}, false
		}
		e.LastAccessAt = now
		c.lru.MoveToFront(el)
		c.hits++
		out := *e
		c.mu.Unlock()
		return out, true
	}
	c.mu.Unlock()

	if c.store == nil {
		c.recordMiss()
		return Entry{}, false
	}

	entry, ok := c.loadFromStore(ctx, fp, now)
	if !ok {
		c.recordMiss()
		return Entry{}, false
	}

	c.mu.Lock()
	c.hits++
	if el, exists := c.entries[fp]; exists {
		// A concurrent Put landed first; it is newer than the stored record.
		e := el.Value.(*Entry)
		e.LastAccessAt = now
		c.lru.MoveToFront(el)
		out := *e
		c.mu.Unlock()
		return out, true
	}
	entry.LastAccessAt = now
	if c.policy.MaxBytes > 0 && entry.SizeBytes > c.policy.MaxBytes {
		c.mu.Unlock()
		return entry, true
	}
	resident := entry
	c.insertLocked(&resident)
	victims := c.evictLocked()
	c.mu.Unlock()

	c.deleteRecords(ctx, victims...)
	return entry, true
}

// Peek returns a live entry without touching recency or hit statistics.
// It does not consult the durable store.
func (c *MemoryCache) Peek(_ context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if e.Expired(c.now()) {
		return Entry{}, false
	}
	return *e, true
}

// Put stores payload under fp, replacing any existing entry as a whole.
// TTL<=0 applies the policy default; if that is also zero nothing is cached.
func (c *MemoryCache) Put(ctx context.Context, fp fingerprint.Fingerprint, payload []byte, ttl time.Duration) error {
	if err := ValidateKey(fp); err != nil {
		return err
	}

	ttl = c.policy.EffectiveTTL(ttl)
	if ttl <= 0 {
		return nil
	}

	now := c.now()
	entry := &Entry{
		Fingerprint:  fp,
		Payload:      bytes.Clone(payload),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessAt: now,
	}
	data, err := encodeRecord(entry)
	if err != nil {
		return fmt.Errorf("cache: encode record: %w", err)
	}
	if c.policy.MaxBytes > 0 && entry.SizeBytes > c.policy.MaxBytes {
		return fmt.Errorf("%w: %d bytes > budget %d", ErrEntryTooLarge, entry.SizeBytes, c.policy.MaxBytes)
	}

	c.mu.Lock()
	if el, ok := c.entries[fp]; ok {
		c.removeLocked(el)
	}
	c.insertLocked(entry)
	victims := c.evictLocked()
	c.mu.Unlock()

	storeErr := c.persist(ctx, entry, data, ttl)
	c.deleteRecords(ctx, victims...)
	return storeErr
}

// persist writes entry's record through to the store unless entry is no
// longer resident. A replacing Put writes its own record and an eviction
// deletes it, so skipping cannot leave a stale record behind.
func (c *MemoryCache) persist(ctx context.Context, entry *Entry, data []byte, ttl time.Duration) error {
	if c.store == nil {
		return nil
	}
	fp := entry.Fingerprint
	kl := c.keyLock(fp)
	kl.Lock()
	defer kl.Unlock()

	c.mu.Lock()
	el, ok := c.entries[fp]
	current := ok && el.Value.(*Entry) == entry
	c.mu.Unlock()
	if !current {
		return nil
	}

	if err := c.store.Set(ctx, string(fp), data, ttl); err != nil {
		c.countStoreError()
		c.logger.Warn(ctx, "cache store write failed",
			observe.Field{Key: "fingerprint", Value: fp.Short()},
			observe.Field{Key: "error", Value: err.Error()},
		)
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Delete removes an entry from memory and the durable store. Idempotent.
func (c *MemoryCache) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	c.mu.Lock()
	if el, ok := c.entries[fp]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if err := c.deleteRecord(ctx, fp); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Stats returns a snapshot of cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		EntryCount:  len(c.entries),
		TotalSize:   c.totalSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Corruptions: c.corruptions,
		StoreErrors: c.storeErrors,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}

// Sweep purges every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var expired []fingerprint.Fingerprint
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if e.Expired(now) {
			c.removeLocked(el)
			c.expirations++
			expired = append(expired, e.Fingerprint)
		}
		el = prev
	}
	c.mu.Unlock()

	c.deleteRecords(ctx, expired...)
	return len(expired)
}

// LoadReport summarizes an eager load from the durable store.
type LoadReport struct {
	Loaded  int
	Skipped int
	Expired int
}

// Load warms the memory tier from the durable store.
//
// Unreadable records are skipped and counted; they never abort the load.
// Only a failure of the store scan itself is returned.
func (c *MemoryCache) Load(ctx context.Context) (LoadReport, error) {
	var report LoadReport
	if c.store == nil {
		return report, nil
	}

	now := c.now()
	var loaded []Entry
	var stale []string

	err := c.store.Scan(ctx, func(key string, data []byte) error {
		entry, err := decodeRecord(key, data)
		if err != nil {
			report.Skipped++
			c.logger.Warn(ctx, "skipping unreadable cache record",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "error", Value: err.Error()},
			)
			return nil
		}
		if entry.Expired(now) {
			report.Expired++
			stale = append(stale, key)
			return nil
		}
		loaded = append(loaded, entry)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("%w: scan: %v", ErrStore, err)
	}

	// Oldest first so the newest records end up most recently used.
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	c.mu.Lock()
	c.corruptions += int64(report.Skipped)
	for i := range loaded {
		e := loaded[i]
		if _, exists := c.entries[e.Fingerprint]; exists {
			continue
		}
		if c.policy.MaxBytes > 0 && e.SizeBytes > c.policy.MaxBytes {
			report.Skipped++
			continue
		}
		c.insertLocked(&e)
		report.Loaded++
	}
	victims := c.evictLocked()
	c.mu.Unlock()

	for _, key := range stale {
		c.deleteRecords(ctx, fingerprint.Fingerprint(key))
	}
	c.deleteRecords(ctx, victims...)

	c.logger.Info(ctx, "cache loaded from store",
		observe.Field{Key: "loaded", Value: report.Loaded},
		observe.Field{Key: "skipped", Value: report.Skipped},
		observe.Field{Key: "expired", Value: report.Expired},
	)
	return report, nil
}

// Start runs the background expiry sweeper until Close or ctx is done.
// It is a no-op when the policy has no SweepInterval.
func (c *MemoryCache) Start(ctx context.Context) {
	if c.policy.SweepInterval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		c.sweeping = true
		go c.sweepLoop(ctx)
	})
}

func (c *MemoryCache) sweepLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				c.logger.Debug(ctx, "cache sweep removed expired entries",
					observe.Field{Key: "removed", Value: n},
				)
			}
		}
	}
}

// Close stops the sweeper and closes the durable store. Safe to call more than once.
func (c *MemoryCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Blocks until a concurrent Start has finished, and prevents a late one.
		c.startOnce.Do(func() {})
		close(c.stopCh)
		if c.sweeping {
			<-c.doneCh
		}
		if c.store != nil {
			err = c.store.Close()
		}
	})
	return err
}

func (c *MemoryCache) loadFromStore(ctx context.Context, fp fingerprint.Fingerprint, now time.Time) (Entry, bool) {
	data, ok, err := c.store.Get(ctx, string(fp))
	if err != nil {
		c.mu.Lock()
		c.storeErrors++
		c.mu.Unlock()
		c.logger.Warn(ctx, "cache store read failed",
			observe.Field{Key: "fingerprint", Value: fp.Short()},
			observe.Field{Key: "error", Value: err.Error()},
		)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	entry, err := decodeRecord(string(fp), data)
	if err != nil {
		c.logger.Warn(ctx, "discarding corrupt cache record",
			observe.Field{Key: "fingerprint", Value: fp.Short()},
			observe.Field{Key: "error", Value: err.Error()},
		)
		c.mu.Lock()
		c.corruptions++
		c.mu.Unlock()
		c.deleteRecords(ctx, fp)
		return Entry{}, false
	}
	if entry.Expired(now) {
		c.mu.Lock()
		c.expirations++
		c.mu.Unlock()
		c.deleteRecords(ctx, fp)
		return Entry{}, false
	}
	return entry, true
}

func (c *MemoryCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *MemoryCache) insertLocked(e *Entry) {
	c.entries[e.Fingerprint] = c.lru.PushFront(e)
	c.totalSize += e.SizeBytes
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*Entry)
	delete(c.entries, e.Fingerprint)
	c.totalSize -= e.SizeBytes
}

// evictLocked drops least-recently-accessed entries once a budget is
// exceeded, down to the low-water mark, and returns their fingerprints for
// deleteRecords. The most recent entry is never evicted by its own
// insertion.
func (c *MemoryCache) evictLocked() []fingerprint.Fingerprint {
	overBytes := c.policy.MaxBytes > 0 && c.totalSize > c.policy.MaxBytes
	overEntries := c.policy.MaxEntries > 0 && len(c.entries) > c.policy.MaxEntries
	if !overBytes && !overEntries {
		return nil
	}

	var victims []fingerprint.Fingerprint
	lowBytes, lowEntries := c.policy.lowWater()
	for c.lru.Len() > 1 {
		bytesOK := c.policy.MaxBytes == 0 || c.totalSize <= lowBytes
		entriesOK := c.policy.MaxEntries == 0 || len(c.entries) <= lowEntries
		if bytesOK && entriesOK {
			break
		}
		victim := c.lru.Back()
		e := victim.Value.(*Entry)
		c.removeLocked(victim)
		victims = append(victims, e.Fingerprint)
		c.evictions++
	}
	return victims
}

// deleteRecords removes persisted records that no longer back a resident
// entry. Failures are counted, not returned. Must not be called with mu held.
func (c *MemoryCache) deleteRecords(ctx context.Context, fps ...fingerprint.Fingerprint) {
	for _, fp := range fps {
		if err := c.deleteRecord(ctx, fp); err != nil {
			c.logger.Warn(ctx, "cache store delete failed",
				observe.Field{Key: "fingerprint", Value: fp.Short()},
				observe.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// deleteRecord deletes fp's persisted record unless a newer entry for fp
// has been written meanwhile.
func (c *MemoryCache) deleteRecord(ctx context.Context, fp fingerprint.Fingerprint) error {
	if c.store == nil {
		return nil
	}
	kl := c.keyLock(fp)
	kl.Lock()
	defer kl.Unlock()

	c.mu.Lock()
	_, resident := c.entries[fp]
	c.mu.Unlock()
	if resident {
		return nil
	}
	if err := c.store.Delete(ctx, string(fp)); err != nil {
		c.countStoreError()
		return err
	}
	return nil
}

func (c *MemoryCache) keyLock(fp fingerprint.Fingerprint) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &c.keyLocks[h.Sum32()%keyLockShards]
}

func (c *MemoryCache) countStoreError() {
	c.mu.Lock()
	c.storeErrors++
	c.mu.Unlock()
}

// Ensure MemoryCache implements Cache
var _ Cache = (*MemoryCache)(nil)
