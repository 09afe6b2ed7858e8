package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jonwraymond/evalops/cache"
	"github.com/jonwraymond/evalops/observe"
)

// BadgerConfig configures an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory keeps everything in RAM. Intended for tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	// Default: false
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs. Zero
	// disables it. Ignored in memory mode.
	// Default: 5 minutes (DefaultBadgerConfig)
	GCInterval time.Duration

	// GCDiscardRatio is the minimum reclaimable fraction that triggers a
	// value log rewrite.
	// Default: 0.5
	GCDiscardRatio float64

	// Logger receives Badger's internal log output and GC events. Nil
	// silences both.
	Logger observe.Logger
}

// DefaultBadgerConfig returns production defaults for a database at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Validate checks the configuration.
func (c BadgerConfig) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: badger path is required", ErrInvalidConfig)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: badger gc interval must not be negative", ErrInvalidConfig)
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return fmt.Errorf("%w: badger gc discard ratio must be within [0, 1]", ErrInvalidConfig)
	}
	return nil
}

// badgerLogger adapts observe.Logger to Badger's logger interface.
type badgerLogger struct {
	logger observe.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(format, args...), observe.F("component", "badger"))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(format, args...), observe.F("component", "badger"))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(format, args...), observe.F("component", "badger"))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(format, args...), observe.F("component", "badger"))
}

// Badger is a Store backed by an embedded BadgerDB database.
type Badger struct {
	db     *badger.DB
	gc     *gcRunner
	logger observe.Logger

	// readValue copies an item's value during Scan.
	readValue func(*badger.Item) ([]byte, error)

	closeOnce sync.Once
	closeErr  error
}

// OpenBadger opens (creating if needed) a Badger store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.GCDiscardRatio == 0 {
		cfg.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		logger = observe.NopLogger()
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{db: db, logger: logger, readValue: copyValue}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		b.gc.start()
	}
	return b, nil
}

// Get implements cache.Store.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, b.wrap("get", err)
	}
	return data, true, nil
}

// Set implements cache.Store. Entries carry Badger's native TTL.
func (b *Badger) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return b.wrap("set", err)
	}
	return nil
}

// Delete implements cache.Store.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return b.wrap("delete", err)
	}
	return nil
}

func copyValue(item *badger.Item) ([]byte, error) {
	return item.ValueCopy(nil)
}

// Scan implements cache.Store. It iterates a read snapshot taken when the
// scan starts. A record whose value cannot be read is logged and skipped.
func (b *Badger) Scan(ctx context.Context, fn func(key string, data []byte) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if item.IsDeletedOrExpired() {
				continue
			}
			key := string(item.KeyCopy(nil))
			data, err := b.readValue(item)
			if err != nil {
				b.logger.Warn(ctx, "skipping unreadable badger record",
					observe.F("key", key),
					observe.F("error", err),
				)
				continue
			}
			if err := fn(key, data); err != nil {
				return callbackError{err}
			}
		}
		return nil
	})

	var cbErr callbackError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &cbErr):
		return cbErr.err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return b.wrap("scan", err)
	}
}

// Close stops garbage collection and closes the database.
func (b *Badger) Close() error {
	b.closeOnce.Do(func() {
		if b.gc != nil {
			b.gc.stop()
		}
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func (b *Badger) wrap(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("badger %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("badger %s: %w", op, err)
}

// callbackError carries an error returned by a Scan callback out of the
// Badger transaction unchanged.
type callbackError struct {
	err error
}

func (e callbackError) Error() string { return e.err.Error() }

// gcRunner periodically reclaims space in the value log.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   observe.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger observe.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *gcRunner) runOnce() {
	// ErrNoRewrite means nothing was worth reclaiming.
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.logger.Debug(context.Background(), "badger value log gc completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		r.logger.Warn(context.Background(), "badger value log gc failed", observe.F("error", err))
	}
}

var _ cache.Store = (*Badger)(nil)
