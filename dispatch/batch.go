package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/observe"
	"github.com/jonwraymond/evalops/resilience"
)

// task is the mutable state of one unit of work.
type task struct {
	index  int
	req    Request
	fp     fingerprint.Fingerprint
	keyErr error

	state    atomic.Int32
	attempts atomic.Int32
}

func (t *task) view() Task {
	return Task{
		Index:        t.index,
		ID:           t.req.ID,
		Request:      t.req,
		Fingerprint:  t.fp,
		AttemptCount: int(t.attempts.Load()),
		State:        State(t.state.Load()),
	}
}

// Batch is a running set of tasks submitted together.
//
// Results and Progress are buffered to the batch size, so a caller that
// only needs the summary may ignore them and call Wait.
type Batch struct {
	id    string
	d     *Dispatcher
	tasks []*task

	results  chan Result
	progress chan Progress
	done     chan struct{}

	canceled atomic.Bool
	stop     context.CancelFunc

	started time.Time

	mu      sync.Mutex
	snap    Progress
	summary Summary
}

func newBatch(d *Dispatcher, id string, tasks []*task) *Batch {
	return &Batch{
		id:       id,
		d:        d,
		tasks:    tasks,
		results:  make(chan Result, len(tasks)),
		progress: make(chan Progress, len(tasks)),
		done:     make(chan struct{}),
		snap:     Progress{Total: len(tasks)},
	}
}

// ID returns the batch identifier.
func (b *Batch) ID() string {
	return b.id
}

// Results delivers one Result per task and is closed when the batch ends.
// In ordered mode results arrive in submission order.
func (b *Batch) Results() <-chan Result {
	return b.results
}

// Progress delivers a snapshot after every task finishes and is closed when
// the batch ends.
func (b *Batch) Progress() <-chan Progress {
	return b.progress
}

// Cancel stops dispatching new work. Tasks already handed to a worker run
// to completion; the rest are reported as canceled failures. Cancel is
// idempotent.
func (b *Batch) Cancel() {
	b.canceled.Store(true)
	b.stop()
}

// Wait blocks until every task has finished and returns the summary.
func (b *Batch) Wait() Summary {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary
}

// Done is closed when the batch has finished.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Snapshot returns the latest progress without consuming the channel.
func (b *Batch) Snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Tasks returns a point-in-time view of every task in submission order.
func (b *Batch) Tasks() []Task {
	out := make([]Task, len(b.tasks))
	for i, t := range b.tasks {
		out[i] = t.view()
	}
	return out
}

func (b *Batch) stopped(ctx context.Context) bool {
	return b.canceled.Load() || ctx.Err() != nil
}

// start launches the producer, the worker pool and the collector.
func (b *Batch) start(parent context.Context) {
	ctx, stop := context.WithCancel(parent)
	b.stop = stop
	b.started = b.d.now()

	cfg := b.d.config
	b.d.logger.Info(ctx, "batch started",
		observe.F("batch_id", b.id),
		observe.F("tasks", len(b.tasks)),
		observe.F("concurrency", cfg.ConcurrencyLimit),
		observe.F("ordered", cfg.Ordered),
	)

	outcomes := make(chan Result, len(b.tasks))
	queue := make(chan *task, cfg.QueueSize)

	// In-flight calls outlive batch cancellation.
	callCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		b.produce(ctx, queue, outcomes)
		return nil
	})
	for i := 0; i < cfg.ConcurrencyLimit; i++ {
		g.Go(func() error {
			for t := range queue {
				if b.stopped(ctx) {
					outcomes <- b.notDispatched(t)
					continue
				}
				outcomes <- b.execute(callCtx, t)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	go b.collect(callCtx, outcomes)
}

// produce resolves every cache lookup before queueing any miss, so hits
// are emitted without waiting behind the worker pool.
func (b *Batch) produce(ctx context.Context, queue chan<- *task, outcomes chan<- Result) {
	metrics := b.d.middleware.Metrics()
	misses := make([]*task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if t.keyErr != nil {
			outcomes <- b.failed(t, b.d.now(), resilience.ClassPermanent, t.keyErr.Error(), nil)
			continue
		}
		if b.stopped(ctx) {
			outcomes <- b.notDispatched(t)
			continue
		}

		start := b.d.now()
		entry, hit := b.d.cache.Get(ctx, t.fp)
		metrics.RecordCacheLookup(ctx, hit)
		if !hit {
			misses = append(misses, t)
			continue
		}
		t.state.Store(int32(StateSucceeded))
		outcomes <- Result{
			TaskID:      t.req.ID,
			Index:       t.index,
			Fingerprint: t.fp,
			Status:      StatusCacheHit,
			Value:       entry.Payload,
			Latency:     b.d.now().Sub(start),
			FromCache:   true,
		}
	}

	for _, t := range misses {
		if b.stopped(ctx) {
			outcomes <- b.notDispatched(t)
			continue
		}
		select {
		case queue <- t:
		case <-ctx.Done():
			outcomes <- b.notDispatched(t)
		}
	}
}

// execute runs one cache miss through the loader and the resilience wrapper.
func (b *Batch) execute(ctx context.Context, t *task) Result {
	start := b.d.now()
	t.state.Store(int32(StateInFlight))

	call := b.d.middleware.Wrap(func(ctx context.Context, _ observe.CallMeta) ([]byte, error) {
		return b.d.invoke(ctx, t.req)
	})

	// led is set when this task's own call ran; singleflight runs fn on
	// the leader's goroutine.
	var led bool
	res, err := b.d.loader.Fill(ctx, t.fp, b.d.config.TTL, func(ctx context.Context) ([]byte, error) {
		led = true
		out, f := b.d.wrapper.Do(ctx, t.req.Target, func(ctx context.Context, attempt int) ([]byte, error) {
			t.attempts.Store(int32(attempt))
			return call(ctx, observe.CallMeta{
				Target:          t.req.Target,
				PromptVariantID: t.req.PromptVariantID,
				Model:           t.req.Params.Model,
				Fingerprint:     t.fp.Short(),
				TaskID:          t.req.ID,
				Attempt:         attempt,
			})
		})
		if f != nil {
			return nil, f
		}
		return out, nil
	})

	coalesced := res.Shared && !res.FromCache && !led

	if err != nil {
		var r Result
		var f *resilience.Failure
		if errors.As(err, &f) {
			history := f.Attempts
			if coalesced {
				history = nil
			}
			r = b.failed(t, start, f.Class, f.Error(), history)
		} else {
			r = b.failed(t, start, resilience.Classify(err), err.Error(), nil)
		}
		r.Coalesced = coalesced
		return r
	}

	if res.PutErr != nil {
		b.d.logger.Warn(ctx, "cache write failed",
			observe.F("batch_id", b.id),
			observe.F("task_id", t.req.ID),
			observe.F("fingerprint", t.fp.Short()),
			observe.F("error", res.PutErr),
		)
	}

	t.state.Store(int32(StateSucceeded))
	r := Result{
		TaskID:      t.req.ID,
		Index:       t.index,
		Fingerprint: t.fp,
		Status:      StatusSuccess,
		Value:       res.Payload,
		Attempts:    int(t.attempts.Load()),
		Latency:     b.d.now().Sub(start),
	}
	if res.FromCache {
		r.Status = StatusCacheHit
		r.FromCache = true
	}
	r.Coalesced = coalesced
	return r
}

// invoke calls the invoker, converting a panic into a permanent error.
func (d *Dispatcher) invoke(ctx context.Context, req Request) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = resilience.Permanent(fmt.Errorf("%w: %v", ErrInvokerPanic, r))
		}
	}()
	return d.invoker.Invoke(ctx, req)
}

func (b *Batch) failed(t *task, start time.Time, class resilience.Class, detail string, history []resilience.Attempt) Result {
	t.state.Store(int32(StateFailed))
	r := Result{
		TaskID:      t.req.ID,
		Index:       t.index,
		Fingerprint: t.fp,
		Status:      StatusFailed,
		ErrorDetail: detail,
		ErrorClass:  class,
		Attempts:    len(history),
		History:     history,
		Latency:     b.d.now().Sub(start),
	}
	if fb, ok := b.d.wrapper.Fallback(); ok {
		r.Value = fb
		r.FallbackApplied = true
	}
	return r
}

func (b *Batch) notDispatched(t *task) Result {
	return b.failed(t, b.d.now(), resilience.ClassCanceled, ErrNotDispatched.Error(), nil)
}

// collect publishes outcomes, tracks progress and builds the summary.
func (b *Batch) collect(ctx context.Context, outcomes <-chan Result) {
	total := len(b.tasks)
	metrics := b.d.middleware.Metrics()

	summary := Summary{
		BatchID:         b.id,
		Total:           total,
		FailuresByClass: make(map[resilience.Class]int),
	}
	var (
		p       = Progress{Total: total}
		pending = make(map[int]Result)
		next    = 0
	)

	for r := range outcomes {
		p.Completed++
		switch {
		case r.Failed():
			p.Failed++
			summary.Failed++
			summary.FailuresByClass[r.ErrorClass]++
			summary.Failures = append(summary.Failures, r)
			if r.ErrorClass == resilience.ClassCanceled {
				summary.Canceled++
			}
			b.d.logger.Debug(ctx, "task failed",
				observe.F("batch_id", b.id),
				observe.F("task_id", r.TaskID),
				observe.F("class", r.ErrorClass.String()),
				observe.F("error", r.ErrorDetail),
			)
		case r.Status == StatusCacheHit:
			p.CacheHits++
			summary.CacheHits++
			summary.Succeeded++
		default:
			summary.Succeeded++
		}
		metrics.RecordTaskOutcome(ctx, string(r.Status), r.ErrorClass.String())

		if b.d.config.Ordered {
			pending[r.Index] = r
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				b.results <- ready
				next++
			}
		} else {
			b.results <- r
		}

		p.Elapsed = b.d.now().Sub(b.started)
		p.EstimatedRemaining = estimateRemaining(p)
		b.mu.Lock()
		b.snap = p
		b.mu.Unlock()
		b.progress <- p
	}

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].Index < summary.Failures[j].Index
	})
	summary.Elapsed = b.d.now().Sub(b.started)
	summary.CacheStats = b.d.cache.Stats()

	b.d.logger.Info(ctx, "batch finished",
		observe.F("batch_id", b.id),
		observe.F("tasks", total),
		observe.F("succeeded", summary.Succeeded),
		observe.F("failed", summary.Failed),
		observe.F("cache_hits", summary.CacheHits),
		observe.F("canceled", summary.Canceled),
		observe.F("elapsed_ms", summary.Elapsed.Milliseconds()),
	)

	b.mu.Lock()
	b.summary = summary
	b.mu.Unlock()

	close(b.results)
	close(b.progress)
	b.stop()
	close(b.done)
}

// estimateRemaining extrapolates the mean time per finished task.
func estimateRemaining(p Progress) time.Duration {
	if p.Completed == 0 || p.Completed >= p.Total {
		return 0
	}
	perTask := p.Elapsed / time.Duration(p.Completed)
	return perTask * time.Duration(p.Total-p.Completed)
}
