// Package dispatch runs batches of evaluation requests against an external
// capability.
//
// Each request is fingerprinted and looked up in the result cache before it
// is scheduled. Misses are handed to a fixed pool of workers; every call goes
// through a resilience.Wrapper and successful payloads are written back to
// the cache. Failures never abort a batch: every task produces exactly one
// Result, and failed tasks carry the wrapper's fallback value when one is
// configured.
//
// Results stream in completion order by default, or in submission order when
// Config.Ordered is set. Canceling a batch stops new dispatches; work already
// claimed by a worker completes, and tasks that never started are reported as
// canceled failures.
package dispatch
