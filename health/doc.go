// Package health reports whether the evaluation runtime can do useful work.
//
// A Checker reports one component as healthy, degraded or unhealthy. The
// package ships checkers for the result cache (occupancy against its byte
// budget), the per-target circuit breakers, remote stores that answer Ping,
// and process memory. An Aggregator runs a set of checkers under a shared
// deadline and reports the worst status.
//
// HTTP handlers expose the aggregate for probes:
//
//	agg := health.NewAggregator(health.AggregatorConfig{})
//	agg.Register("cache", health.NewCacheChecker(c, health.CacheCheckerConfig{MaxBytes: 64 << 20}))
//	agg.Register("circuits", health.NewCircuitChecker(wrapper.Breakers()))
//	srv := health.NewServer(":8081", agg)
package health
