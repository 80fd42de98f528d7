// Package metrics defines and registers the Prometheus metrics exported by
// the control plane: queue depth, scheduling latency, machinery worker
// occupancy, processing worker states, and task/analysis state transitions.
//
// Metrics are registered at init time and exposed via Handler for mounting
// under /metrics. Collector samples queue and machinery state on a ticker
// into the gauges; components that measure durations use Timer directly.
package metrics
