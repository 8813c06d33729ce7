// Package metrics exposes Prometheus collectors for the controller:
// route and certificate gauges, acquisition and convergence counters,
// and proxy request totals. Handler serves the /metrics endpoint.
package metrics
