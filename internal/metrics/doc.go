/*
Package metrics provides Prometheus instrumentation for the fragment
composition server: request-level counters/histograms, per-fragment fetch
outcomes, and async-stream attachment/lifetime gauges.

Collector registers its metrics via promauto on construction; callers should
construct exactly one Collector per process namespace.
*/
package metrics
