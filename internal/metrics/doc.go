// Package metrics exposes Prometheus collectors for run execution, queue
// depth, and the HTTP API. It implements workflow.Metrics so the executor
// reports through it without importing Prometheus types.
package metrics
