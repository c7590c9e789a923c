// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, websocket observers, Pub/Sub fan-out, and the result archiver
// that snapshots a run's results to blob storage when it ends.
package sinks
