// Package progress defines the run events the engine broadcasts and the
// non-blocking hub that fans them out to sinks such as structured logs,
// Prometheus, websocket observers, Pub/Sub, and the result archiver.
package progress
