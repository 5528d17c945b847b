// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that download and search jobs use to report milestones.
// It batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, structured logs, or a message broker.
package progress
