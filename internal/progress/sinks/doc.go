// Package sinks implements concrete job event consumers such as Prometheus,
// a message broker publisher, and structured logging. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
