// Package sinks implements progress consumers for structured logging,
// Prometheus and the session repository. Each satisfies progress.Sink.
package sinks
