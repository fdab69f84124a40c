// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that the dispatcher and transport use to report capture
// activity. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as Prometheus metrics or structured logging.
package progress
