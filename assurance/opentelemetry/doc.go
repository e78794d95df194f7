// Package opentelemetry wires tracer, meter, and logger providers for the
// assurance engine and carries the span / queue-propagation helpers used by
// every operation and broker adapter.
package opentelemetry
