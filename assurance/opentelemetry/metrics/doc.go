// Package metrics provides a thread-safe OpenTelemetry metrics factory with
// lazy instrument creation and fluent builders, plus the pre-configured
// metric catalog for the assurance engine.
package metrics
