// Package log defines the structured logging contract used across the
// assurance engine. It is adapter-agnostic: production code depends on the
// Logger interface and typed Field constructors only, while concrete sinks
// (zap, no-op) live in sibling packages.
package log
