// Package zap provides the production log.Logger implementation backed by
// uber-go/zap, with automatic trace correlation and an OpenTelemetry log
// bridge wired into the core.
package zap
