// Package assurance provides the shared primitives of the assurance-ledger
// engine: the typed business error taxonomy, context-carried tracking
// components (logger, tracer, correlation id, metric factory), and the
// App/Launcher lifecycle used by background workers.
//
// Typical usage at the boundary that invokes the engine:
//
//	ctx = assurance.ContextWithLogger(ctx, logger)
//	ctx = assurance.ContextWithTracer(ctx, tracer)
//	ctx = assurance.ContextWithHeaderID(ctx, requestID)
//
// This package is intentionally dependency-light; domain logic lives in the
// contract, ledger, claim, and engine subpackages, and infrastructure
// integrations live in store, outbox, lock, and schedule.
package assurance
