// Package runtime provides panic recovery helpers for long-lived goroutines
// (outbox dispatchers, deadline sweepers) with logging, metrics, span events,
// and optional external error reporting.
package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"runtime/debug"

	"github.com/LerianStudio/lib-assurance/assurance/log"
)

// Logger is the minimal logging interface required by recovery helpers.
// This interface is satisfied by assurance/log.Logger.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// Policy controls what happens to the goroutine after a recovered panic.
type Policy int

const (
	// KeepRunning logs and records the panic, then lets the goroutine exit
	// normally. Supervisors that restart workers rely on this policy.
	KeepRunning Policy = iota
	// Crash re-panics after logging so the process supervisor restarts the
	// whole process. Use for states where continuing would corrupt data.
	Crash
)

// HandlePanicValue converts an arbitrary panic value to a printable string.
func HandlePanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	switch val := value.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", value)
	}
}

// logPanicWithStack logs a recovered panic with its stack trace.
// In production mode the stack is suppressed.
func logPanicWithStack(logger Logger, goroutineName string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("goroutine", goroutineName),
		log.String("panic", HandlePanicValue(panicValue)),
	}

	if len(stack) > 0 && !IsProductionMode() {
		fields = append(fields, log.String("stack", string(stack)))
	}

	logger.Log(context.Background(), log.LevelError, "panic recovered", fields...)
}

// RecoverAndLog recovers from a panic, logs it, and swallows it.
// Use as `defer runtime.RecoverAndLog(logger, "worker-name")`.
func RecoverAndLog(logger Logger, goroutineName string) {
	if r := recover(); r != nil {
		handleRecovered(context.Background(), logger, "", goroutineName, r, KeepRunning)
	}
}

// RecoverAndLogWithContext is RecoverAndLog with trace correlation from ctx.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, goroutineName string) {
	if r := recover(); r != nil {
		handleRecovered(ctx, logger, "", goroutineName, r, KeepRunning)
	}
}

// RecoverAndCrash recovers from a panic, logs it, then re-panics.
func RecoverAndCrash(logger Logger, goroutineName string) {
	if r := recover(); r != nil {
		handleRecovered(context.Background(), logger, "", goroutineName, r, Crash)
	}
}

// RecoverWithPolicy recovers from a panic and applies the given policy.
func RecoverWithPolicy(logger Logger, goroutineName string, policy Policy) {
	if r := recover(); r != nil {
		handleRecovered(context.Background(), logger, "", goroutineName, r, policy)
	}
}

// RecoverWithPolicyAndContext is RecoverWithPolicy with trace correlation from ctx.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, goroutineName string, policy Policy) {
	if r := recover(); r != nil {
		handleRecovered(ctx, logger, "", goroutineName, r, policy)
	}
}

// SafeGo starts fn in a goroutine protected by panic recovery.
func SafeGo(logger Logger, goroutineName string, fn func()) {
	go func() {
		defer RecoverAndLog(logger, goroutineName)

		fn()
	}()
}

// SafeGoWithContextAndComponent starts fn in a goroutine protected by panic
// recovery, with component labeling for metrics and span correlation from ctx.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, goroutineName string,
	policy Policy,
	fn func(ctx context.Context),
) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handleRecovered(ctx, logger, component, goroutineName, r, policy)
			}
		}()

		fn(ctx)
	}()
}

// handleRecovered centralizes post-recovery handling: log, metric, span event,
// external report, then apply the policy.
func handleRecovered(ctx context.Context, logger Logger, component, goroutineName string, panicValue any, policy Policy) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()

	logPanicWithStack(logger, goroutineName, panicValue, stack)
	recordPanicMetric(ctx, component, goroutineName)
	recordPanicToSpan(ctx, component, goroutineName, panicValue, stack)
	reportPanicToErrorService(ctx, panicValue, stack, component, goroutineName)

	if policy == Crash {
		panic(panicValue)
	}
}

// Goexit aborts the current goroutine without taking the process down.
// Deferred functions still run.
func Goexit() {
	goruntime.Goexit()
}
