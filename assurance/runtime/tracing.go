package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is the sentinel error recorded on spans for recovered panics.
var ErrPanic = errors.New("panic recovered")

// PanicSpanEventName is the event name used when recording panics on spans.
const PanicSpanEventName = "panic.recovered"

// recordPanicToSpan records a recovered panic on the active span, if any.
// Stack traces are attached only outside production mode.
func recordPanicToSpan(ctx context.Context, component, goroutineName string, panicValue any, stack []byte) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.value", HandlePanicValue(panicValue)),
	}

	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
	}

	if goroutineName != "" {
		attrs = append(attrs, attribute.String("panic.goroutine", goroutineName))
	}

	if len(stack) > 0 && !IsProductionMode() {
		attrs = append(attrs, attribute.String("panic.stack", string(stack)))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, HandlePanicValue(panicValue)))
	span.SetStatus(codes.Error, panicStatusMessage(component, goroutineName))
}

func panicStatusMessage(component, goroutineName string) string {
	switch {
	case component != "" && goroutineName != "":
		return fmt.Sprintf("panic in %s/%s", component, goroutineName)
	case component != "":
		return "panic in " + component
	case goroutineName != "":
		return "panic in " + goroutineName
	default:
		return "panic recovered"
	}
}
