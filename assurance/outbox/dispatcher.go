package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/backoff"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/runtime"
)

// Dispatcher publishes outbox events through registered handlers. Delivery
// is at-least-once: publish happens before MarkPublished, so consumers must
// stay idempotent.
type Dispatcher struct {
	repo            Repository
	handlers        *HandlerRegistry
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	metrics         *metrics.MetricsFactory
	cfg             DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
	tenantTurn int
}

var _ assurance.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
}

func (r DispatchResult) add(other DispatchResult) DispatchResult {
	return DispatchResult{
		Processed:         r.Processed + other.Processed,
		Published:         r.Published + other.Published,
		Failed:            r.Failed + other.Failed,
		StateUpdateFailed: r.StateUpdateFailed + other.StateUpdateFailed,
	}
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("assurance.noop")
	}

	if logger == nil {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics.NewNopFactory(),
		cfg:      DefaultDispatcherConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called.
func (dispatcher *Dispatcher) Run(launcher *assurance.Launcher) error {
	return dispatcher.RunContext(context.Background(), launcher)
}

// RunContext starts the dispatcher loop until Stop is called or ctx ends.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context, launcher *assurance.Launcher) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox.dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.runCycle(ctx, "outbox.dispatcher.initial_dispatch")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.runCycle(ctx, "outbox.dispatcher.dispatch_cycle")
		}
	}
}

func (dispatcher *Dispatcher) runCycle(ctx context.Context, spanName string) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	cycleCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(cycleCtx, dispatcher.logger, "outbox.dispatcher_cycle")

	dispatcher.dispatchAcrossTenants(cycleCtx)
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop

		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// dispatchAcrossTenants keeps tenant dispatch sequential for per-cycle
// predictability, rotating the starting tenant between cycles so a
// consistently slow tenant cannot starve the rest.
func (dispatcher *Dispatcher) dispatchAcrossTenants(ctx context.Context) DispatchResult {
	var total DispatchResult

	if ctx.Err() != nil {
		return total
	}

	logger, tracer, _, _ := assurance.NewTrackingFromContext(ctx)
	if _, isNop := logger.(*log.NopLogger); isNop {
		logger = dispatcher.logger
	}

	ctx, span := tracer.Start(ctx, "outbox.dispatcher.tenants")
	defer span.End()

	tenants, err := dispatcher.repo.ListTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list tenants", err)
		logger.Log(ctx, log.LevelError, "failed to list outbox tenants", log.Err(err))

		return total
	}

	for _, tenantID := range dispatcher.tenantDispatchOrder(tenants) {
		if ctx.Err() != nil {
			break
		}

		tenantCtx, tenantSpan := tracer.Start(ctx, "outbox.dispatcher.tenant")
		result := dispatcher.DispatchOnce(tenantCtx, tenantID)
		// Correlate without exposing raw tenant identifiers.
		tenantSpan.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("outbox.dispatch.processed", result.Processed),
			attribute.Int("outbox.dispatch.published", result.Published),
			attribute.Int("outbox.dispatch.failed", result.Failed),
		)
		tenantSpan.End()

		total = total.add(result)
	}

	return total
}

func (dispatcher *Dispatcher) tenantDispatchOrder(tenants []uuid.UUID) []uuid.UUID {
	if len(tenants) <= 1 {
		return append([]uuid.UUID(nil), tenants...)
	}

	dispatcher.runStateMu.Lock()
	start := dispatcher.tenantTurn % len(tenants)
	dispatcher.tenantTurn = (dispatcher.tenantTurn + 1) % len(tenants)
	dispatcher.runStateMu.Unlock()

	ordered := make([]uuid.UUID, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)

	return ordered
}

// DispatchOnce processes one tenant-scoped dispatch cycle.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context, tenantID uuid.UUID) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger := dispatcher.logger

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	events := dispatcher.collectEvents(ctx, span, tenantID)
	dispatcher.recordBatchSize(ctx, len(events))

	var result DispatchResult

	// At-least-once: publish precedes MarkPublished. When persisting the
	// PUBLISHED state fails the event will be reclaimed and redelivered.
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		result.Processed++

		if err := dispatcher.publishEventWithRetry(ctx, event); err != nil {
			dispatcher.handlePublishError(ctx, logger, event, err)

			result.Failed++

			continue
		}

		result.Published++

		if err := dispatcher.repo.MarkPublished(ctx, tenantID, event.ID, time.Now().UTC()); err != nil {
			logger.Log(
				ctx,
				log.LevelError,
				"outbox event published but PUBLISHED state not persisted; event may be redelivered",
				log.String("event_id", event.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)),
			)

			result.StateUpdateFailed++
		}
	}

	dispatcher.addCounter(ctx, metrics.MetricOutboxPublished, int64(result.Published))
	dispatcher.addCounter(ctx, metrics.MetricOutboxFailed, int64(result.Failed))

	return result
}

// collectEvents gathers one tenant batch: stuck PROCESSING reclaims first,
// then FAILED retries past their window, then PENDING in creation order.
// The total is bounded by BatchSize.
func (dispatcher *Dispatcher) collectEvents(ctx context.Context, span trace.Span, tenantID uuid.UUID) []*Event {
	logger := dispatcher.logger
	now := time.Now().UTC()
	failedBefore := now.Add(-dispatcher.cfg.RetryWindow)
	processingBefore := now.Add(-dispatcher.cfg.ProcessingTimeout)

	stuck, err := dispatcher.repo.ResetStuckProcessing(
		ctx,
		tenantID,
		dispatcher.cfg.BatchSize,
		processingBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to reset stuck events", err)
		logger.Log(ctx, log.LevelError, "failed to reset stuck outbox events", log.Err(err))
	}

	collected := len(stuck)

	failedLimit := min(dispatcher.cfg.BatchSize-collected, dispatcher.cfg.MaxFailedPerBatch)
	if failedLimit <= 0 {
		return deduplicateEvents(stuck)
	}

	failed, err := dispatcher.repo.ResetForRetry(
		ctx,
		tenantID,
		failedLimit,
		failedBefore,
		dispatcher.cfg.MaxDispatchAttempts,
	)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to reset failed events for retry", err)
		logger.Log(ctx, log.LevelError, "failed to reset failed outbox events", log.Err(err))
	}

	collected += len(failed)

	remaining := dispatcher.cfg.BatchSize - collected
	if remaining <= 0 {
		return deduplicateEvents(append(stuck, failed...))
	}

	pending, err := dispatcher.repo.ListPending(ctx, tenantID, remaining)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list pending events", err)
		logger.Log(ctx, log.LevelError, "failed to list pending outbox events", log.Err(err))

		return deduplicateEvents(append(stuck, failed...))
	}

	all := make([]*Event, 0, collected+len(pending))
	all = append(all, stuck...)
	all = append(all, failed...)
	all = append(all, pending...)

	return deduplicateEvents(all)
}

func deduplicateEvents(events []*Event) []*Event {
	if len(events) == 0 {
		return events
	}

	seen := make(map[uuid.UUID]bool, len(events))
	result := make([]*Event, 0, len(events))

	for _, event := range events {
		if event == nil || seen[event.ID] {
			continue
		}

		seen[event.ID] = true
		result = append(result, event)
	}

	return result
}

func (dispatcher *Dispatcher) publishEventWithRetry(ctx context.Context, event *Event) error {
	var lastErr error

	for attempt := 0; attempt < dispatcher.cfg.PublishMaxAttempts; attempt++ {
		err := dispatcher.publishEvent(ctx, event)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, dispatcher.cfg.PublishMaxAttempts, err)
		if dispatcher.isNonRetryableError(err) || attempt == dispatcher.cfg.PublishMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)
			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventRequired
	}

	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	return dispatcher.handlers.Handle(ctx, event)
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, logger log.Logger, event *Event, err error) {
	if dispatcher.isNonRetryableError(err) {
		if markErr := dispatcher.repo.MarkInvalid(ctx, event.TenantID, event.ID, sanitizeErrorForStorage(err)); markErr != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox event invalid", log.String("error", sanitizeErrorForStorage(markErr)))
		}

		return
	}

	if markErr := dispatcher.repo.MarkFailed(ctx, event.TenantID, event.ID, sanitizeErrorForStorage(err), dispatcher.cfg.MaxDispatchAttempts); markErr != nil {
		logger.Log(ctx, log.LevelError, "failed to mark outbox event failed", log.String("error", sanitizeErrorForStorage(markErr)))
	}
}

func (dispatcher *Dispatcher) isNonRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if defaultNonRetryable(err) {
		return true
	}

	if dispatcher.retryClassifier == nil {
		return false
	}

	return dispatcher.retryClassifier.IsNonRetryable(err)
}

func (dispatcher *Dispatcher) addCounter(ctx context.Context, m metrics.Metric, value int64) {
	if value <= 0 {
		return
	}

	counter, err := dispatcher.metrics.Counter(m)
	if err != nil {
		return
	}

	_ = counter.Add(ctx, value)
}

func (dispatcher *Dispatcher) recordBatchSize(ctx context.Context, size int) {
	histogram, err := dispatcher.metrics.Histogram(metrics.MetricOutboxBatchSize)
	if err != nil {
		return
	}

	_ = histogram.Record(ctx, int64(size))
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func hashTenantID(tenantID uuid.UUID) string {
	sum := sha256.Sum256([]byte(tenantID.String()))

	return hex.EncodeToString(sum[:8])
}
