// Package engine orchestrates the assurance-ledger write path: contract
// lifecycle, obligation progress, milestone evaluation and release, secured
// balance postings, and claim handling.
//
// Every operation follows the same shape: resolve the lock scope from
// committed state, acquire the contract (and, for postings, account) lock,
// open one store transaction, re-read the entities it mutates, apply the
// domain transition, persist the results, and append the outbox events that
// announce them. Nothing escapes a failed transaction, including events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/lock"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

var (
	// ErrStoreRequired is returned by New when no store is supplied.
	ErrStoreRequired = errors.New("engine: store is required")
	// ErrNilEngine is returned when operations are invoked on a nil engine.
	ErrNilEngine = errors.New("engine: nil engine")
)

// Engine coordinates domain transitions against a store under lock
// discipline. It is safe for concurrent use.
type Engine struct {
	store    store.Store
	locker   lock.Locker
	registry subject.Registry
	strategy contract.Strategy
	logger   log.Logger
	metrics  *metrics.MetricsFactory
	now      func() time.Time
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLocker replaces the default in-process mutex locker. Multi-instance
// deployments supply a distributed locker here.
func WithLocker(locker lock.Locker) Option {
	return func(e *Engine) {
		if locker != nil {
			e.locker = locker
		}
	}
}

// WithRegistry replaces the default allow-all subject registry.
func WithRegistry(registry subject.Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

// WithThresholdStrategy sets the tally convention for threshold milestones.
func WithThresholdStrategy(strategy contract.Strategy) Option {
	return func(e *Engine) {
		if strategy != "" {
			e.strategy = strategy
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsFactory sets the metrics factory for operation counters.
func WithMetricsFactory(factory *metrics.MetricsFactory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.metrics = factory
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// New builds an engine over the given store. Defaults: in-process mutex
// locker, allow-all registry, weight-sum threshold strategy, nop logger,
// nop metrics, UTC wall clock.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, ErrStoreRequired
	}

	e := &Engine{
		store:    st,
		locker:   lock.NewMutexLocker(),
		registry: subject.AllowAllRegistry{},
		strategy: contract.StrategyWeightSum,
		logger:   log.NewNop(),
		metrics:  metrics.NewNopFactory(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// tracking resolves the request-scoped logger and tracer, falling back to
// the engine logger when the context carries none.
func (e *Engine) tracking(ctx context.Context) (log.Logger, trace.Tracer) {
	logger, tracer, _, _ := assurance.NewTrackingFromContext(ctx)
	if _, isNop := logger.(*log.NopLogger); isNop {
		logger = e.logger
	}

	return logger, tracer
}

func (e *Engine) guard() error {
	if e == nil || e.store == nil {
		return ErrNilEngine
	}

	return nil
}

// failSpan records err on the span and the log, then returns it unchanged.
func failSpan(ctx context.Context, span trace.Span, logger log.Logger, msg string, err error) error {
	opentelemetry.HandleSpanError(&span, msg, err)
	logger.Log(ctx, log.LevelError, msg, log.Err(err))

	return err
}

func (e *Engine) addCounter(ctx context.Context, m metrics.Metric, value int64) {
	if value <= 0 {
		return
	}

	counter, err := e.metrics.Counter(m)
	if err != nil {
		return
	}

	_ = counter.Add(ctx, value)
}

// inContractTx serializes the contract aggregate and runs fn in one store
// transaction. All writes touching a contract's entities go through here.
func (e *Engine) inContractTx(ctx context.Context, tenantID, contractID uuid.UUID, fn func(ctx context.Context, tx store.Tx) error) error {
	return e.locker.WithLock(ctx, lock.ContractKey(tenantID, contractID), func(ctx context.Context) error {
		return e.store.ExecTx(ctx, tenantID, fn)
	})
}

// inPostingTx serializes a balance posting. Contract-bound accounts take the
// contract lock first, then the account lock; standalone accounts take only
// the account lock. The ordering is fixed so postings and contract lifecycle
// operations can never deadlock each other.
func (e *Engine) inPostingTx(ctx context.Context, tenantID uuid.UUID, contractID *uuid.UUID, accountID uuid.UUID, fn func(ctx context.Context, tx store.Tx) error) error {
	inAccountLock := func(ctx context.Context) error {
		return e.locker.WithLock(ctx, lock.AccountKey(tenantID, accountID), func(ctx context.Context) error {
			return e.store.ExecTx(ctx, tenantID, fn)
		})
	}

	if contractID == nil {
		return inAccountLock(ctx)
	}

	return e.locker.WithLock(ctx, lock.ContractKey(tenantID, *contractID), inAccountLock)
}

// appendEvent snapshots payload as the outbox event body and appends it to
// the transaction, so the event commits or rolls back with the state change.
func appendEvent(ctx context.Context, tx store.Tx, tenantID uuid.UUID, eventType, aggregateType string, aggregateID uuid.UUID, payload any, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	event, err := outbox.NewEvent(ctx, tenantID, eventType, aggregateType, aggregateID, body, now)
	if err != nil {
		return err
	}

	return tx.AppendOutboxEvent(ctx, event)
}

// resolveSubjects screens the non-nil refs through the registry. Unresolved
// refs reject the operation before any state is written.
func (e *Engine) resolveSubjects(ctx context.Context, tenantID uuid.UUID, refs ...*subject.Ref) error {
	for _, ref := range refs {
		if ref == nil {
			continue
		}

		if err := e.registry.Resolve(ctx, tenantID, *ref); err != nil {
			return err
		}
	}

	return nil
}
