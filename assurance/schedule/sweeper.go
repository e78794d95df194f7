// Package schedule hosts the deadline sweeper, the worker that turns passed
// due dates into engine state. Each pass walks every tenant and applies the
// deadlines that have come due: overdue obligations are marked breached and
// contracts past their expiry are marked defaulted. Passes are paced by a
// cron expression or a fixed interval, and a per-tenant sweep lock keeps
// concurrent sweepers from working the same tenant twice.
package schedule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/cron"
	"github.com/LerianStudio/lib-assurance/assurance/engine"
	"github.com/LerianStudio/lib-assurance/assurance/lock"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/runtime"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

var (
	// ErrEngineRequired is returned when NewSweeper is given a nil engine.
	ErrEngineRequired = errors.New("sweeper engine is required")
	// ErrStoreRequired is returned when NewSweeper is given a nil store.
	ErrStoreRequired = errors.New("sweeper store is required")
	// ErrSweeperRequired is returned when a run method is called on a sweeper
	// that was not built through NewSweeper.
	ErrSweeperRequired = errors.New("sweeper is required")
	// ErrSweeperRunning is returned when RunContext is called while another
	// run is active.
	ErrSweeperRunning = errors.New("sweeper is already running")
)

// Sweeper periodically converts passed deadlines into engine state. Both mark
// operations it drives are idempotent, so overlapping passes and retries after
// partial failures are safe.
type Sweeper struct {
	engine  *engine.Engine
	store   store.Store
	locker  lock.Locker
	logger  log.Logger
	tracer  trace.Tracer
	metrics *metrics.MetricsFactory
	clock   func() time.Time
	sched   cron.Schedule
	cfg     Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	sweepWg    sync.WaitGroup
}

var _ assurance.App = (*Sweeper)(nil)

// Result captures one sweep pass outcome. Failed counts scans and marks that
// returned an error; those deadlines are retried on the next pass.
type Result struct {
	Tenants             int
	ObligationsBreached int
	ContractsDefaulted  int
	Skipped             int
	Failed              int
}

func (r Result) add(other Result) Result {
	return Result{
		Tenants:             r.Tenants + other.Tenants,
		ObligationsBreached: r.ObligationsBreached + other.ObligationsBreached,
		ContractsDefaulted:  r.ContractsDefaulted + other.ContractsDefaulted,
		Skipped:             r.Skipped + other.Skipped,
		Failed:              r.Failed + other.Failed,
	}
}

// NewSweeper creates a deadline sweeper driving the given engine. The store
// is the scan surface and should be the same one the engine writes to.
func NewSweeper(
	eng *engine.Engine,
	st store.Store,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Sweeper, error) {
	if eng == nil {
		return nil, ErrEngineRequired
	}

	if st == nil {
		return nil, ErrStoreRequired
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("assurance.noop")
	}

	if logger == nil {
		logger = log.NewNop()
	}

	sweeper := &Sweeper{
		engine:  eng,
		store:   st,
		locker:  lock.NewMutexLocker(),
		logger:  logger,
		tracer:  tracer,
		metrics: metrics.NewNopFactory(),
		clock:   func() time.Time { return time.Now().UTC() },
		cfg:     DefaultConfig(),
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	sweeper.cfg.normalize()

	if sweeper.cfg.Schedule != "" {
		sched, err := cron.Parse(sweeper.cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("sweep schedule: %w", err)
		}

		sweeper.sched = sched
	}

	return sweeper, nil
}

// Run starts the sweep loop until Stop is called.
func (sweeper *Sweeper) Run(launcher *assurance.Launcher) error {
	return sweeper.RunContext(context.Background(), launcher)
}

// RunContext starts the sweep loop until Stop is called or ctx ends. The
// first pass runs immediately so deadlines missed while the process was down
// are applied at boot.
func (sweeper *Sweeper) RunContext(parentCtx context.Context, launcher *assurance.Launcher) error {
	if sweeper == nil || sweeper.engine == nil || sweeper.store == nil {
		return ErrSweeperRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !sweeper.registerRun(cancel) {
		cancel()

		return ErrSweeperRunning
	}

	defer sweeper.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(context.Background(), log.LevelInfo, "deadline sweeper started")
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "deadline sweeper stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, sweeper.logger, "schedule.sweeper_run")

	sweeper.runPass(ctx, "schedule.sweeper.initial_pass")

	timer := time.NewTimer(sweeper.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-sweeper.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
			select {
			case <-sweeper.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			sweeper.runPass(ctx, "schedule.sweeper.pass")
			timer.Reset(sweeper.nextWait())
		}
	}
}

func (sweeper *Sweeper) runPass(ctx context.Context, spanName string) {
	sweeper.sweepWg.Add(1)
	defer sweeper.sweepWg.Done()

	passCtx, span := sweeper.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLogWithContext(passCtx, sweeper.logger, "schedule.sweeper_pass")

	sweeper.Sweep(passCtx)
}

// nextWait returns the pause before the next pass: the gap to the next cron
// firing when a schedule is set, the fixed interval otherwise.
func (sweeper *Sweeper) nextWait() time.Duration {
	if sweeper.sched == nil {
		return sweeper.cfg.Interval
	}

	now := sweeper.clock()

	next, err := sweeper.sched.Next(now)
	if err != nil {
		return sweeper.cfg.Interval
	}

	return next.Sub(now)
}

// Stop signals the sweep loop to stop.
func (sweeper *Sweeper) Stop() {
	if sweeper == nil {
		return
	}

	sweeper.stopOnce.Do(func() {
		sweeper.runStateMu.Lock()
		cancel := sweeper.cancelFunc
		stop := sweeper.stop

		if stop == nil {
			stop = make(chan struct{})
			sweeper.stop = stop
		}
		sweeper.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight pass to finish.
func (sweeper *Sweeper) Shutdown(ctx context.Context) error {
	if sweeper == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	sweeper.Stop()

	done := make(chan struct{})

	runtime.SafeGo(sweeper.logger, "schedule.sweeper_shutdown_wait", func() {
		sweeper.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper shutdown: %w", ctx.Err())
	}
}

// Sweep walks every tenant once and applies passed deadlines. Tenant sweeps
// stay sequential so one pass puts a bounded, predictable load on the store.
func (sweeper *Sweeper) Sweep(ctx context.Context) Result {
	var total Result

	if sweeper == nil || sweeper.engine == nil || sweeper.store == nil {
		return total
	}

	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()

	ctx, span := sweeper.tracer.Start(ctx, "schedule.sweep")
	defer span.End()
	defer sweeper.recordDuration(ctx, started)

	tenants, err := sweeper.store.ListTenants(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list tenants", err)
		sweeper.logger.Log(ctx, log.LevelError, "failed to list sweep tenants", log.Err(err))
		total.Failed++

		return total
	}

	asOf := sweeper.clock().Add(-sweeper.cfg.GracePeriod)

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}

		tenantCtx, tenantSpan := sweeper.tracer.Start(ctx, "schedule.sweep.tenant")
		result := sweeper.sweepTenant(tenantCtx, tenantID, asOf)
		// Correlate without exposing raw tenant identifiers.
		tenantSpan.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("sweep.obligations_breached", result.ObligationsBreached),
			attribute.Int("sweep.contracts_defaulted", result.ContractsDefaulted),
			attribute.Int("sweep.failed", result.Failed),
		)
		tenantSpan.End()

		total = total.add(result)
	}

	return total
}

// SweepTenant applies passed deadlines for one tenant, using the configured
// grace period against the sweeper clock.
func (sweeper *Sweeper) SweepTenant(ctx context.Context, tenantID uuid.UUID) Result {
	if sweeper == nil || sweeper.engine == nil || sweeper.store == nil {
		return Result{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return sweeper.sweepTenant(ctx, tenantID, sweeper.clock().Add(-sweeper.cfg.GracePeriod))
}

// sweepTenant scans one tenant under its sweep lock. A lock that cannot be
// acquired within the locker's window means another sweeper is already
// working the tenant, so this pass skips it instead of piling up behind it.
func (sweeper *Sweeper) sweepTenant(ctx context.Context, tenantID uuid.UUID, asOf time.Time) Result {
	var result Result

	err := sweeper.locker.WithLock(ctx, lock.SweepKey(tenantID), func(ctx context.Context) error {
		result = sweeper.sweepTenantLocked(ctx, tenantID, asOf)

		return nil
	})
	if err != nil {
		if assurance.IsCode(err, assurance.ErrorConcurrencyConflict) {
			sweeper.logger.Log(ctx, log.LevelInfo, "tenant sweep already in flight, skipping",
				log.String("tenant_id", tenantID.String()),
			)
			result.Skipped++

			return result
		}

		sweeper.logger.Log(ctx, log.LevelError, "tenant sweep failed",
			log.String("tenant_id", tenantID.String()),
			log.Err(err),
		)
		result.Failed++

		return result
	}

	result.Tenants++

	return result
}

// sweepTenantLocked runs both deadline scans for one tenant. Due obligations
// go first so their breach lands before a contract-level default cascades
// over whatever remains open. Individual failures are logged and counted but
// never abort the pass.
func (sweeper *Sweeper) sweepTenantLocked(ctx context.Context, tenantID uuid.UUID, asOf time.Time) Result {
	var result Result

	due, err := sweeper.store.ListDueObligations(ctx, tenantID, asOf, sweeper.cfg.BatchSize)
	if err != nil {
		sweeper.logger.Log(ctx, log.LevelError, "failed to list due obligations",
			log.String("tenant_id", tenantID.String()),
			log.Err(err),
		)
		result.Failed++
	}

	for _, o := range due {
		if ctx.Err() != nil {
			return result
		}

		if _, err := sweeper.engine.MarkObligationBreached(ctx, tenantID, o.ID); err != nil {
			sweeper.logger.Log(ctx, log.LevelWarn, "sweep breach mark failed",
				log.String("tenant_id", tenantID.String()),
				log.String("obligation_id", o.ID.String()),
				log.Err(err),
			)
			result.Failed++

			continue
		}

		result.ObligationsBreached++
	}

	expired, err := sweeper.store.ListExpiredContracts(ctx, tenantID, asOf, sweeper.cfg.BatchSize)
	if err != nil {
		sweeper.logger.Log(ctx, log.LevelError, "failed to list expired contracts",
			log.String("tenant_id", tenantID.String()),
			log.Err(err),
		)
		result.Failed++
	}

	for _, c := range expired {
		if ctx.Err() != nil {
			return result
		}

		if _, err := sweeper.engine.MarkContractDefaulted(ctx, tenantID, c.ID); err != nil {
			sweeper.logger.Log(ctx, log.LevelWarn, "sweep default mark failed",
				log.String("tenant_id", tenantID.String()),
				log.String("contract_id", c.ID.String()),
				log.Err(err),
			)
			result.Failed++

			continue
		}

		result.ContractsDefaulted++
	}

	return result
}

func (sweeper *Sweeper) recordDuration(ctx context.Context, started time.Time) {
	histogram, err := sweeper.metrics.Histogram(metrics.MetricSweepDuration)
	if err != nil {
		return
	}

	_ = histogram.Record(ctx, time.Since(started).Milliseconds())
}

func (sweeper *Sweeper) registerRun(cancel context.CancelFunc) bool {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	if sweeper.running {
		return false
	}

	if sweeper.stop == nil || isClosedSignal(sweeper.stop) {
		sweeper.stop = make(chan struct{})
		sweeper.stopOnce = sync.Once{}
	}

	sweeper.running = true
	sweeper.cancelFunc = cancel

	return true
}

func (sweeper *Sweeper) clearRun() {
	sweeper.runStateMu.Lock()
	defer sweeper.runStateMu.Unlock()

	sweeper.running = false
	sweeper.cancelFunc = nil
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
