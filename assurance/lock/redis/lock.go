// Package redis provides a redsync-backed Locker for multi-instance
// deployments, using the RedLock algorithm over go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	libRedis "github.com/redis/go-redis/v9"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/assert"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
)

const (
	maxLockTries = 1000
)

var (
	// ErrNilClient is returned when a nil redis client is provided.
	ErrNilClient = errors.New("redis client is nil")
	// ErrNilLockManager is returned when a method is called on a nil Manager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrLockNotInitialized is returned when the manager's redsync is not initialized.
	ErrLockNotInitialized = errors.New("distributed lock is not initialized")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockExpiryInvalid is returned when lock expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockTriesInvalid is returned when lock tries is less than 1.
	ErrLockTriesInvalid = errors.New("lock tries must be at least 1")
	// ErrLockTriesExceeded is returned when lock tries exceeds the maximum.
	ErrLockTriesExceeded = errors.New("lock tries exceeds maximum")
	// ErrLockRetryDelayNegative is returned when retry delay is negative.
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
	// ErrNilLockHandle is returned when a nil or uninitialized lock handle is used.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock is called on a lock that was not held or already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
)

// LockOptions configures lock behavior.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring.
	// Default: 10 seconds.
	Expiry time.Duration

	// Tries is the number of acquisition attempts before giving up.
	// Default: 3, maximum: 1000.
	Tries int

	// RetryDelay is the delay between attempts. Default: 500ms.
	RetryDelay time.Duration

	// DriftFactor accounts for clock drift across instances. Default: 0.01.
	DriftFactor float64
}

// DefaultLockOptions returns defaults tuned for atomic units that complete
// within seconds.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// SweepLockOptions returns defaults for sweep single-flighting: one attempt,
// long expiry, so concurrent sweepers skip instead of queueing.
func SweepLockOptions() LockOptions {
	return LockOptions{
		Expiry:      5 * time.Minute,
		Tries:       1,
		RetryDelay:  0,
		DriftFactor: 0.01,
	}
}

// LockHandle represents a held lock that the caller releases explicitly.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// lockHandle wraps a redsync.Mutex to implement LockHandle.
type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")
		return ErrLockNotHeld
	}

	return nil
}

// Manager serializes critical sections across instances. It satisfies
// lock.Locker: acquisition failures surface as retryable concurrency
// conflicts, and fn errors pass through unchanged.
//
// Thread-safe.
type Manager struct {
	redsync *redsync.Redsync
}

// NewManager builds a lock manager on the given client.
func NewManager(client libRedis.UniversalClient) (*Manager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &Manager{
		redsync: redsync.New(goredis.NewPool(client)),
	}, nil
}

// nilManagerAssert fires a nil-receiver assertion and returns an error.
func nilManagerAssert(ctx context.Context, operation string) error {
	a := assert.New(ctx, nil, "lockredis.Manager", operation)
	_ = a.Never(ctx, "nil receiver on *lockredis.Manager")

	return ErrNilLockManager
}

// WithLock runs fn while holding the distributed lock, with default options.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if m == nil {
		return nilManagerAssert(ctx, "WithLock")
	}

	return m.WithLockOptions(ctx, key, DefaultLockOptions(), fn)
}

// WithLockOptions runs fn while holding the distributed lock. The lock is
// released when fn returns, even on panic.
func (m *Manager) WithLockOptions(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) error {
	if m == nil {
		return nilManagerAssert(ctx, "WithLockOptions")
	}

	if m.redsync == nil {
		return ErrLockNotInitialized
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _, _ := assurance.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(key)

	ctx, span := tracer.Start(ctx, "lock.redis.with_lock")
	defer span.End()

	mutex := m.redsync.NewMutex(
		key,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to acquire lock", log.String("lock_key", safeKey), log.Err(err))
		opentelemetry.HandleSpanError(&span, "Failed to acquire lock", err)

		return assurance.NewConcurrencyConflictError("lock", fmt.Errorf("acquire %s: %w", safeKey, err))
	}

	logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock", log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(&span, "Locked section failed", err)

		return err
	}

	return nil
}

// TryLock attempts a single acquisition. It returns (handle, true, nil) on
// success and (nil, false, nil) when the lock is busy; only unexpected
// failures return an error.
func (m *Manager) TryLock(ctx context.Context, key string) (LockHandle, bool, error) {
	if m == nil {
		return nil, false, nilManagerAssert(ctx, "TryLock")
	}

	if m.redsync == nil {
		return nil, false, ErrLockNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyLockKey
	}

	logger, tracer, _, _ := assurance.NewTrackingFromContext(ctx)
	safeKey := safeLockKeyForLogs(key)

	ctx, span := tracer.Start(ctx, "lock.redis.try_lock")
	defer span.End()

	opts := DefaultLockOptions()

	mutex := m.redsync.NewMutex(
		key,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock already held", log.String("lock_key", safeKey))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(&span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("try lock %s: %w", safeKey, err)
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

// isLockContention distinguishes an already-held lock from real failures.
// redsync reports contention through ErrFailed and taken-node errors.
func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func validateLockOptions(opts LockOptions) error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 {
		return ErrLockTriesInvalid
	}

	if opts.Tries > maxLockTries {
		return ErrLockTriesExceeded
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	return nil
}

func safeLockKeyForLogs(key string) string {
	const maxLockKeyLogLength = 128

	safeKey := strconv.QuoteToASCII(key)
	if len(safeKey) <= maxLockKeyLogLength {
		return safeKey
	}

	return safeKey[:maxLockKeyLogLength] + "...(truncated)"
}
