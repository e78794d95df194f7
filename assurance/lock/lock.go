// Package lock defines the serialization port the engine runs its atomic
// units under, plus an in-process implementation for single-instance
// deployments. Multi-instance deployments use the redsync-backed manager in
// the redis subpackage.
//
// Lock hierarchy: contract before account, never the reverse.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
)

var (
	// ErrNilLocker is returned when a method is called on a nil locker.
	ErrNilLocker = errors.New("locker is nil")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
)

// Locker serializes critical sections by key. Acquisition failure surfaces
// a retryable concurrency conflict; fn errors pass through unchanged.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// ContractKey builds the lock key serializing evaluation and lifecycle work
// for one contract.
func ContractKey(tenantID, contractID uuid.UUID) string {
	return fmt.Sprintf("assurance:contract:%s:%s", tenantID, contractID)
}

// AccountKey builds the lock key serializing postings against one account.
func AccountKey(tenantID, accountID uuid.UUID) string {
	return fmt.Sprintf("assurance:account:%s:%s", tenantID, accountID)
}

// SweepKey builds the lock key that keeps tenant sweeps single-flight.
func SweepKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("assurance:sweep:%s", tenantID)
}

// MutexLockerConfig configures the in-process locker.
type MutexLockerConfig struct {
	// AcquireTimeout bounds how long WithLock waits for a busy key before
	// giving up with a concurrency conflict. Non-positive means wait until
	// the context ends.
	AcquireTimeout time.Duration
}

// DefaultMutexLockerConfig returns defaults suited to request-scoped
// critical sections.
func DefaultMutexLockerConfig() MutexLockerConfig {
	return MutexLockerConfig{
		AcquireTimeout: 10 * time.Second,
	}
}

// MutexLockerOption customizes a MutexLocker.
type MutexLockerOption func(*MutexLockerConfig)

// WithAcquireTimeout bounds lock acquisition waits.
func WithAcquireTimeout(d time.Duration) MutexLockerOption {
	return func(cfg *MutexLockerConfig) {
		cfg.AcquireTimeout = d
	}
}

// MutexLocker is an in-process keyed mutex manager. Keys are acquired
// fairly enough for engine use; idle keys are evicted.
//
// Thread-safe.
type MutexLocker struct {
	config MutexLockerConfig

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is a channel-based mutex with a reference count so the map entry can
// be dropped once the last waiter leaves.
type slot struct {
	token chan struct{}
	refs  int
}

// NewMutexLocker builds an in-process locker.
func NewMutexLocker(opts ...MutexLockerOption) *MutexLocker {
	cfg := DefaultMutexLockerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &MutexLocker{
		config: cfg,
		slots:  make(map[string]*slot),
	}
}

// WithLock runs fn while holding the key's mutex. A wait that outlives the
// context or the acquire timeout returns a concurrency conflict.
func (l *MutexLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil {
		return ErrNilLocker
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(key) == "" {
		return ErrEmptyLockKey
	}

	s := l.checkout(key)
	defer l.checkin(key, s)

	acquireCtx := ctx

	if l.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc

		acquireCtx, cancel = context.WithTimeout(ctx, l.config.AcquireTimeout)
		defer cancel()
	}

	select {
	case s.token <- struct{}{}:
	case <-acquireCtx.Done():
		return assurance.NewConcurrencyConflictError("lock", fmt.Errorf("acquire %s: %w", key, acquireCtx.Err()))
	}

	defer func() { <-s.token }()

	return fn(ctx)
}

func (l *MutexLocker) checkout(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.slots[key] = s
	}

	s.refs++

	return s
}

func (l *MutexLocker) checkin(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
