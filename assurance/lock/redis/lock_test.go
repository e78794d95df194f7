//go:build unit

package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerNilClient(t *testing.T) {
	mgr, err := NewManager(nil)
	require.ErrorIs(t, err, ErrNilClient)
	assert.Nil(t, mgr)
}

func TestNilManager(t *testing.T) {
	var mgr *Manager
	ctx := context.Background()

	err := mgr.WithLock(ctx, "key", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNilLockManager)

	_, _, err = mgr.TryLock(ctx, "key")
	assert.ErrorIs(t, err, ErrNilLockManager)
}

func TestUninitializedManager(t *testing.T) {
	mgr := &Manager{}
	ctx := context.Background()

	err := mgr.WithLock(ctx, "key", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotInitialized)
}

func TestValidateLockOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    LockOptions
		wantErr error
	}{
		{"defaults valid", DefaultLockOptions(), nil},
		{"sweep options valid", SweepLockOptions(), nil},
		{"zero expiry", LockOptions{Tries: 1}, ErrLockExpiryInvalid},
		{"zero tries", LockOptions{Expiry: time.Second}, ErrLockTriesInvalid},
		{"too many tries", LockOptions{Expiry: time.Second, Tries: maxLockTries + 1}, ErrLockTriesExceeded},
		{"negative retry delay", LockOptions{Expiry: time.Second, Tries: 1, RetryDelay: -1}, ErrLockRetryDelayNegative},
		{"drift factor too high", LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 1}, ErrLockDriftFactorInvalid},
		{"drift factor negative", LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: -0.1}, ErrLockDriftFactorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLockOptions(tt.opts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSafeLockKeyForLogs(t *testing.T) {
	assert.Equal(t, `"assurance:contract:a:b"`, safeLockKeyForLogs("assurance:contract:a:b"))

	long := safeLockKeyForLogs(strings.Repeat("k", 500))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
	assert.LessOrEqual(t, len(long), 128+len("...(truncated)"))
}

func TestNilLockHandle(t *testing.T) {
	var handle *lockHandle

	err := handle.Unlock(context.Background())
	assert.ErrorIs(t, err, ErrNilLockHandle)
}
