//go:build integration

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	libRedis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-assurance/assurance"
)

func setupRedisContainer(t *testing.T) (libRedis.UniversalClient, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := libRedis.NewClient(&libRedis.Options{Addr: endpoint})

	return client, func() {
		_ = client.Close()
		require.NoError(t, container.Terminate(ctx))
	}
}

// Ten goroutines compete for one key; at most one may be inside the critical
// section at any moment and all ten must complete.
func TestIntegration_WithLock_MutualExclusion(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()

	mgr, err := NewManager(client)
	require.NoError(t, err)

	const goroutines = 10

	opts := LockOptions{
		Expiry:      5 * time.Second,
		Tries:       50,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}

	var (
		total         atomic.Int64
		maxConcurrent atomic.Int64
		inside        atomic.Int64
		wg            sync.WaitGroup
	)

	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()

			lockErr := mgr.WithLockOptions(ctx, "integration:mutex", opts, func(context.Context) error {
				cur := inside.Add(1)

				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}

				time.Sleep(10 * time.Millisecond)

				inside.Add(-1)
				total.Add(1)

				return nil
			})
			assert.NoError(t, lockErr)
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), maxConcurrent.Load())
	assert.Equal(t, int64(goroutines), total.Load())
}

func TestIntegration_TryLock_Contention(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()

	mgr, err := NewManager(client)
	require.NoError(t, err)

	const key = "integration:trylock"

	handle, acquired, err := mgr.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = mgr.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, handle.Unlock(ctx))

	handle, acquired, err = mgr.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, handle.Unlock(ctx))
}

// A held lock makes WithLockOptions with a single try fail fast with a
// retryable conflict.
func TestIntegration_WithLock_ConflictIsRetryable(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()

	mgr, err := NewManager(client)
	require.NoError(t, err)

	const key = "integration:conflict"

	handle, acquired, err := mgr.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, acquired)

	defer func() { _ = handle.Unlock(ctx) }()

	opts := LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 0.01}

	err = mgr.WithLockOptions(ctx, key, opts, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, assurance.IsCode(err, assurance.ErrorConcurrencyConflict))
	assert.True(t, assurance.IsRetryable(err))
}
