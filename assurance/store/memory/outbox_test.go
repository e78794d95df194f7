//go:build unit

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// clockStore returns a store whose outbox clock is controlled by the test.
func clockStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	now := testNow
	s := New(WithClock(func() time.Time { return now }))

	return s, &now
}

func appendEvent(t *testing.T, s *Store, tenantID uuid.UUID) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent(
		context.Background(),
		tenantID,
		"milestone.released",
		"milestone",
		uuid.New(),
		[]byte(`{"releaseAmount":1000}`),
		testNow,
	)
	require.NoError(t, err)

	require.NoError(t, s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendOutboxEvent(ctx, event)
	}))

	return event
}

func TestListPendingClaimsOldestFirst(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	first := appendEvent(t, s, tenantID)
	second := appendEvent(t, s, tenantID)
	third := appendEvent(t, s, tenantID)

	claimed, err := s.ListPending(ctx, tenantID, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	assert.Equal(t, outbox.StatusProcessing, claimed[0].Status)

	rest, err := s.ListPending(ctx, tenantID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, third.ID, rest[0].ID)

	// Everything is claimed now.
	empty, err := s.ListPending(ctx, tenantID, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestListPendingIgnoresOtherTenants(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()

	appendEvent(t, s, tenantA)

	claimed, err := s.ListPending(ctx, tenantB, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMarkPublishedLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	t.Run("pending event cannot be published", func(t *testing.T) {
		err := s.MarkPublished(ctx, tenantID, event.ID, testNow)
		require.ErrorIs(t, err, outbox.ErrTransitionInvalid)
	})

	claimed, err := s.ListPending(ctx, tenantID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	t.Run("processing event publishes", func(t *testing.T) {
		require.NoError(t, s.MarkPublished(ctx, tenantID, event.ID, testNow.Add(time.Second)))
	})

	t.Run("publishing again is a no-op", func(t *testing.T) {
		require.NoError(t, s.MarkPublished(ctx, tenantID, event.ID, testNow.Add(time.Minute)))
	})

	t.Run("published event never reappears", func(t *testing.T) {
		empty, err := s.ListPending(ctx, tenantID, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("unknown event not found", func(t *testing.T) {
		err := s.MarkPublished(ctx, tenantID, uuid.New(), testNow)
		require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
	})
}

func TestMarkFailedAndRetryWindow(t *testing.T) {
	t.Parallel()

	s, now := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	_, err := s.ListPending(ctx, tenantID, 1)
	require.NoError(t, err)

	failedAt := testNow.Add(time.Minute)
	*now = failedAt
	require.NoError(t, s.MarkFailed(ctx, tenantID, event.ID, "broker unavailable", 3))

	t.Run("failed events wait out the retry window", func(t *testing.T) {
		early, err := s.ResetForRetry(ctx, tenantID, 10, failedAt.Add(-time.Second), 3)
		require.NoError(t, err)
		assert.Empty(t, early)
	})

	t.Run("aged failed events are reclaimed", func(t *testing.T) {
		*now = failedAt.Add(time.Hour)

		reclaimed, err := s.ResetForRetry(ctx, tenantID, 10, failedAt, 3)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, event.ID, reclaimed[0].ID)
		assert.Equal(t, outbox.StatusProcessing, reclaimed[0].Status)
		assert.Equal(t, 1, reclaimed[0].Attempts)
		assert.Equal(t, "broker unavailable", reclaimed[0].LastError)
	})

	t.Run("exhausted attempts stay failed", func(t *testing.T) {
		retryAt := now.UTC()
		require.NoError(t, s.MarkFailed(ctx, tenantID, event.ID, "still down", 10))

		blocked, err := s.ResetForRetry(ctx, tenantID, 10, retryAt.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.Empty(t, blocked)
	})
}

func TestMarkFailedExhaustionInvalidates(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	_, err := s.ListPending(ctx, tenantID, 1)
	require.NoError(t, err)

	// maxAttempts 1 means the first failure is terminal.
	require.NoError(t, s.MarkFailed(ctx, tenantID, event.ID, "schema rejected", 1))

	reclaimed, err := s.ResetForRetry(ctx, tenantID, 10, testNow.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	err = s.MarkPublished(ctx, tenantID, event.ID, testNow)
	require.ErrorIs(t, err, outbox.ErrTransitionInvalid)
}

func TestResetStuckProcessing(t *testing.T) {
	t.Parallel()

	s, now := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	claimedAt := testNow
	_, err := s.ListPending(ctx, tenantID, 1)
	require.NoError(t, err)

	t.Run("fresh processing events are left alone", func(t *testing.T) {
		stuck, err := s.ResetStuckProcessing(ctx, tenantID, 10, claimedAt.Add(-time.Second), 5)
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})

	t.Run("stale processing events are reclaimed with an attempt charged", func(t *testing.T) {
		*now = claimedAt.Add(10 * time.Minute)

		stuck, err := s.ResetStuckProcessing(ctx, tenantID, 10, claimedAt, 5)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, event.ID, stuck[0].ID)
		assert.Equal(t, outbox.StatusProcessing, stuck[0].Status)
		assert.Equal(t, 1, stuck[0].Attempts)
	})

	t.Run("exhausted reclaims invalidate instead", func(t *testing.T) {
		reclaimedAt := now.UTC()
		*now = reclaimedAt.Add(10 * time.Minute)

		stuck, err := s.ResetStuckProcessing(ctx, tenantID, 10, reclaimedAt, 2)
		require.NoError(t, err)
		assert.Empty(t, stuck)

		err = s.MarkPublished(ctx, tenantID, event.ID, testNow)
		require.ErrorIs(t, err, outbox.ErrTransitionInvalid)
	})
}

func TestMarkInvalid(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	_, err := s.ListPending(ctx, tenantID, 1)
	require.NoError(t, err)

	require.NoError(t, s.MarkInvalid(ctx, tenantID, event.ID, "no handler registered"))

	err = s.MarkInvalid(ctx, tenantID, event.ID, "again")
	require.ErrorIs(t, err, outbox.ErrTransitionInvalid)

	err = s.MarkInvalid(ctx, tenantID, uuid.New(), "missing")
	require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
}

func TestDuplicateOutboxAppendRejected(t *testing.T) {
	t.Parallel()

	s, _ := clockStore(t)
	tenantID := uuid.New()
	event := appendEvent(t, s, tenantID)

	err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendOutboxEvent(ctx, event)
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}
