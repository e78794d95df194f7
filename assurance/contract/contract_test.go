//go:build unit

package contract

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

func validCreateInput() CreateInput {
	return CreateInput{
		TenantID:        uuid.New(),
		ContractType:    "escrow",
		AnchorSubject:   subject.Ref{Kind: subject.KindOrganization, ID: "org-1"},
		Currency:        "USD",
		CommittedAmount: 10000,
	}
}

func newActiveContract(t *testing.T) *Contract {
	t.Helper()

	c, err := New(validCreateInput(), time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, c.Activate(time.Now().UTC()))

	return c
}

func TestNew(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("valid input builds draft", func(t *testing.T) {
		t.Parallel()

		c, err := New(validCreateInput(), now)
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, c.Status)
		assert.Equal(t, TypeEscrow, c.ContractType)
		assert.Equal(t, CancellationRelease, c.CancellationPolicy)
		assert.Equal(t, FreezeNone, c.ReleaseFreezePolicy)
		assert.Equal(t, int64(10000), c.CommittedAmount)
		assert.Zero(t, c.ReleasedAmount)
		assert.Zero(t, c.ForfeitedAmount)
		assert.NotEqual(t, uuid.Nil, c.ID)
	})

	t.Run("custom contract type accepted", func(t *testing.T) {
		t.Parallel()

		input := validCreateInput()
		input.ContractType = "custom_deposit_hold"

		c, err := New(input, now)
		require.NoError(t, err)
		assert.Equal(t, Type("custom_deposit_hold"), c.ContractType)
	})

	t.Run("explicit policies honored", func(t *testing.T) {
		t.Parallel()

		input := validCreateInput()
		input.CancellationPolicy = "forfeit"
		input.ReleaseFreezePolicy = "disputed_milestone"

		c, err := New(input, now)
		require.NoError(t, err)
		assert.Equal(t, CancellationForfeit, c.CancellationPolicy)
		assert.Equal(t, FreezeDisputedMilestone, c.ReleaseFreezePolicy)
	})

	t.Run("rejections", func(t *testing.T) {
		t.Parallel()

		started := now
		expired := now.Add(-time.Hour)

		tests := []struct {
			name   string
			mutate func(*CreateInput)
		}{
			{name: "missing tenant", mutate: func(in *CreateInput) { in.TenantID = uuid.Nil }},
			{name: "unknown type", mutate: func(in *CreateInput) { in.ContractType = "lease" }},
			{name: "zero anchor", mutate: func(in *CreateInput) { in.AnchorSubject = subject.Ref{} }},
			{name: "half counterparty pair", mutate: func(in *CreateInput) { in.CounterpartySubject = &subject.Ref{Kind: subject.KindUser} }},
			{name: "bad currency", mutate: func(in *CreateInput) { in.Currency = "usd" }},
			{name: "negative committed", mutate: func(in *CreateInput) { in.CommittedAmount = -1 }},
			{name: "bad cancellation policy", mutate: func(in *CreateInput) { in.CancellationPolicy = "burn" }},
			{name: "bad freeze policy", mutate: func(in *CreateInput) { in.ReleaseFreezePolicy = "some" }},
			{name: "expires before start", mutate: func(in *CreateInput) {
				in.StartedAt = &started
				in.ExpiresAt = &expired
			}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				input := validCreateInput()
				tt.mutate(&input)

				_, err := New(input, now)
				require.Error(t, err)
				assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))
			})
		}
	})
}

func TestStatusMachine(t *testing.T) {
	t.Parallel()

	t.Run("terminal states admit nothing", func(t *testing.T) {
		t.Parallel()

		for _, status := range []Status{StatusCompleted, StatusCancelled, StatusDefaulted} {
			assert.True(t, status.IsTerminal())
			assert.False(t, status.CanTransitionTo(StatusActive))
		}
	})

	t.Run("draft cannot complete directly", func(t *testing.T) {
		t.Parallel()

		assert.False(t, StatusDraft.CanTransitionTo(StatusCompleted))
	})

	t.Run("parse rejects unknown status", func(t *testing.T) {
		t.Parallel()

		_, err := ParseStatus("limbo")
		require.Error(t, err)
	})
}

func TestContractTransitions(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("activate stamps startedAt", func(t *testing.T) {
		t.Parallel()

		c, err := New(validCreateInput(), now)
		require.NoError(t, err)

		require.NoError(t, c.Activate(now))
		assert.Equal(t, StatusActive, c.Status)
		require.NotNil(t, c.StartedAt)
		assert.Equal(t, now, *c.StartedAt)
	})

	t.Run("activate keeps caller startedAt", func(t *testing.T) {
		t.Parallel()

		startedAt := now.Add(-time.Hour)
		input := validCreateInput()
		input.StartedAt = &startedAt

		c, err := New(input, now)
		require.NoError(t, err)

		require.NoError(t, c.Activate(now))
		assert.Equal(t, startedAt, *c.StartedAt)
	})

	t.Run("pause and resume", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.NoError(t, c.Pause(now))
		assert.Equal(t, StatusPaused, c.Status)

		require.NoError(t, c.Resume(now))
		assert.Equal(t, StatusActive, c.Status)
	})

	t.Run("pause requires active", func(t *testing.T) {
		t.Parallel()

		c, err := New(validCreateInput(), now)
		require.NoError(t, err)

		err = c.Pause(now)
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))
	})

	t.Run("dispute round trip restores prior status", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)
		require.NoError(t, c.Pause(now))

		require.NoError(t, c.BeginDispute(now))
		assert.Equal(t, StatusDisputed, c.Status)
		assert.Equal(t, StatusPaused, c.PriorStatus)

		// Second open claim is a no-op on the contract status.
		require.NoError(t, c.BeginDispute(now))
		assert.Equal(t, StatusPaused, c.PriorStatus)

		require.NoError(t, c.EndDispute(now))
		assert.Equal(t, StatusPaused, c.Status)
		assert.Empty(t, c.PriorStatus)
	})

	t.Run("end dispute is no-op on settled contract", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)
		require.NoError(t, c.BeginDispute(now))
		require.NoError(t, c.Cancel(now))

		require.NoError(t, c.EndDispute(now))
		assert.Equal(t, StatusCancelled, c.Status)
	})

	t.Run("complete stamps completedAt", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.NoError(t, c.Complete(now))
		assert.Equal(t, StatusCompleted, c.Status)
		require.NotNil(t, c.CompletedAt)
	})

	t.Run("cancel stamps cancelledAt", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.NoError(t, c.Cancel(now))
		assert.Equal(t, StatusCancelled, c.Status)
		require.NotNil(t, c.CancelledAt)
	})

	t.Run("default stamps defaultedAt", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.NoError(t, c.MarkDefaulted(now))
		assert.Equal(t, StatusDefaulted, c.Status)
		require.NotNil(t, c.DefaultedAt)
	})

	t.Run("terminal contract rejects further transitions", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)
		require.NoError(t, c.Cancel(now))

		err := c.Activate(now)
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))
	})
}

func TestContractTotals(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	t.Run("release and forfeit consume the committed budget", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.NoError(t, c.ApplyRelease(4000, now))
		assert.Equal(t, int64(4000), c.ReleasedAmount)
		assert.Equal(t, int64(6000), c.RemainingCommitted())

		require.NoError(t, c.ApplyForfeit(5000, now))
		assert.Equal(t, int64(5000), c.ForfeitedAmount)
		assert.Equal(t, int64(1000), c.RemainingCommitted())
	})

	t.Run("budget overrun rejected", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)
		require.NoError(t, c.ApplyRelease(9000, now))

		err := c.ApplyRelease(2000, now)
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvariantViolation))
		assert.Equal(t, int64(9000), c.ReleasedAmount)

		err = c.ApplyForfeit(2000, now)
		require.Error(t, err)
		assert.True(t, assurance.IsCode(err, assurance.ErrorInvariantViolation))
		assert.Zero(t, c.ForfeitedAmount)
	})

	t.Run("non-positive amounts rejected", func(t *testing.T) {
		t.Parallel()

		c := newActiveContract(t)

		require.Error(t, c.ApplyRelease(0, now))
		require.Error(t, c.ApplyForfeit(-5, now))
	})
}
