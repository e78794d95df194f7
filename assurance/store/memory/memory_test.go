//go:build unit

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestContract(tenantID uuid.UUID) *contract.Contract {
	return &contract.Contract{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		ContractType:        contract.TypeEscrow,
		Status:              contract.StatusActive,
		AnchorSubject:       subject.MustNew(subject.KindOrganization, "buyer"),
		Currency:            "USD",
		CommittedAmount:     10_000,
		CancellationPolicy:  contract.CancellationRelease,
		ReleaseFreezePolicy: contract.FreezeNone,
		CreatedAt:           testNow,
		UpdatedAt:           testNow,
	}
}

func newTestObligation(c *contract.Contract, sortOrder int) *contract.Obligation {
	return &contract.Obligation{
		ID:             uuid.New(),
		TenantID:       c.TenantID,
		ContractID:     c.ID,
		ObligationType: contract.ObligationDelivery,
		Status:         contract.ObligationPending,
		SortOrder:      sortOrder,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func newTestAccount(c *contract.Contract) *ledger.Account {
	return &ledger.Account{
		ID:           uuid.New(),
		TenantID:     c.TenantID,
		ContractID:   &c.ID,
		AccountType:  ledger.AccountSecured,
		Status:       ledger.AccountOpen,
		Currency:     "USD",
		OwnerSubject: subject.MustNew(subject.KindOrganization, "buyer"),
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
}

func newTestEntry(account *ledger.Account, occurredAt time.Time) *ledger.Entry {
	return &ledger.Entry{
		ID:           uuid.New(),
		TenantID:     account.TenantID,
		AccountID:    account.ID,
		EntryType:    ledger.EntryFund,
		Status:       ledger.EntryPosted,
		OccurredAt:   occurredAt,
		BalanceDelta: 1_000,
		HeldDelta:    1_000,
		ContractID:   account.ContractID,
		CreatedAt:    occurredAt,
	}
}

func mustExec(t *testing.T, s *Store, tenantID uuid.UUID, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()

	require.NoError(t, s.ExecTx(context.Background(), tenantID, fn))
}

func TestExecTxCommitsAtomically(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	o := newTestObligation(c, 0)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		return tx.CreateObligation(ctx, o)
	})

	got, err := s.GetContract(ctx, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, contract.StatusActive, got.Status)

	obligations, err := s.ListObligationsByContract(ctx, tenantID, c.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 1)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tenantID}, tenants)
}

func TestExecTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	boom := errors.New("boom")

	err := s.ExecTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetContract(ctx, tenantID, c.ID)
	require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestExecTxReadsItsOwnWrites(t *testing.T) {
	t.Parallel()

	s := New()
	tenantID := uuid.New()
	c := newTestContract(tenantID)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		got, err := tx.GetContract(ctx, tenantID, c.ID)
		if err != nil {
			return err
		}

		got.Status = contract.StatusPaused
		got.UpdatedAt = testNow.Add(time.Minute)

		return tx.UpdateContract(ctx, got)
	})

	got, err := s.GetContract(context.Background(), tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusPaused, got.Status)
}

func TestExecTxValidation(t *testing.T) {
	t.Parallel()

	s := New()
	noop := func(context.Context, store.Tx) error { return nil }

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()

		var nilStore *Store
		require.ErrorIs(t, nilStore.ExecTx(context.Background(), uuid.New(), noop), store.ErrNilStore)
	})

	t.Run("nil fn", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, s.ExecTx(context.Background(), uuid.New(), nil), store.ErrNilTxFunc)
	})

	t.Run("zero tenant", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, s.ExecTx(context.Background(), uuid.Nil, noop), store.ErrTenantRequired)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, s.ExecTx(ctx, uuid.New(), noop), context.Canceled)
	})
}

func TestTxRejectsForeignTenantWrites(t *testing.T) {
	t.Parallel()

	s := New()
	tenantID := uuid.New()
	foreign := newTestContract(uuid.New())

	err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateContract(ctx, foreign)
	})
	require.ErrorIs(t, err, store.ErrTenantMismatch)
}

func TestTxCreateAndUpdateGuards(t *testing.T) {
	t.Parallel()

	s := New()
	tenantID := uuid.New()
	c := newTestContract(tenantID)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateContract(ctx, c)
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateContract(ctx, c)
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("update missing", func(t *testing.T) {
		err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateContract(ctx, newTestContract(tenantID))
		})
		require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
	})

	t.Run("nil entity", func(t *testing.T) {
		err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateContract(ctx, nil)
		})
		require.ErrorIs(t, err, store.ErrNilEntity)
	})
}

func TestIdempotencyKeyUniquePerTenant(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	account := newTestAccount(c)
	key := c.ID.String() + ":fund:tx-1"

	first := newTestEntry(account, testNow)
	first.IdempotencyKey = &key

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}

		return tx.CreateEntry(ctx, first)
	})

	second := newTestEntry(account, testNow.Add(time.Minute))
	second.IdempotencyKey = &key

	err := s.ExecTx(ctx, tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateEntry(ctx, second)
	})
	require.ErrorIs(t, err, store.ErrDuplicateIdempotencyKey)

	got, err := s.GetEntryByIdempotencyKey(ctx, tenantID, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.GetEntryByIdempotencyKey(ctx, tenantID, "missing-key")
	require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
}

func TestOneAccountPerContract(t *testing.T) {
	t.Parallel()

	s := New()
	tenantID := uuid.New()
	c := newTestContract(tenantID)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		return tx.CreateAccount(ctx, newTestAccount(c))
	})

	err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAccount(ctx, newTestAccount(c))
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGetContractAccount(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	account := newTestAccount(c)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		return tx.CreateAccount(ctx, account)
	})

	got, err := s.GetContractAccount(ctx, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	_, err = s.GetContractAccount(ctx, tenantID, uuid.New())
	require.True(t, assurance.IsCode(err, assurance.ErrorAccountNotFound))
}

func TestDuplicateLinkRejected(t *testing.T) {
	t.Parallel()

	s := New()
	tenantID := uuid.New()
	milestoneID := uuid.New()
	obligationID := uuid.New()

	link := func() *contract.Link {
		return &contract.Link{
			ID:           uuid.New(),
			TenantID:     tenantID,
			ContractID:   uuid.New(),
			MilestoneID:  milestoneID,
			ObligationID: obligationID,
			IsRequired:   true,
			CreatedAt:    testNow,
		}
	}

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateLink(ctx, link())
	})

	err := s.ExecTx(context.Background(), tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateLink(ctx, link())
	})
	require.ErrorIs(t, err, store.ErrDuplicateLink)
}

func TestReadsReturnIsolatedClones(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	c.Metadata = map[string]any{"projectCode": "alpha"}

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateContract(ctx, c)
	})

	// Mutating the caller's struct after commit must not leak in.
	c.Status = contract.StatusCancelled
	c.Metadata["projectCode"] = "tampered"

	got, err := s.GetContract(ctx, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, got.Status)
	assert.Equal(t, "alpha", got.Metadata["projectCode"])

	// Mutating a read result must not leak back either.
	got.Status = contract.StatusCompleted

	again, err := s.GetContract(ctx, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, again.Status)
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)
	account := newTestAccount(c)

	second := newTestObligation(c, 2)
	first := newTestObligation(c, 1)

	late := newTestEntry(account, testNow.Add(time.Hour))
	early := newTestEntry(account, testNow)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}

		// Inserted out of order on purpose.
		for _, o := range []*contract.Obligation{second, first} {
			if err := tx.CreateObligation(ctx, o); err != nil {
				return err
			}
		}

		for _, e := range []*ledger.Entry{late, early} {
			if err := tx.CreateEntry(ctx, e); err != nil {
				return err
			}
		}

		return nil
	})

	obligations, err := s.ListObligationsByContract(ctx, tenantID, c.ID)
	require.NoError(t, err)
	require.Len(t, obligations, 2)
	assert.Equal(t, first.ID, obligations[0].ID)
	assert.Equal(t, second.ID, obligations[1].ID)

	entries, err := s.ListEntriesByAccount(ctx, tenantID, account.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, early.ID, entries[0].ID)
	assert.Equal(t, late.ID, entries[1].ID)
}

func TestListDueObligations(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	c := newTestContract(tenantID)

	dueEarly := newTestObligation(c, 0)
	earlyAt := testNow.Add(-2 * time.Hour)
	dueEarly.DueAt = &earlyAt

	dueLate := newTestObligation(c, 1)
	lateAt := testNow.Add(-time.Hour)
	dueLate.DueAt = &lateAt

	notDue := newTestObligation(c, 2)
	futureAt := testNow.Add(time.Hour)
	notDue.DueAt = &futureAt

	settled := newTestObligation(c, 3)
	settled.Status = contract.ObligationSatisfied
	settled.DueAt = &earlyAt

	undated := newTestObligation(c, 4)

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		for _, o := range []*contract.Obligation{dueLate, dueEarly, notDue, settled, undated} {
			if err := tx.CreateObligation(ctx, o); err != nil {
				return err
			}
		}

		return nil
	})

	due, err := s.ListDueObligations(ctx, tenantID, testNow, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, dueEarly.ID, due[0].ID)
	assert.Equal(t, dueLate.ID, due[1].ID)

	limited, err := s.ListDueObligations(ctx, tenantID, testNow, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, dueEarly.ID, limited[0].ID)
}

func TestListExpiredContracts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantID := uuid.New()
	pastAt := testNow.Add(-time.Hour)

	active := newTestContract(tenantID)
	active.ExpiresAt = &pastAt

	// Draft contracts cannot default, so expiry must skip them.
	draft := newTestContract(tenantID)
	draft.Status = contract.StatusDraft
	draft.ExpiresAt = &pastAt

	completed := newTestContract(tenantID)
	completed.Status = contract.StatusCompleted
	completed.ExpiresAt = &pastAt

	fresh := newTestContract(tenantID)
	futureAt := testNow.Add(time.Hour)
	fresh.ExpiresAt = &futureAt

	mustExec(t, s, tenantID, func(ctx context.Context, tx store.Tx) error {
		for _, c := range []*contract.Contract{active, draft, completed, fresh} {
			if err := tx.CreateContract(ctx, c); err != nil {
				return err
			}
		}

		return nil
	})

	expired, err := s.ListExpiredContracts(ctx, tenantID, testNow, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, active.ID, expired[0].ID)
}

func TestTenantsAreIsolated(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()
	c := newTestContract(tenantA)

	mustExec(t, s, tenantA, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateContract(ctx, c)
	})

	_, err := s.GetContract(ctx, tenantB, c.ID)
	require.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
}
