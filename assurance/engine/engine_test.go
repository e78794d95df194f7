//go:build unit

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store/memory"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

type fixture struct {
	ctx    context.Context
	engine *Engine
	store  *memory.Store
	tenant uuid.UUID
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:    context.Background(),
		store:  memory.New(),
		tenant: uuid.New(),
		now:    time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}

	eng, err := New(f.store, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	f.engine = eng

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// drainEvents claims everything pending on the fixture tenant, so each call
// returns only the events appended since the previous call.
func (f *fixture) drainEvents(t *testing.T) []*outbox.Event {
	t.Helper()

	events, err := f.store.ListPending(f.ctx, f.tenant, 100)
	require.NoError(t, err)

	return events
}

func eventTypes(events []*outbox.Event) []string {
	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.EventType
	}

	return types
}

func anchorRef() subject.Ref {
	return subject.MustNew(subject.KindOrganization, "acme")
}

func counterpartyRef() subject.Ref {
	return subject.MustNew(subject.KindUser, "dana")
}

func ptr[T any](v T) *T {
	return &v
}

func (f *fixture) createContract(t *testing.T, committed int64, opts ...func(*contract.CreateInput)) *contract.Contract {
	t.Helper()

	input := contract.CreateInput{
		TenantID:            f.tenant,
		ContractType:        string(contract.TypeEscrow),
		AnchorSubject:       anchorRef(),
		CounterpartySubject: ptr(counterpartyRef()),
		Currency:            "USD",
		CommittedAmount:     committed,
	}

	for _, opt := range opts {
		opt(&input)
	}

	c, err := f.engine.CreateContract(f.ctx, input)
	require.NoError(t, err)

	return c
}

func (f *fixture) activeContract(t *testing.T, committed int64, opts ...func(*contract.CreateInput)) *contract.Contract {
	t.Helper()

	c := f.createContract(t, committed, opts...)

	activated, err := f.engine.ActivateContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)

	return activated
}

func (f *fixture) fundedAccount(t *testing.T, c *contract.Contract, amount int64) *ledger.Account {
	t.Helper()

	account, err := f.engine.OpenAccount(f.ctx, f.tenant, ledger.AccountInput{
		ContractID:   &c.ID,
		AccountType:  string(ledger.AccountSecured),
		Currency:     c.Currency,
		OwnerSubject: anchorRef(),
	})
	require.NoError(t, err)

	if amount > 0 {
		_, err = f.engine.Fund(f.ctx, f.tenant, account.ID, FundInput{Amount: amount})
		require.NoError(t, err)
	}

	refreshed, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)

	return refreshed
}

func (f *fixture) addObligation(t *testing.T, c *contract.Contract) *contract.Obligation {
	t.Helper()

	o, err := f.engine.AddObligation(f.ctx, f.tenant, c.ID, contract.ObligationInput{
		ObligationType: string(contract.ObligationDelivery),
	})
	require.NoError(t, err)

	return o
}

func (f *fixture) addLinkedMilestone(t *testing.T, c *contract.Contract, o *contract.Obligation, amount int64, releaseMode string) *contract.Milestone {
	t.Helper()

	m, err := f.engine.AddMilestone(f.ctx, f.tenant, c.ID, contract.MilestoneInput{
		Code:           "m-" + uuid.NewString()[:8],
		EvaluationMode: string(contract.EvaluateAll),
		ReleaseMode:    releaseMode,
		ReleaseAmount:  amount,
	}, MilestoneLink{ObligationID: o.ID, Link: contract.LinkInput{IsRequired: true}})
	require.NoError(t, err)

	return m
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestCreateContractValidatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.engine.CreateContract(f.ctx, contract.CreateInput{
		TenantID:        f.tenant,
		ContractType:    "not a type",
		AnchorSubject:   anchorRef(),
		Currency:        "USD",
		CommittedAmount: 100,
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))

	assert.Empty(t, f.drainEvents(t))
}

func TestContractLifecycleEmitsEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.createContract(t, 1_000)
	assert.Equal(t, contract.StatusDraft, c.Status)

	activated, err := f.engine.ActivateContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, activated.Status)

	paused, err := f.engine.PauseContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusPaused, paused.Status)

	resumed, err := f.engine.ResumeContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, resumed.Status)

	completed, err := f.engine.CompleteContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusCompleted, completed.Status)

	assert.Equal(t, []string{
		EventContractCreated,
		EventContractActivated,
		EventContractPaused,
		EventContractResumed,
		EventContractCompleted,
	}, eventTypes(f.drainEvents(t)))
}

func TestInvalidTransitionLeavesNoTrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.createContract(t, 1_000)
	f.drainEvents(t)

	_, err := f.engine.ResumeContract(f.ctx, f.tenant, c.ID)
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	stored, err := f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDraft, stored.Status)
	assert.Empty(t, f.drainEvents(t))
}

func TestCompleteContractBlockedByOpenObligation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)
	o := f.addObligation(t, c)

	_, err := f.engine.CompleteContract(f.ctx, f.tenant, c.ID)
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	_, err = f.engine.WaiveObligation(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)

	_, err = f.engine.CompleteContract(f.ctx, f.tenant, c.ID)
	assert.NoError(t, err)
}

func TestCancelContractReleasePolicyUnholdsFunds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000)
	account := f.fundedAccount(t, c, 8_000)
	o := f.addObligation(t, c)
	m := f.addLinkedMilestone(t, c, o, 4_000, string(contract.ReleaseManual))
	f.drainEvents(t)

	cancelled, err := f.engine.CancelContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusCancelled, cancelled.Status)

	storedObligation, err := f.store.GetObligation(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationCancelled, storedObligation.Status)

	storedMilestone, err := f.store.GetMilestone(f.ctx, f.tenant, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneCancelled, storedMilestone.Status)

	storedAccount, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8_000), storedAccount.Balance)
	assert.Zero(t, storedAccount.Held)

	assert.Equal(t, []string{
		EventObligationCancelled,
		EventMilestoneCancelled,
		EventLedgerReconciled,
		EventContractCancelled,
	}, eventTypes(f.drainEvents(t)))
}

func TestDefaultForfeitPolicyForfeitsHeld(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000, func(input *contract.CreateInput) {
		input.CancellationPolicy = string(contract.CancellationForfeit)
	})
	account := f.fundedAccount(t, c, 6_000)
	o := f.addObligation(t, c)
	f.drainEvents(t)

	defaulted, err := f.engine.MarkContractDefaulted(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDefaulted, defaulted.Status)
	assert.Equal(t, int64(6_000), defaulted.ForfeitedAmount)

	storedObligation, err := f.store.GetObligation(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationExpired, storedObligation.Status)

	storedAccount, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)
	assert.Zero(t, storedAccount.Balance)
	assert.Zero(t, storedAccount.Held)
	assert.Equal(t, int64(6_000), storedAccount.Forfeited)

	assert.Equal(t, []string{
		EventObligationExpired,
		EventLedgerReconciled,
		EventContractDefaulted,
	}, eventTypes(f.drainEvents(t)))

	// A second default is a no-op, not an error.
	again, err := f.engine.MarkContractDefaulted(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDefaulted, again.Status)
	assert.Empty(t, f.drainEvents(t))
}

func TestObligationProgressAutoSatisfies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)

	o, err := f.engine.AddObligation(f.ctx, f.tenant, c.ID, contract.ObligationInput{
		ObligationType: string(contract.ObligationPayment),
		RequiredAmount: ptr(int64(500)),
	})
	require.NoError(t, err)
	f.drainEvents(t)

	progressed, err := f.engine.RecordObligationProgress(f.ctx, f.tenant, o.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationInProgress, progressed.Status)

	satisfied, err := f.engine.RecordObligationProgress(f.ctx, f.tenant, o.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationSatisfied, satisfied.Status)

	assert.Equal(t, []string{
		EventObligationProgressRecorded,
		EventObligationSatisfied,
	}, eventTypes(f.drainEvents(t)))

	_, err = f.engine.RecordObligationProgress(f.ctx, f.tenant, o.ID, 1)
	assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))
}

func TestProgressBlockedWhilePaused(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)
	o := f.addObligation(t, c)

	_, err := f.engine.PauseContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)

	_, err = f.engine.StartObligation(f.ctx, f.tenant, o.ID)
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	// Administrative moves still work while paused.
	waived, err := f.engine.WaiveObligation(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationWaived, waived.Status)
}

func TestMarkObligationBreachedIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)
	o := f.addObligation(t, c)
	f.drainEvents(t)

	breached, err := f.engine.MarkObligationBreached(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationBreached, breached.Status)
	assert.Equal(t, []string{EventObligationBreached}, eventTypes(f.drainEvents(t)))

	again, err := f.engine.MarkObligationBreached(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ObligationBreached, again.Status)
	assert.Empty(t, f.drainEvents(t))
}

func TestEngineTenantIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)

	_, err := f.engine.ActivateContract(f.ctx, uuid.New(), c.ID)
	assert.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
}
