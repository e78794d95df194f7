//go:build unit

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
)

func (f *fixture) openClaim(t *testing.T, c *contract.Contract, disputed int64, opts ...func(*claim.Input)) *claim.Claim {
	t.Helper()

	input := claim.Input{
		ClaimType:      string(claim.TypeQuality),
		RaisedBy:       counterpartyRef(),
		Against:        ptr(anchorRef()),
		DisputedAmount: disputed,
		Reason:         "delivered work rejected",
	}

	for _, opt := range opts {
		opt(&input)
	}

	cl, err := f.engine.OpenClaim(f.ctx, f.tenant, c.ID, input)
	require.NoError(t, err)

	return cl
}

func TestClaimLifecycleSettlesAndClears(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000)
	account := f.fundedAccount(t, c, 5_000)
	f.drainEvents(t)

	cl := f.openClaim(t, c, 3_000)
	assert.Equal(t, claim.StatusOpen, cl.Status)

	disputed, err := f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDisputed, disputed.Status)
	assert.Equal(t, contract.StatusActive, disputed.PriorStatus)

	assert.Equal(t, []string{EventClaimOpened, EventContractDisputed}, eventTypes(f.drainEvents(t)))

	f.advance(time.Hour)

	reviewed, err := f.engine.ReviewClaim(f.ctx, f.tenant, cl.ID, ptr(anchorRef()), "triage")
	require.NoError(t, err)
	assert.Equal(t, claim.StatusInReview, reviewed.Status)
	require.NotNil(t, reviewed.ReviewStartedAt)

	f.advance(time.Hour)

	resolved, err := f.engine.ResolveClaim(f.ctx, f.tenant, cl.ID, claim.ResolveInput{
		ResolutionType: string(claim.ResolutionPartial),
		SettledAmount:  ptr(int64(2_000)),
		Actor:          ptr(anchorRef()),
		Note:           "split the difference",
	})
	require.NoError(t, err)
	assert.Equal(t, claim.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolutionType)
	assert.Equal(t, claim.ResolutionPartial, *resolved.ResolutionType)

	settlement, err := f.store.GetEntryByIdempotencyKey(f.ctx, f.tenant, settlementKey(c.ID, cl.ID))
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryForfeit, settlement.EntryType)
	assert.Equal(t, int64(-2_000), settlement.BalanceDelta)

	storedAccount, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), storedAccount.Balance)
	assert.Equal(t, int64(3_000), storedAccount.Held)
	assert.Equal(t, int64(2_000), storedAccount.Forfeited)

	storedContract, err := f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), storedContract.ForfeitedAmount)
	assert.Equal(t, contract.StatusDisputed, storedContract.Status)

	assert.Equal(t, []string{EventClaimReviewStarted, EventClaimResolved}, eventTypes(f.drainEvents(t)))

	// A resolved claim still blocks completion until it is closed.
	_, err = f.engine.CompleteContract(f.ctx, f.tenant, c.ID)
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	f.advance(time.Hour)

	closed, err := f.engine.CloseClaim(f.ctx, f.tenant, cl.ID, ptr(anchorRef()), "settled and done")
	require.NoError(t, err)
	assert.Equal(t, claim.StatusClosed, closed.Status)

	cleared, err := f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, cleared.Status)

	assert.Equal(t, []string{EventClaimClosed, EventContractDisputeCleared}, eventTypes(f.drainEvents(t)))

	trail, err := f.store.ListClaimEvents(f.ctx, f.tenant, cl.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Nil(t, trail[0].FromStatus)
	assert.Equal(t, claim.StatusOpen, trail[0].ToStatus)
	assert.Equal(t, claim.StatusResolved, trail[2].ToStatus)
	require.NotNil(t, trail[2].LedgerEntryID)
	assert.Equal(t, settlement.ID, *trail[2].LedgerEntryID)
	assert.Equal(t, claim.StatusClosed, trail[3].ToStatus)
}

func TestSecondClaimKeepsContractDisputed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)
	f.drainEvents(t)

	first := f.openClaim(t, c, 100)
	assert.Equal(t, []string{EventClaimOpened, EventContractDisputed}, eventTypes(f.drainEvents(t)))

	second := f.openClaim(t, c, 200)
	assert.Equal(t, []string{EventClaimOpened}, eventTypes(f.drainEvents(t)))

	// Dismissing one claim is not enough; the other still blocks.
	_, err := f.engine.RejectClaim(f.ctx, f.tenant, first.ID, ptr(anchorRef()), "")
	require.NoError(t, err)
	assert.Equal(t, []string{EventClaimRejected}, eventTypes(f.drainEvents(t)))

	stored, err := f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusDisputed, stored.Status)

	_, err = f.engine.CancelClaim(f.ctx, f.tenant, second.ID, ptr(counterpartyRef()), "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, []string{EventClaimCancelled, EventContractDisputeCleared}, eventTypes(f.drainEvents(t)))

	stored, err = f.store.GetContract(f.ctx, f.tenant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, stored.Status)
}

func TestOpenClaimGuards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	draft := f.createContract(t, 1_000)

	_, err := f.engine.OpenClaim(f.ctx, f.tenant, draft.ID, claim.Input{
		ClaimType: string(claim.TypeBreach),
		RaisedBy:  counterpartyRef(),
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	// A claim cannot name a milestone of some other contract.
	target := f.activeContract(t, 1_000)
	other := f.activeContract(t, 1_000)

	m, err := f.engine.AddMilestone(f.ctx, f.tenant, other.ID, contract.MilestoneInput{
		Code:           "other-m1",
		EvaluationMode: string(contract.EvaluateAll),
		ReleaseAmount:  100,
	})
	require.NoError(t, err)

	_, err = f.engine.OpenClaim(f.ctx, f.tenant, target.ID, claim.Input{
		ClaimType:   string(claim.TypeBreach),
		RaisedBy:    counterpartyRef(),
		MilestoneID: &m.ID,
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))

	stored, err := f.store.GetContract(f.ctx, f.tenant, target.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusActive, stored.Status)
}

func TestResolveClaimValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000)
	f.fundedAccount(t, c, 10_000)
	cl := f.openClaim(t, c, 1_000)

	// Resolution is reached through review or escalation, never from open.
	_, err := f.engine.ResolveClaim(f.ctx, f.tenant, cl.ID, claim.ResolveInput{
		ResolutionType: string(claim.ResolutionUpheld),
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	_, err = f.engine.ReviewClaim(f.ctx, f.tenant, cl.ID, nil, "")
	require.NoError(t, err)

	_, err = f.engine.ResolveClaim(f.ctx, f.tenant, cl.ID, claim.ResolveInput{
		ResolutionType: string(claim.ResolutionNoFault),
		SettledAmount:  ptr(int64(500)),
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))

	_, err = f.engine.ResolveClaim(f.ctx, f.tenant, cl.ID, claim.ResolveInput{
		ResolutionType: string(claim.ResolutionUpheld),
		SettledAmount:  ptr(int64(1_500)),
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorValidation))

	stored, err := f.store.GetClaim(f.ctx, f.tenant, cl.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusInReview, stored.Status)

	_, err = f.store.GetEntryByIdempotencyKey(f.ctx, f.tenant, settlementKey(c.ID, cl.ID))
	assert.True(t, assurance.IsCode(err, assurance.ErrorNotFound))
}

func TestSettlementBoundedByCommitment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 1_000)
	account := f.fundedAccount(t, c, 5_000)
	cl := f.openClaim(t, c, 5_000)

	_, err := f.engine.ReviewClaim(f.ctx, f.tenant, cl.ID, nil, "")
	require.NoError(t, err)
	f.drainEvents(t)

	// An adjudicated settlement beyond the committed budget is refused, and
	// the resolution aborts with it.
	_, err = f.engine.ResolveClaim(f.ctx, f.tenant, cl.ID, claim.ResolveInput{
		ResolutionType: string(claim.ResolutionUpheld),
		SettledAmount:  ptr(int64(2_000)),
	})
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvariantViolation))

	stored, err := f.store.GetClaim(f.ctx, f.tenant, cl.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusInReview, stored.Status)

	storedAccount, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), storedAccount.Balance)
	assert.Empty(t, f.drainEvents(t))
}

func TestFreezeAllHoldsReleasesUntilDisputeClears(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000, func(input *contract.CreateInput) {
		input.ReleaseFreezePolicy = string(contract.FreezeAll)
	})
	account := f.fundedAccount(t, c, 10_000)
	o := f.addObligation(t, c)
	m := f.addLinkedMilestone(t, c, o, 2_000, string(contract.ReleaseAutomatic))

	cl := f.openClaim(t, c, 1_000)
	f.drainEvents(t)

	// Work continues under dispute, but the automatic release stays parked.
	_, err := f.engine.SatisfyObligation(f.ctx, f.tenant, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{EventObligationSatisfied, EventMilestoneReady}, eventTypes(f.drainEvents(t)))

	stored, err := f.store.GetMilestone(f.ctx, f.tenant, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReady, stored.Status)

	_, err = f.engine.Release(f.ctx, f.tenant, m.ID, anchorRef())
	assert.True(t, assurance.IsCode(err, assurance.ErrorInvalidState))

	_, err = f.engine.RejectClaim(f.ctx, f.tenant, cl.ID, ptr(anchorRef()), "no merit")
	require.NoError(t, err)

	assert.Equal(t, []string{
		EventClaimRejected,
		EventContractDisputeCleared,
		EventMilestoneReleased,
	}, eventTypes(f.drainEvents(t)))

	released, err := f.store.GetMilestone(f.ctx, f.tenant, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, released.Status)

	storedAccount, err := f.store.GetAccount(f.ctx, f.tenant, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8_000), storedAccount.Balance)
}

func TestFreezeScopedToDisputedMilestone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	c := f.activeContract(t, 10_000, func(input *contract.CreateInput) {
		input.ReleaseFreezePolicy = string(contract.FreezeDisputedMilestone)
	})
	f.fundedAccount(t, c, 10_000)

	first := f.addObligation(t, c)
	second := f.addObligation(t, c)
	frozen := f.addLinkedMilestone(t, c, first, 1_000, string(contract.ReleaseAutomatic))
	unaffected := f.addLinkedMilestone(t, c, second, 2_000, string(contract.ReleaseAutomatic))

	cl := f.openClaim(t, c, 500, func(input *claim.Input) {
		input.MilestoneID = &frozen.ID
	})

	// Only the claimed milestone is frozen.
	_, err := f.engine.SatisfyObligation(f.ctx, f.tenant, second.ID)
	require.NoError(t, err)

	released, err := f.store.GetMilestone(f.ctx, f.tenant, unaffected.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, released.Status)

	_, err = f.engine.SatisfyObligation(f.ctx, f.tenant, first.ID)
	require.NoError(t, err)

	parked, err := f.store.GetMilestone(f.ctx, f.tenant, frozen.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReady, parked.Status)

	_, err = f.engine.RejectClaim(f.ctx, f.tenant, cl.ID, nil, "")
	require.NoError(t, err)

	thawed, err := f.store.GetMilestone(f.ctx, f.tenant, frozen.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.MilestoneReleased, thawed.Status)
}
