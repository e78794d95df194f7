package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/money"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// autoReleaseActor stamps releases performed by evaluation rather than a
// caller.
var autoReleaseActor = subject.MustNew(subject.KindSystem, "auto-release")

// ReleaseResult reports one release: the milestone, the posted entry with
// its allocations when funds moved, and whether this call replayed an
// earlier release instead of performing a new one.
type ReleaseResult struct {
	Milestone       *contract.Milestone
	Entry           *ledger.Entry
	Allocations     []*ledger.Allocation
	AlreadyReleased bool
}

// releasePayload is the outbox body for a release: the full fact, so
// consumers need no follow-up reads.
type releasePayload struct {
	Milestone   *contract.Milestone  `json:"milestone"`
	Entry       *ledger.Entry        `json:"entry,omitempty"`
	Allocations []*ledger.Allocation `json:"allocations,omitempty"`
}

// releaseTally accumulates automatic releases performed inside a
// transaction so counters move only after the transaction commits.
type releaseTally struct {
	released int
	entries  int
}

func (t *releaseTally) add(result *ReleaseResult) {
	t.released++

	if result.Entry != nil {
		t.entries++
	}
}

func (e *Engine) recordReleases(ctx context.Context, tally releaseTally) {
	e.addCounter(ctx, metrics.MetricMilestonesReleased, int64(tally.released))
	e.addCounter(ctx, metrics.MetricEntriesPosted, int64(tally.entries))
}

// MilestoneLink names an obligation to bind into a milestone's gate at
// creation time.
type MilestoneLink struct {
	ObligationID uuid.UUID
	Link         contract.LinkInput
}

// AddMilestone attaches a release gate to a contract, binds the given
// obligations into it, and evaluates the finished gate once. Passing the
// links here matters for automatic milestones: a gate that needs no support
// arms on creation, so an automatic milestone created without its links
// would release before they could be added.
func (e *Engine) AddMilestone(ctx context.Context, tenantID, contractID uuid.UUID, input contract.MilestoneInput, links ...MilestoneLink) (*contract.Milestone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.add_milestone")
	defer span.End()

	var (
		result *contract.Milestone
		tally  releaseTally
	)

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if c.Status.IsTerminal() {
			return assurance.NewInvalidStateError("milestone", fmt.Sprintf("cannot add milestone to %s contract", c.Status))
		}

		now := e.now()

		m, err := contract.NewMilestone(c, input, now)
		if err != nil {
			return err
		}

		if err := tx.CreateMilestone(ctx, m); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventMilestoneAdded, aggregateMilestone, m.ID, m, now); err != nil {
			return err
		}

		for _, spec := range links {
			o, err := tx.GetObligation(ctx, tenantID, spec.ObligationID)
			if err != nil {
				return err
			}

			link, err := contract.NewLink(m, o, spec.Link, now)
			if err != nil {
				return err
			}

			if err := tx.CreateLink(ctx, link); err != nil {
				return err
			}

			if err := appendEvent(ctx, tx, tenantID, EventMilestoneLinked, aggregateMilestone, m.ID, link, now); err != nil {
				return err
			}
		}

		if err := e.evaluateMilestone(ctx, tx, c, m, now, &tally); err != nil {
			return err
		}

		result = m

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone add failed", err)
	}

	e.recordReleases(ctx, tally)
	logger.Log(ctx, log.LevelInfo, "milestone added",
		log.String("milestone_id", result.ID.String()),
		log.String("code", result.Code),
	)

	return result, nil
}

// LinkObligation adds an obligation to a milestone's gate and re-evaluates
// the milestone: linking unfinished work can demote a ready milestone, and
// linking satisfied work can arm one.
func (e *Engine) LinkObligation(ctx context.Context, tenantID, milestoneID, obligationID uuid.UUID, input contract.LinkInput) (*contract.Link, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.link_obligation")
	defer span.End()

	contractID, err := e.milestoneScope(ctx, tenantID, milestoneID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone lookup failed", err)
	}

	var (
		result *contract.Link
		tally  releaseTally
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if c.Status.IsTerminal() {
			return assurance.NewInvalidStateError("link", fmt.Sprintf("cannot link obligations on %s contract", c.Status))
		}

		m, err := tx.GetMilestone(ctx, tenantID, milestoneID)
		if err != nil {
			return err
		}

		o, err := tx.GetObligation(ctx, tenantID, obligationID)
		if err != nil {
			return err
		}

		now := e.now()

		link, err := contract.NewLink(m, o, input, now)
		if err != nil {
			return err
		}

		if err := tx.CreateLink(ctx, link); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventMilestoneLinked, aggregateMilestone, m.ID, link, now); err != nil {
			return err
		}

		if err := e.evaluateMilestone(ctx, tx, c, m, now, &tally); err != nil {
			return err
		}

		result = link

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation link failed", err)
	}

	e.recordReleases(ctx, tally)
	logger.Log(ctx, log.LevelInfo, "obligation linked",
		log.String("milestone_id", milestoneID.String()),
		log.String("obligation_id", obligationID.String()),
	)

	return result, nil
}

// Release posts a ready milestone's amount out of held funds and marks the
// milestone released, all in one transaction. Releasing an already released
// milestone replays the original outcome instead of posting again, so
// redelivered commands stay safe.
func (e *Engine) Release(ctx context.Context, tenantID, milestoneID uuid.UUID, actor subject.Ref) (*ReleaseResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.release_milestone")
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, failSpan(ctx, span, logger, "release actor rejected", err)
	}

	contractID, err := e.milestoneScope(ctx, tenantID, milestoneID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone lookup failed", err)
	}

	var result *ReleaseResult

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMilestone(ctx, tenantID, milestoneID)
		if err != nil {
			return err
		}

		if m.Status == contract.MilestoneReleased {
			result, err = e.replayRelease(ctx, tx, tenantID, contractID, m)

			return err
		}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		frozen, err := e.releaseFrozen(ctx, tx, c, m)
		if err != nil {
			return err
		}

		if frozen {
			return assurance.NewInvalidStateError("milestone", "release frozen while contract is disputed")
		}

		result, err = e.releaseInTx(ctx, tx, c, m, actor, e.now())

		return err
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone release failed", err)
	}

	if result.AlreadyReleased {
		e.addCounter(ctx, metrics.MetricReleasesReplayed, 1)
		logger.Log(ctx, log.LevelInfo, "milestone release replayed", log.String("milestone_id", milestoneID.String()))

		return result, nil
	}

	e.addCounter(ctx, metrics.MetricMilestonesReleased, 1)

	if result.Entry != nil {
		e.addCounter(ctx, metrics.MetricEntriesPosted, 1)
	}

	logger.Log(ctx, log.LevelInfo, "milestone released",
		log.String("milestone_id", milestoneID.String()),
		log.Int64("amount", result.Milestone.ReleaseAmount),
	)

	return result, nil
}

// CancelMilestone withdraws a pending or ready milestone.
func (e *Engine) CancelMilestone(ctx context.Context, tenantID, milestoneID uuid.UUID) (*contract.Milestone, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.cancel_milestone")
	defer span.End()

	contractID, err := e.milestoneScope(ctx, tenantID, milestoneID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone lookup failed", err)
	}

	var result *contract.Milestone

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMilestone(ctx, tenantID, milestoneID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := m.Cancel(now); err != nil {
			return err
		}

		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventMilestoneCancelled, aggregateMilestone, m.ID, m, now); err != nil {
			return err
		}

		result = m

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "milestone cancel failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "milestone cancelled", log.String("milestone_id", milestoneID.String()))

	return result, nil
}

// milestoneScope resolves the owning contract from committed state so the
// right lock can be taken before the transaction opens.
func (e *Engine) milestoneScope(ctx context.Context, tenantID, milestoneID uuid.UUID) (uuid.UUID, error) {
	m, err := e.store.GetMilestone(ctx, tenantID, milestoneID)
	if err != nil {
		return uuid.Nil, err
	}

	return m.ContractID, nil
}

// releaseKey is the idempotency key for a milestone's release entry. One
// milestone posts at most one release, so the key has no variant part.
func releaseKey(contractID, milestoneID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:release", contractID, milestoneID)
}

// replayRelease reconstructs the result of a completed release from its
// idempotency key. Zero-amount releases posted no entry, so a missing entry
// is a valid replay.
func (e *Engine) replayRelease(ctx context.Context, tx store.Tx, tenantID, contractID uuid.UUID, m *contract.Milestone) (*ReleaseResult, error) {
	result := &ReleaseResult{Milestone: m, AlreadyReleased: true}

	entry, err := tx.GetEntryByIdempotencyKey(ctx, tenantID, releaseKey(contractID, m.ID))
	if err != nil {
		if assurance.IsCode(err, assurance.ErrorNotFound) {
			return result, nil
		}

		return nil, err
	}

	allocations, err := tx.ListAllocationsByEntry(ctx, tenantID, entry.ID)
	if err != nil {
		return nil, err
	}

	result.Entry = entry
	result.Allocations = allocations

	return result, nil
}

// releaseFrozen reports whether the contract's freeze policy blocks this
// milestone right now. Freezes only bite while the contract is disputed with
// a blocking claim in scope.
func (e *Engine) releaseFrozen(ctx context.Context, tx store.Tx, c *contract.Contract, m *contract.Milestone) (bool, error) {
	if c.ReleaseFreezePolicy == contract.FreezeNone || c.Status != contract.StatusDisputed {
		return false, nil
	}

	claims, err := tx.ListClaimsByContract(ctx, c.TenantID, c.ID)
	if err != nil {
		return false, err
	}

	for _, cl := range claims {
		if !cl.Status.IsBlocking() {
			continue
		}

		if c.ReleaseFreezePolicy == contract.FreezeAll {
			return true, nil
		}

		if cl.MilestoneID != nil && *cl.MilestoneID == m.ID {
			return true, nil
		}
	}

	return false, nil
}

// releaseInTx performs the atomic release unit: budget tally, ledger entry,
// account balances, allocations, milestone terminal move, and the outbox
// event. Any failure discards the whole unit with the transaction.
func (e *Engine) releaseInTx(ctx context.Context, tx store.Tx, c *contract.Contract, m *contract.Milestone, actor subject.Ref, now time.Time) (*ReleaseResult, error) {
	if m.Status != contract.MilestoneReady {
		return nil, assurance.NewInvalidStateError("milestone", fmt.Sprintf("cannot release milestone in status %s", m.Status))
	}

	result := &ReleaseResult{Milestone: m}

	if m.ReleaseAmount > 0 {
		account, err := tx.GetContractAccount(ctx, c.TenantID, c.ID)
		if err != nil {
			return nil, err
		}

		if err := c.ApplyRelease(m.ReleaseAmount, now); err != nil {
			return nil, err
		}

		key := releaseKey(c.ID, m.ID)
		entry, err := ledger.NewEntry(account, ledger.EntryInput{
			AccountID:      account.ID,
			EntryType:      ledger.EntryRelease,
			OccurredAt:     now,
			BalanceDelta:   -m.ReleaseAmount,
			HeldDelta:      -m.ReleaseAmount,
			ContractID:     &c.ID,
			MilestoneID:    &m.ID,
			IdempotencyKey: &key,
		}, now)
		if err != nil {
			return nil, err
		}

		if err := account.Apply(entry, now); err != nil {
			return nil, err
		}

		if err := tx.CreateEntry(ctx, entry); err != nil {
			return nil, err
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return nil, err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return nil, err
		}

		allocations, err := e.allocateRelease(ctx, tx, c.TenantID, m, entry, now)
		if err != nil {
			return nil, err
		}

		result.Entry = entry
		result.Allocations = allocations
	}

	if err := m.MarkReleased(actor, now); err != nil {
		return nil, err
	}

	if err := tx.UpdateMilestone(ctx, m); err != nil {
		return nil, err
	}

	payload := releasePayload{Milestone: m, Entry: result.Entry, Allocations: result.Allocations}

	if err := appendEvent(ctx, tx, c.TenantID, EventMilestoneReleased, aggregateMilestone, m.ID, payload, now); err != nil {
		return nil, err
	}

	return result, nil
}

// allocateRelease splits the released amount across the milestone's required
// links by weight, or books the whole amount against the milestone when the
// gate has no required links. Zero shares from the split are dropped.
func (e *Engine) allocateRelease(ctx context.Context, tx store.Tx, tenantID uuid.UUID, m *contract.Milestone, entry *ledger.Entry, now time.Time) ([]*ledger.Allocation, error) {
	links, err := tx.ListLinksByMilestone(ctx, tenantID, m.ID)
	if err != nil {
		return nil, err
	}

	required := make([]*contract.Link, 0, len(links))

	for _, link := range links {
		if link.IsRequired {
			required = append(required, link)
		}
	}

	if len(required) == 0 {
		allocation, err := ledger.NewAllocation(entry, ledger.AllocationInput{
			AllocatedAmount: m.ReleaseAmount,
			MilestoneID:     &m.ID,
		}, now)
		if err != nil {
			return nil, err
		}

		if err := tx.CreateAllocation(ctx, allocation); err != nil {
			return nil, err
		}

		return []*ledger.Allocation{allocation}, nil
	}

	weights := make([]decimal.Decimal, len(required))
	for i, link := range required {
		weights[i] = link.Weight
	}

	shares, err := money.Distribute(m.ReleaseAmount, weights)
	if err != nil {
		return nil, err
	}

	allocations := make([]*ledger.Allocation, 0, len(required))

	for i, link := range required {
		if shares[i] == 0 {
			continue
		}

		allocation, err := ledger.NewAllocation(entry, ledger.AllocationInput{
			AllocatedAmount: shares[i],
			ObligationID:    &link.ObligationID,
			MilestoneID:     &m.ID,
		}, now)
		if err != nil {
			return nil, err
		}

		if err := tx.CreateAllocation(ctx, allocation); err != nil {
			return nil, err
		}

		allocations = append(allocations, allocation)
	}

	return allocations, nil
}

// evaluateLinkedMilestones re-scores every live milestone whose gate
// includes the obligation. Called inside the transaction that moved the
// obligation, so promotions, demotions, and automatic releases commit with
// the move that caused them.
func (e *Engine) evaluateLinkedMilestones(ctx context.Context, tx store.Tx, tenantID uuid.UUID, c *contract.Contract, obligationID uuid.UUID, now time.Time, tally *releaseTally) error {
	links, err := tx.ListLinksByObligation(ctx, tenantID, obligationID)
	if err != nil {
		return err
	}

	seen := make(map[uuid.UUID]bool, len(links))

	for _, link := range links {
		if seen[link.MilestoneID] {
			continue
		}

		seen[link.MilestoneID] = true

		m, err := tx.GetMilestone(ctx, tenantID, link.MilestoneID)
		if err != nil {
			return err
		}

		if err := e.evaluateMilestone(ctx, tx, c, m, now, tally); err != nil {
			return err
		}
	}

	return nil
}

// evaluateMilestone recomputes one milestone's gate and applies the outcome:
// pending milestones whose gate holds arm (and release, when automatic and
// not frozen); ready milestones whose gate no longer holds demote. Terminal
// milestones are left alone.
func (e *Engine) evaluateMilestone(ctx context.Context, tx store.Tx, c *contract.Contract, m *contract.Milestone, now time.Time, tally *releaseTally) error {
	if m.Status.IsTerminal() {
		return nil
	}

	links, err := tx.ListLinksByMilestone(ctx, c.TenantID, m.ID)
	if err != nil {
		return err
	}

	obligations := make(map[uuid.UUID]*contract.Obligation, len(links))

	for _, link := range links {
		if _, ok := obligations[link.ObligationID]; ok {
			continue
		}

		o, err := tx.GetObligation(ctx, c.TenantID, link.ObligationID)
		if err != nil {
			return err
		}

		obligations[link.ObligationID] = o
	}

	evaluation, err := contract.EvaluateMilestone(m, links, obligations, e.strategy)
	if err != nil {
		return err
	}

	switch {
	case evaluation.Ready && m.Status == contract.MilestonePending:
		if err := m.MarkReady(now); err != nil {
			return err
		}

		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, c.TenantID, EventMilestoneReady, aggregateMilestone, m.ID, m, now); err != nil {
			return err
		}

		if m.ReleaseMode == contract.ReleaseAutomatic {
			frozen, err := e.releaseFrozen(ctx, tx, c, m)
			if err != nil {
				return err
			}

			// A frozen milestone stays ready; the dispute-clearing path
			// resumes automatic releases.
			if !frozen {
				result, err := e.releaseInTx(ctx, tx, c, m, autoReleaseActor, now)
				if err != nil {
					return err
				}

				tally.add(result)
			}
		}
	case !evaluation.Ready && m.Status == contract.MilestoneReady:
		if err := m.Demote(now); err != nil {
			return err
		}

		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, c.TenantID, EventMilestoneDemoted, aggregateMilestone, m.ID, m, now); err != nil {
			return err
		}
	}

	return nil
}

// resumeAutomaticReleases releases every ready automatic milestone that is
// no longer frozen. Called after a dispute clears.
func (e *Engine) resumeAutomaticReleases(ctx context.Context, tx store.Tx, c *contract.Contract, now time.Time, tally *releaseTally) error {
	milestones, err := tx.ListMilestonesByContract(ctx, c.TenantID, c.ID)
	if err != nil {
		return err
	}

	for _, m := range milestones {
		if m.Status != contract.MilestoneReady || m.ReleaseMode != contract.ReleaseAutomatic {
			continue
		}

		frozen, err := e.releaseFrozen(ctx, tx, c, m)
		if err != nil {
			return err
		}

		if frozen {
			continue
		}

		result, err := e.releaseInTx(ctx, tx, c, m, autoReleaseActor, now)
		if err != nil {
			return err
		}

		tally.add(result)
	}

	return nil
}
