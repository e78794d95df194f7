package memory

import (
	"bytes"
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
)

// collection keeps entities addressable by ID while preserving insertion
// order for deterministic listings. The zero value is ready to use.
type collection[T any] struct {
	byID  map[uuid.UUID]*T
	order []uuid.UUID
}

func (c collection[T]) get(id uuid.UUID) (*T, bool) {
	v, ok := c.byID[id]
	return v, ok
}

func (c *collection[T]) put(id uuid.UUID, v *T) {
	if c.byID == nil {
		c.byID = make(map[uuid.UUID]*T)
	}

	if _, exists := c.byID[id]; !exists {
		c.order = append(c.order, id)
	}

	c.byID[id] = v
}

// collect returns the stored pointers matching the predicate in insertion
// order. Callers must not hand these out without cloning.
func (c collection[T]) collect(match func(*T) bool) []*T {
	var out []*T

	for _, id := range c.order {
		if v, ok := c.byID[id]; ok && match(v) {
			out = append(out, v)
		}
	}

	return out
}

func (c collection[T]) clone() collection[T] {
	return collection[T]{byID: maps.Clone(c.byID), order: slices.Clone(c.order)}
}

// arena holds one tenant's committed state. Entities inside an arena are
// treated as immutable: writes replace slots with fresh clones and reads
// hand out clones, so cloning an arena only copies its indexes.
type arena struct {
	contracts   collection[contract.Contract]
	obligations collection[contract.Obligation]
	milestones  collection[contract.Milestone]
	links       collection[contract.Link]
	accounts    collection[ledger.Account]
	entries     collection[ledger.Entry]
	allocations collection[ledger.Allocation]
	claims      collection[claim.Claim]
	claimEvents collection[claim.Event]
	events      collection[outbox.Event]

	entryByKey map[string]uuid.UUID
}

func (a *arena) clone() *arena {
	return &arena{
		contracts:   a.contracts.clone(),
		obligations: a.obligations.clone(),
		milestones:  a.milestones.clone(),
		links:       a.links.clone(),
		accounts:    a.accounts.clone(),
		entries:     a.entries.clone(),
		allocations: a.allocations.clone(),
		claims:      a.claims.clone(),
		claimEvents: a.claimEvents.clone(),
		events:      a.events.clone(),
		entryByKey:  maps.Clone(a.entryByKey),
	}
}

func (a *arena) contractByID(id uuid.UUID) (*contract.Contract, error) {
	c, ok := a.contracts.get(id)
	if !ok {
		return nil, notFound("contract", id)
	}

	return cloneContract(c), nil
}

func (a *arena) obligationByID(id uuid.UUID) (*contract.Obligation, error) {
	o, ok := a.obligations.get(id)
	if !ok {
		return nil, notFound("obligation", id)
	}

	return cloneObligation(o), nil
}

func (a *arena) obligationsByContract(contractID uuid.UUID) []*contract.Obligation {
	out := a.obligations.collect(func(o *contract.Obligation) bool {
		return o.ContractID == contractID
	})

	slices.SortStableFunc(out, func(x, y *contract.Obligation) int {
		if c := cmp.Compare(x.SortOrder, y.SortOrder); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	return cloneSlice(out, cloneObligation)
}

func (a *arena) milestoneByID(id uuid.UUID) (*contract.Milestone, error) {
	m, ok := a.milestones.get(id)
	if !ok {
		return nil, notFound("milestone", id)
	}

	return cloneMilestone(m), nil
}

func (a *arena) milestonesByContract(contractID uuid.UUID) []*contract.Milestone {
	out := a.milestones.collect(func(m *contract.Milestone) bool {
		return m.ContractID == contractID
	})

	slices.SortStableFunc(out, func(x, y *contract.Milestone) int {
		if c := cmp.Compare(x.SortOrder, y.SortOrder); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	return cloneSlice(out, cloneMilestone)
}

func (a *arena) linksByMilestone(milestoneID uuid.UUID) []*contract.Link {
	out := a.links.collect(func(l *contract.Link) bool {
		return l.MilestoneID == milestoneID
	})

	sortLinks(out)

	return cloneSlice(out, cloneLink)
}

func (a *arena) linksByObligation(obligationID uuid.UUID) []*contract.Link {
	out := a.links.collect(func(l *contract.Link) bool {
		return l.ObligationID == obligationID
	})

	sortLinks(out)

	return cloneSlice(out, cloneLink)
}

func sortLinks(links []*contract.Link) {
	slices.SortStableFunc(links, func(x, y *contract.Link) int {
		if c := cmp.Compare(x.SortOrder, y.SortOrder); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})
}

func (a *arena) accountByID(id uuid.UUID) (*ledger.Account, error) {
	acc, ok := a.accounts.get(id)
	if !ok {
		return nil, notFound("account", id)
	}

	return cloneAccount(acc), nil
}

func (a *arena) accountForContract(contractID uuid.UUID) (*ledger.Account, error) {
	matches := a.accounts.collect(func(acc *ledger.Account) bool {
		return acc.ContractID != nil && *acc.ContractID == contractID
	})
	if len(matches) == 0 {
		return nil, assurance.NewAccountNotFoundError(fmt.Sprintf("no account bound to contract %s", contractID))
	}

	return cloneAccount(matches[0]), nil
}

func (a *arena) entryByID(id uuid.UUID) (*ledger.Entry, error) {
	e, ok := a.entries.get(id)
	if !ok {
		return nil, notFound("entry", id)
	}

	return cloneEntry(e), nil
}

func (a *arena) entriesByAccount(accountID uuid.UUID) []*ledger.Entry {
	out := a.entries.collect(func(e *ledger.Entry) bool {
		return e.AccountID == accountID
	})

	slices.SortStableFunc(out, func(x, y *ledger.Entry) int {
		if c := x.OccurredAt.Compare(y.OccurredAt); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	return cloneSlice(out, cloneEntry)
}

func (a *arena) entryForKey(key string) (*ledger.Entry, error) {
	id, ok := a.entryByKey[key]
	if !ok {
		return nil, assurance.NewNotFoundError("entry", fmt.Sprintf("no entry with idempotency key %q", key))
	}

	return a.entryByID(id)
}

func (a *arena) allocationsByEntry(entryID uuid.UUID) []*ledger.Allocation {
	out := a.allocations.collect(func(al *ledger.Allocation) bool {
		return al.EntryID == entryID
	})

	return cloneSlice(out, cloneAllocation)
}

func (a *arena) claimByID(id uuid.UUID) (*claim.Claim, error) {
	c, ok := a.claims.get(id)
	if !ok {
		return nil, notFound("claim", id)
	}

	return cloneClaim(c), nil
}

func (a *arena) claimsByContract(contractID uuid.UUID) []*claim.Claim {
	out := a.claims.collect(func(c *claim.Claim) bool {
		return c.ContractID == contractID
	})

	slices.SortStableFunc(out, func(x, y *claim.Claim) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})

	return cloneSlice(out, cloneClaim)
}

func (a *arena) claimEventsByClaim(claimID uuid.UUID) []*claim.Event {
	out := a.claimEvents.collect(func(e *claim.Event) bool {
		return e.ClaimID == claimID
	})

	slices.SortStableFunc(out, func(x, y *claim.Event) int {
		if c := x.OccurredAt.Compare(y.OccurredAt); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	return cloneSlice(out, cloneClaimEvent)
}

func (a *arena) dueObligations(asOf time.Time, limit int) []*contract.Obligation {
	if limit <= 0 {
		return nil
	}

	out := a.obligations.collect(func(o *contract.Obligation) bool {
		return o.Status.IsOpen() && o.DueAt != nil && !o.DueAt.After(asOf)
	})

	slices.SortStableFunc(out, func(x, y *contract.Obligation) int {
		if c := x.DueAt.Compare(*y.DueAt); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return cloneSlice(out, cloneObligation)
}

func (a *arena) expiredContracts(asOf time.Time, limit int) []*contract.Contract {
	if limit <= 0 {
		return nil
	}

	out := a.contracts.collect(func(c *contract.Contract) bool {
		return c.Status.CanTransitionTo(contract.StatusDefaulted) &&
			c.ExpiresAt != nil && !c.ExpiresAt.After(asOf)
	})

	slices.SortStableFunc(out, func(x, y *contract.Contract) int {
		if c := x.ExpiresAt.Compare(*y.ExpiresAt); c != 0 {
			return c
		}

		return x.CreatedAt.Compare(y.CreatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return cloneSlice(out, cloneContract)
}

func notFound(entityType string, id uuid.UUID) error {
	return assurance.NewNotFoundError(entityType, fmt.Sprintf("%s %s not found", entityType, id))
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

func cloneSlice[T any](in []*T, cloneFn func(*T) *T) []*T {
	if len(in) == 0 {
		return nil
	}

	out := make([]*T, len(in))
	for i, v := range in {
		out[i] = cloneFn(v)
	}

	return out
}

func cloneContract(src *contract.Contract) *contract.Contract {
	dst := *src
	dst.CounterpartySubject = clonePtr(src.CounterpartySubject)
	dst.StartedAt = clonePtr(src.StartedAt)
	dst.ExpiresAt = clonePtr(src.ExpiresAt)
	dst.CompletedAt = clonePtr(src.CompletedAt)
	dst.CancelledAt = clonePtr(src.CancelledAt)
	dst.DefaultedAt = clonePtr(src.DefaultedAt)
	dst.Metadata = maps.Clone(src.Metadata)

	return &dst
}

func cloneObligation(src *contract.Obligation) *contract.Obligation {
	dst := *src
	dst.Obligor = clonePtr(src.Obligor)
	dst.Beneficiary = clonePtr(src.Beneficiary)
	dst.RequiredAmount = clonePtr(src.RequiredAmount)
	dst.DueAt = clonePtr(src.DueAt)
	dst.SatisfiedAt = clonePtr(src.SatisfiedAt)
	dst.BreachedAt = clonePtr(src.BreachedAt)
	dst.WaivedAt = clonePtr(src.WaivedAt)
	dst.CancelledAt = clonePtr(src.CancelledAt)
	dst.ExpiredAt = clonePtr(src.ExpiredAt)

	return &dst
}

func cloneMilestone(src *contract.Milestone) *contract.Milestone {
	dst := *src
	dst.DueAt = clonePtr(src.DueAt)
	dst.ReadyAt = clonePtr(src.ReadyAt)
	dst.ReleasedAt = clonePtr(src.ReleasedAt)
	dst.CancelledAt = clonePtr(src.CancelledAt)
	dst.ReleasedBy = clonePtr(src.ReleasedBy)

	return &dst
}

func cloneLink(src *contract.Link) *contract.Link {
	dst := *src

	return &dst
}

func cloneAccount(src *ledger.Account) *ledger.Account {
	dst := *src
	dst.ContractID = clonePtr(src.ContractID)
	dst.CounterpartySubject = clonePtr(src.CounterpartySubject)
	dst.ClosedAt = clonePtr(src.ClosedAt)

	return &dst
}

func cloneEntry(src *ledger.Entry) *ledger.Entry {
	dst := *src
	dst.ContractID = clonePtr(src.ContractID)
	dst.MilestoneID = clonePtr(src.MilestoneID)
	dst.ObligationID = clonePtr(src.ObligationID)
	dst.ExternalTransactionID = clonePtr(src.ExternalTransactionID)
	dst.SubjectRef = clonePtr(src.SubjectRef)
	dst.IdempotencyKey = clonePtr(src.IdempotencyKey)
	dst.ReversesEntryID = clonePtr(src.ReversesEntryID)
	dst.Metadata = maps.Clone(src.Metadata)

	return &dst
}

func cloneAllocation(src *ledger.Allocation) *ledger.Allocation {
	dst := *src
	dst.ObligationID = clonePtr(src.ObligationID)
	dst.MilestoneID = clonePtr(src.MilestoneID)
	dst.ExternalLineID = clonePtr(src.ExternalLineID)
	dst.SubjectRef = clonePtr(src.SubjectRef)

	return &dst
}

func cloneClaim(src *claim.Claim) *claim.Claim {
	dst := *src
	dst.MilestoneID = clonePtr(src.MilestoneID)
	dst.ResolutionType = clonePtr(src.ResolutionType)
	dst.Against = clonePtr(src.Against)
	dst.SettledAmount = clonePtr(src.SettledAmount)
	dst.RespondByAt = clonePtr(src.RespondByAt)
	dst.ReviewStartedAt = clonePtr(src.ReviewStartedAt)
	dst.EscalatedAt = clonePtr(src.EscalatedAt)
	dst.ResolvedAt = clonePtr(src.ResolvedAt)
	dst.ClosedAt = clonePtr(src.ClosedAt)
	dst.RejectedAt = clonePtr(src.RejectedAt)
	dst.CancelledAt = clonePtr(src.CancelledAt)
	dst.Metadata = maps.Clone(src.Metadata)

	return &dst
}

func cloneClaimEvent(src *claim.Event) *claim.Event {
	dst := *src
	dst.FromStatus = clonePtr(src.FromStatus)
	dst.Actor = clonePtr(src.Actor)
	dst.LedgerEntryID = clonePtr(src.LedgerEntryID)

	return &dst
}

func cloneOutboxEvent(src *outbox.Event) *outbox.Event {
	dst := *src
	dst.Payload = bytes.Clone(src.Payload)
	dst.PublishedAt = clonePtr(src.PublishedAt)

	return &dst
}
