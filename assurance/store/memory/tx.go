package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// memTx applies reads and writes to the working arena of one ExecTx call.
// It is single-goroutine by construction; ExecTx holds the store mutex.
type memTx struct {
	tenantID uuid.UUID
	arena    *arena
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) guard(tenantID uuid.UUID) error {
	if tenantID != t.tenantID {
		return store.ErrTenantMismatch
	}

	return nil
}

func (t *memTx) GetContract(_ context.Context, tenantID, id uuid.UUID) (*contract.Contract, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.contractByID(id)
}

func (t *memTx) GetObligation(_ context.Context, tenantID, id uuid.UUID) (*contract.Obligation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.obligationByID(id)
}

func (t *memTx) ListObligationsByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.obligationsByContract(contractID), nil
}

func (t *memTx) GetMilestone(_ context.Context, tenantID, id uuid.UUID) (*contract.Milestone, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.milestoneByID(id)
}

func (t *memTx) ListMilestonesByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.milestonesByContract(contractID), nil
}

func (t *memTx) ListLinksByMilestone(_ context.Context, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.linksByMilestone(milestoneID), nil
}

func (t *memTx) ListLinksByObligation(_ context.Context, tenantID, obligationID uuid.UUID) ([]*contract.Link, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.linksByObligation(obligationID), nil
}

func (t *memTx) GetAccount(_ context.Context, tenantID, id uuid.UUID) (*ledger.Account, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.accountByID(id)
}

func (t *memTx) GetContractAccount(_ context.Context, tenantID, contractID uuid.UUID) (*ledger.Account, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.accountForContract(contractID)
}

func (t *memTx) GetEntry(_ context.Context, tenantID, id uuid.UUID) (*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.entryByID(id)
}

func (t *memTx) ListEntriesByAccount(_ context.Context, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.entriesByAccount(accountID), nil
}

func (t *memTx) GetEntryByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.entryForKey(key)
}

func (t *memTx) ListAllocationsByEntry(_ context.Context, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.allocationsByEntry(entryID), nil
}

func (t *memTx) GetClaim(_ context.Context, tenantID, id uuid.UUID) (*claim.Claim, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.claimByID(id)
}

func (t *memTx) ListClaimsByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*claim.Claim, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.claimsByContract(contractID), nil
}

func (t *memTx) ListClaimEvents(_ context.Context, tenantID, claimID uuid.UUID) ([]*claim.Event, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return t.arena.claimEventsByClaim(claimID), nil
}

func (t *memTx) CreateContract(_ context.Context, c *contract.Contract) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.contracts.get(c.ID); ok {
		return fmt.Errorf("contract %s: %w", c.ID, store.ErrAlreadyExists)
	}

	t.arena.contracts.put(c.ID, cloneContract(c))

	return nil
}

func (t *memTx) UpdateContract(_ context.Context, c *contract.Contract) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.contracts.get(c.ID); !ok {
		return notFound("contract", c.ID)
	}

	t.arena.contracts.put(c.ID, cloneContract(c))

	return nil
}

func (t *memTx) CreateObligation(_ context.Context, o *contract.Obligation) error {
	if o == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(o.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.obligations.get(o.ID); ok {
		return fmt.Errorf("obligation %s: %w", o.ID, store.ErrAlreadyExists)
	}

	t.arena.obligations.put(o.ID, cloneObligation(o))

	return nil
}

func (t *memTx) UpdateObligation(_ context.Context, o *contract.Obligation) error {
	if o == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(o.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.obligations.get(o.ID); !ok {
		return notFound("obligation", o.ID)
	}

	t.arena.obligations.put(o.ID, cloneObligation(o))

	return nil
}

func (t *memTx) CreateMilestone(_ context.Context, m *contract.Milestone) error {
	if m == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(m.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.milestones.get(m.ID); ok {
		return fmt.Errorf("milestone %s: %w", m.ID, store.ErrAlreadyExists)
	}

	// Milestone codes are unique per contract.
	dupes := t.arena.milestones.collect(func(existing *contract.Milestone) bool {
		return existing.ContractID == m.ContractID && existing.Code == m.Code
	})
	if len(dupes) > 0 {
		return fmt.Errorf("milestone code %q on contract %s: %w", m.Code, m.ContractID, store.ErrAlreadyExists)
	}

	t.arena.milestones.put(m.ID, cloneMilestone(m))

	return nil
}

func (t *memTx) UpdateMilestone(_ context.Context, m *contract.Milestone) error {
	if m == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(m.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.milestones.get(m.ID); !ok {
		return notFound("milestone", m.ID)
	}

	t.arena.milestones.put(m.ID, cloneMilestone(m))

	return nil
}

func (t *memTx) CreateLink(_ context.Context, l *contract.Link) error {
	if l == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(l.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.links.get(l.ID); ok {
		return fmt.Errorf("link %s: %w", l.ID, store.ErrAlreadyExists)
	}

	dupes := t.arena.links.collect(func(existing *contract.Link) bool {
		return existing.MilestoneID == l.MilestoneID && existing.ObligationID == l.ObligationID
	})
	if len(dupes) > 0 {
		return fmt.Errorf("milestone %s obligation %s: %w", l.MilestoneID, l.ObligationID, store.ErrDuplicateLink)
	}

	t.arena.links.put(l.ID, cloneLink(l))

	return nil
}

func (t *memTx) CreateAccount(_ context.Context, a *ledger.Account) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.accounts.get(a.ID); ok {
		return fmt.Errorf("account %s: %w", a.ID, store.ErrAlreadyExists)
	}

	// One secured account per contract.
	if a.ContractID != nil {
		bound := t.arena.accounts.collect(func(existing *ledger.Account) bool {
			return existing.ContractID != nil && *existing.ContractID == *a.ContractID
		})
		if len(bound) > 0 {
			return fmt.Errorf("contract %s account: %w", *a.ContractID, store.ErrAlreadyExists)
		}
	}

	t.arena.accounts.put(a.ID, cloneAccount(a))

	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a *ledger.Account) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.accounts.get(a.ID); !ok {
		return notFound("account", a.ID)
	}

	t.arena.accounts.put(a.ID, cloneAccount(a))

	return nil
}

func (t *memTx) CreateEntry(_ context.Context, e *ledger.Entry) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.entries.get(e.ID); ok {
		return fmt.Errorf("entry %s: %w", e.ID, store.ErrAlreadyExists)
	}

	if e.IdempotencyKey != nil {
		if _, ok := t.arena.entryByKey[*e.IdempotencyKey]; ok {
			return fmt.Errorf("entry key %q: %w", *e.IdempotencyKey, store.ErrDuplicateIdempotencyKey)
		}
	}

	t.arena.entries.put(e.ID, cloneEntry(e))

	if e.IdempotencyKey != nil {
		if t.arena.entryByKey == nil {
			t.arena.entryByKey = make(map[string]uuid.UUID)
		}

		t.arena.entryByKey[*e.IdempotencyKey] = e.ID
	}

	return nil
}

func (t *memTx) UpdateEntry(_ context.Context, e *ledger.Entry) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.entries.get(e.ID); !ok {
		return notFound("entry", e.ID)
	}

	t.arena.entries.put(e.ID, cloneEntry(e))

	return nil
}

func (t *memTx) CreateAllocation(_ context.Context, a *ledger.Allocation) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.allocations.get(a.ID); ok {
		return fmt.Errorf("allocation %s: %w", a.ID, store.ErrAlreadyExists)
	}

	t.arena.allocations.put(a.ID, cloneAllocation(a))

	return nil
}

func (t *memTx) CreateClaim(_ context.Context, c *claim.Claim) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.claims.get(c.ID); ok {
		return fmt.Errorf("claim %s: %w", c.ID, store.ErrAlreadyExists)
	}

	t.arena.claims.put(c.ID, cloneClaim(c))

	return nil
}

func (t *memTx) UpdateClaim(_ context.Context, c *claim.Claim) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.claims.get(c.ID); !ok {
		return notFound("claim", c.ID)
	}

	t.arena.claims.put(c.ID, cloneClaim(c))

	return nil
}

func (t *memTx) AppendClaimEvent(_ context.Context, e *claim.Event) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.claimEvents.get(e.ID); ok {
		return fmt.Errorf("claim event %s: %w", e.ID, store.ErrAlreadyExists)
	}

	t.arena.claimEvents.put(e.ID, cloneClaimEvent(e))

	return nil
}

func (t *memTx) AppendOutboxEvent(_ context.Context, e *outbox.Event) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	if _, ok := t.arena.events.get(e.ID); ok {
		return fmt.Errorf("outbox event %s: %w", e.ID, store.ErrAlreadyExists)
	}

	t.arena.events.put(e.ID, cloneOutboxEvent(e))

	return nil
}
