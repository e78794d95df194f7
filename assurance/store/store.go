// Package store defines the persistence ports the assurance engine writes
// through. A Store hands out tenant-scoped transactions; every state change
// the engine makes (entity updates, ledger entries, outbox events) commits
// through a single ExecTx call or not at all.
//
// Implementations live in store/memory (tests, embedded use) and
// store/postgres (production).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
)

var (
	// ErrNilStore is returned when a nil store receives a call.
	ErrNilStore = errors.New("store is nil")

	// ErrNilTxFunc is returned when ExecTx is called without a function.
	ErrNilTxFunc = errors.New("transaction function is nil")

	// ErrTenantRequired is returned when a tenant-scoped call carries the
	// zero tenant ID.
	ErrTenantRequired = errors.New("tenant id is required")

	// ErrTenantMismatch is returned when an entity written inside a
	// transaction belongs to a different tenant than the transaction.
	ErrTenantMismatch = errors.New("entity tenant does not match transaction tenant")

	// ErrNilEntity is returned when a write receives a nil entity.
	ErrNilEntity = errors.New("entity is nil")

	// ErrAlreadyExists is returned when a create collides with an existing
	// entity ID.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrDuplicateIdempotencyKey is returned when an entry create collides
	// with another entry carrying the same idempotency key. Callers look up
	// the prior entry and replay its outcome.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

	// ErrDuplicateLink is returned when a milestone-obligation link already
	// exists for the pair.
	ErrDuplicateLink = errors.New("milestone obligation link already exists")
)

// Reader is the tenant-scoped read surface shared by Store and Tx. Lookups
// for absent entities return an error with CodeNotFound. List methods order
// deterministically: obligations, milestones and links by sort order then
// creation time, entries by occurrence time then creation time, claim events
// by occurrence time.
type Reader interface {
	GetContract(ctx context.Context, tenantID, id uuid.UUID) (*contract.Contract, error)

	GetObligation(ctx context.Context, tenantID, id uuid.UUID) (*contract.Obligation, error)
	ListObligationsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error)

	GetMilestone(ctx context.Context, tenantID, id uuid.UUID) (*contract.Milestone, error)
	ListMilestonesByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error)
	ListLinksByMilestone(ctx context.Context, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error)
	ListLinksByObligation(ctx context.Context, tenantID, obligationID uuid.UUID) ([]*contract.Link, error)

	GetAccount(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Account, error)
	GetContractAccount(ctx context.Context, tenantID, contractID uuid.UUID) (*ledger.Account, error)
	GetEntry(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Entry, error)
	ListEntriesByAccount(ctx context.Context, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error)
	GetEntryByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*ledger.Entry, error)
	ListAllocationsByEntry(ctx context.Context, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error)

	GetClaim(ctx context.Context, tenantID, id uuid.UUID) (*claim.Claim, error)
	ListClaimsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*claim.Claim, error)
	ListClaimEvents(ctx context.Context, tenantID, claimID uuid.UUID) ([]*claim.Event, error)
}

// Tx is the write surface available inside ExecTx. Reads through a Tx see
// committed state plus the transaction's own uncommitted writes. Every write
// must carry the transaction's tenant; implementations reject mismatches
// with ErrTenantMismatch.
type Tx interface {
	Reader

	CreateContract(ctx context.Context, c *contract.Contract) error
	UpdateContract(ctx context.Context, c *contract.Contract) error

	CreateObligation(ctx context.Context, o *contract.Obligation) error
	UpdateObligation(ctx context.Context, o *contract.Obligation) error

	CreateMilestone(ctx context.Context, m *contract.Milestone) error
	UpdateMilestone(ctx context.Context, m *contract.Milestone) error
	CreateLink(ctx context.Context, l *contract.Link) error

	CreateAccount(ctx context.Context, a *ledger.Account) error
	UpdateAccount(ctx context.Context, a *ledger.Account) error
	CreateEntry(ctx context.Context, e *ledger.Entry) error
	UpdateEntry(ctx context.Context, e *ledger.Entry) error
	CreateAllocation(ctx context.Context, a *ledger.Allocation) error

	CreateClaim(ctx context.Context, c *claim.Claim) error
	UpdateClaim(ctx context.Context, c *claim.Claim) error
	AppendClaimEvent(ctx context.Context, e *claim.Event) error

	AppendOutboxEvent(ctx context.Context, e *outbox.Event) error
}

// Store is the engine's persistence port. Direct Reader calls observe
// committed state only; mutations go through ExecTx.
type Store interface {
	Reader

	// ExecTx runs fn inside a tenant-scoped atomic unit. When fn returns
	// nil every write commits together; any error or panic discards them
	// all. Serialization conflicts surface as CodeConcurrencyConflict and
	// are safe to retry.
	ExecTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error

	// ListTenants returns the tenants present in the store, for sweep and
	// dispatch fan-out.
	ListTenants(ctx context.Context) ([]uuid.UUID, error)

	// ListDueObligations returns active-state obligations whose due time
	// passed at or before asOf, oldest due first.
	ListDueObligations(ctx context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Obligation, error)

	// ListExpiredContracts returns active contracts whose expiry passed at
	// or before asOf, oldest expiry first.
	ListExpiredContracts(ctx context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Contract, error)
}
