// Package memory provides an in-memory store.Store for tests and embedded
// use. A transaction clones the tenant's arena, applies writes to the clone
// and swaps it in on commit, so a failed transaction leaves no trace. The
// same Store also serves as the outbox dispatch repository.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// Store keeps all tenant state behind a single mutex. Transactions
// serialize, which is the point: commit order is total and tests stay
// deterministic.
type Store struct {
	mu      sync.RWMutex
	arenas  map[uuid.UUID]*arena
	tenants []uuid.UUID
	clock   func() time.Time
}

var (
	_ store.Store       = (*Store)(nil)
	_ outbox.Repository = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to stamp outbox state changes.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		arenas: make(map[uuid.UUID]*arena),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ExecTx implements store.Store. The store mutex is held for the duration
// of fn, so transactions never observe each other half-done.
func (s *Store) ExecTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil {
		return store.ErrNilStore
	}

	if fn == nil {
		return store.ErrNilTxFunc
	}

	if tenantID == uuid.Nil {
		return store.ErrTenantRequired
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, existed := s.arenas[tenantID]
	if !existed {
		base = &arena{}
	}

	work := base.clone()

	if err := fn(ctx, &memTx{tenantID: tenantID, arena: work}); err != nil {
		return err
	}

	s.arenas[tenantID] = work
	if !existed {
		s.tenants = append(s.tenants, tenantID)
	}

	return nil
}

// ListTenants implements both store.Store and outbox.Repository.
func (s *Store) ListTenants(_ context.Context) ([]uuid.UUID, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.tenants), nil
}

// ListDueObligations implements store.Store.
func (s *Store) ListDueObligations(_ context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Obligation, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).dueObligations(asOf, limit), nil
}

// ListExpiredContracts implements store.Store.
func (s *Store) ListExpiredContracts(_ context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Contract, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).expiredContracts(asOf, limit), nil
}

// readArena returns the committed arena for a tenant, or an empty arena
// when the tenant is unknown. Callers must hold s.mu.
func (s *Store) readArena(tenantID uuid.UUID) *arena {
	if a, ok := s.arenas[tenantID]; ok {
		return a
	}

	return &arena{}
}

func (s *Store) GetContract(_ context.Context, tenantID, id uuid.UUID) (*contract.Contract, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).contractByID(id)
}

func (s *Store) GetObligation(_ context.Context, tenantID, id uuid.UUID) (*contract.Obligation, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).obligationByID(id)
}

func (s *Store) ListObligationsByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).obligationsByContract(contractID), nil
}

func (s *Store) GetMilestone(_ context.Context, tenantID, id uuid.UUID) (*contract.Milestone, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).milestoneByID(id)
}

func (s *Store) ListMilestonesByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).milestonesByContract(contractID), nil
}

func (s *Store) ListLinksByMilestone(_ context.Context, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).linksByMilestone(milestoneID), nil
}

func (s *Store) ListLinksByObligation(_ context.Context, tenantID, obligationID uuid.UUID) ([]*contract.Link, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).linksByObligation(obligationID), nil
}

func (s *Store) GetAccount(_ context.Context, tenantID, id uuid.UUID) (*ledger.Account, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).accountByID(id)
}

func (s *Store) GetContractAccount(_ context.Context, tenantID, contractID uuid.UUID) (*ledger.Account, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).accountForContract(contractID)
}

func (s *Store) GetEntry(_ context.Context, tenantID, id uuid.UUID) (*ledger.Entry, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).entryByID(id)
}

func (s *Store) ListEntriesByAccount(_ context.Context, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).entriesByAccount(accountID), nil
}

func (s *Store) GetEntryByIdempotencyKey(_ context.Context, tenantID uuid.UUID, key string) (*ledger.Entry, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).entryForKey(key)
}

func (s *Store) ListAllocationsByEntry(_ context.Context, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).allocationsByEntry(entryID), nil
}

func (s *Store) GetClaim(_ context.Context, tenantID, id uuid.UUID) (*claim.Claim, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).claimByID(id)
}

func (s *Store) ListClaimsByContract(_ context.Context, tenantID, contractID uuid.UUID) ([]*claim.Claim, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).claimsByContract(contractID), nil
}

func (s *Store) ListClaimEvents(_ context.Context, tenantID, claimID uuid.UUID) ([]*claim.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readArena(tenantID).claimEventsByClaim(claimID), nil
}
