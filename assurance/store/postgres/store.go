package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// Store is the PostgreSQL-backed persistence port. Direct reads route
// through the primary/replica resolver; ExecTx runs on the primary.
// The same value implements outbox.Repository for the dispatcher.
type Store struct {
	client *Client
}

var (
	_ store.Store       = (*Store)(nil)
	_ outbox.Repository = (*Store)(nil)
)

// NewStore creates a store over an existing client.
func NewStore(client *Client) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	return &Store{client: client}, nil
}

// ExecTx implements store.Store. The whole unit runs in one database
// transaction; fn's writes commit together or not at all. Serialization
// failures and lock conflicts surface as retryable concurrency conflicts.
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

	logger, tracer, _, _ := assurance.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.exec_tx")
	defer span.End()

	primary, err := s.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	tx, err := primary.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to begin transaction", err)
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Rollback after commit is a no-op; this only fires on the error paths.
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tenantID: tenantID, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to commit transaction", err)
		logger.Log(ctx, log.LevelError, "failed to commit transaction", log.Err(err))

		return mapWriteError("transaction", err)
	}

	return nil
}

// ListTenants implements both store.Store and outbox.Repository. Tenants
// are discovered from the rows themselves; there is no separate registry
// table.
func (s *Store) ListTenants(ctx context.Context) ([]uuid.UUID, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT tenant_id FROM commitment_contracts
		UNION SELECT tenant_id FROM secured_balance_accounts
		UNION SELECT tenant_id FROM outbox_events
		ORDER BY tenant_id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}

		tenants = append(tenants, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants rows: %w", err)
	}

	return tenants, nil
}

// ListDueObligations implements store.Store.
func (s *Store) ListDueObligations(ctx context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Obligation, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + obligationColumns + ` FROM obligations
		WHERE tenant_id = $1 AND due_at IS NOT NULL AND due_at <= $2
			AND status IN ('pending', 'in_progress')
		ORDER BY due_at, created_at
		LIMIT $3`

	return queryAll(ctx, db, query, scanObligation, tenantID, asOf, limit)
}

// ListExpiredContracts implements store.Store.
func (s *Store) ListExpiredContracts(ctx context.Context, tenantID uuid.UUID, asOf time.Time, limit int) ([]*contract.Contract, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + contractColumns + ` FROM commitment_contracts
		WHERE tenant_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
			AND status IN ('active', 'paused', 'disputed')
		ORDER BY expires_at, created_at
		LIMIT $3`

	return queryAll(ctx, db, query, scanContract, tenantID, asOf, limit)
}

func (s *Store) reader(ctx context.Context) (querier, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	return s.client.GetDB(ctx)
}

func (s *Store) GetContract(ctx context.Context, tenantID, id uuid.UUID) (*contract.Contract, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getContract(ctx, db, tenantID, id, false)
}

func (s *Store) GetObligation(ctx context.Context, tenantID, id uuid.UUID) (*contract.Obligation, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getObligation(ctx, db, tenantID, id, false)
}

func (s *Store) ListObligationsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listObligationsByContract(ctx, db, tenantID, contractID)
}

func (s *Store) GetMilestone(ctx context.Context, tenantID, id uuid.UUID) (*contract.Milestone, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getMilestone(ctx, db, tenantID, id, false)
}

func (s *Store) ListMilestonesByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listMilestonesByContract(ctx, db, tenantID, contractID)
}

func (s *Store) ListLinksByMilestone(ctx context.Context, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listLinksByMilestone(ctx, db, tenantID, milestoneID)
}

func (s *Store) ListLinksByObligation(ctx context.Context, tenantID, obligationID uuid.UUID) ([]*contract.Link, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listLinksByObligation(ctx, db, tenantID, obligationID)
}

func (s *Store) GetAccount(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Account, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getAccount(ctx, db, tenantID, id, false)
}

func (s *Store) GetContractAccount(ctx context.Context, tenantID, contractID uuid.UUID) (*ledger.Account, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getContractAccount(ctx, db, tenantID, contractID, false)
}

func (s *Store) GetEntry(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Entry, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getEntry(ctx, db, tenantID, id)
}

func (s *Store) ListEntriesByAccount(ctx context.Context, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listEntriesByAccount(ctx, db, tenantID, accountID)
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*ledger.Entry, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getEntryByIdempotencyKey(ctx, db, tenantID, key)
}

func (s *Store) ListAllocationsByEntry(ctx context.Context, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listAllocationsByEntry(ctx, db, tenantID, entryID)
}

func (s *Store) GetClaim(ctx context.Context, tenantID, id uuid.UUID) (*claim.Claim, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return getClaim(ctx, db, tenantID, id, false)
}

func (s *Store) ListClaimsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*claim.Claim, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listClaimsByContract(ctx, db, tenantID, contractID)
}

func (s *Store) ListClaimEvents(ctx context.Context, tenantID, claimID uuid.UUID) ([]*claim.Event, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	return listClaimEvents(ctx, db, tenantID, claimID)
}
