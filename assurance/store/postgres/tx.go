package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// pgTx applies reads and writes inside one database transaction on the
// primary. Single-row reads lock the row (SELECT ... FOR UPDATE) so the
// engine's read-validate-write sequence holds against concurrent workers.
type pgTx struct {
	tenantID uuid.UUID
	tx       *sql.Tx
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) guard(tenantID uuid.UUID) error {
	if tenantID != t.tenantID {
		return store.ErrTenantMismatch
	}

	return nil
}

func (t *pgTx) GetContract(ctx context.Context, tenantID, id uuid.UUID) (*contract.Contract, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getContract(ctx, t.tx, tenantID, id, true)
}

func (t *pgTx) GetObligation(ctx context.Context, tenantID, id uuid.UUID) (*contract.Obligation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getObligation(ctx, t.tx, tenantID, id, true)
}

func (t *pgTx) ListObligationsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listObligationsByContract(ctx, t.tx, tenantID, contractID)
}

func (t *pgTx) GetMilestone(ctx context.Context, tenantID, id uuid.UUID) (*contract.Milestone, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getMilestone(ctx, t.tx, tenantID, id, true)
}

func (t *pgTx) ListMilestonesByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listMilestonesByContract(ctx, t.tx, tenantID, contractID)
}

func (t *pgTx) ListLinksByMilestone(ctx context.Context, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listLinksByMilestone(ctx, t.tx, tenantID, milestoneID)
}

func (t *pgTx) ListLinksByObligation(ctx context.Context, tenantID, obligationID uuid.UUID) ([]*contract.Link, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listLinksByObligation(ctx, t.tx, tenantID, obligationID)
}

func (t *pgTx) GetAccount(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Account, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getAccount(ctx, t.tx, tenantID, id, true)
}

func (t *pgTx) GetContractAccount(ctx context.Context, tenantID, contractID uuid.UUID) (*ledger.Account, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getContractAccount(ctx, t.tx, tenantID, contractID, true)
}

func (t *pgTx) GetEntry(ctx context.Context, tenantID, id uuid.UUID) (*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getEntry(ctx, t.tx, tenantID, id)
}

func (t *pgTx) ListEntriesByAccount(ctx context.Context, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listEntriesByAccount(ctx, t.tx, tenantID, accountID)
}

func (t *pgTx) GetEntryByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*ledger.Entry, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getEntryByIdempotencyKey(ctx, t.tx, tenantID, key)
}

func (t *pgTx) ListAllocationsByEntry(ctx context.Context, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listAllocationsByEntry(ctx, t.tx, tenantID, entryID)
}

func (t *pgTx) GetClaim(ctx context.Context, tenantID, id uuid.UUID) (*claim.Claim, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return getClaim(ctx, t.tx, tenantID, id, true)
}

func (t *pgTx) ListClaimsByContract(ctx context.Context, tenantID, contractID uuid.UUID) ([]*claim.Claim, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listClaimsByContract(ctx, t.tx, tenantID, contractID)
}

func (t *pgTx) ListClaimEvents(ctx context.Context, tenantID, claimID uuid.UUID) ([]*claim.Event, error) {
	if err := t.guard(tenantID); err != nil {
		return nil, err
	}

	return listClaimEvents(ctx, t.tx, tenantID, claimID)
}

func (t *pgTx) CreateContract(ctx context.Context, c *contract.Contract) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	args, err := contractArgs(c)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}

	query := `INSERT INTO commitment_contracts (` + contractColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("contract", err)
	}

	return nil
}

func (t *pgTx) UpdateContract(ctx context.Context, c *contract.Contract) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	query := `UPDATE commitment_contracts SET
		status = $3, prior_status = $4,
		released_amount = $5, forfeited_amount = $6,
		cancellation_policy = $7, release_freeze_policy = $8,
		started_at = $9, expires_at = $10, completed_at = $11, cancelled_at = $12, defaulted_at = $13,
		metadata = $14, updated_at = $15
		WHERE tenant_id = $1 AND id = $2`

	metadata, err := metadataArg(c.Metadata)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, query,
		c.TenantID, c.ID,
		string(c.Status), string(c.PriorStatus),
		c.ReleasedAmount, c.ForfeitedAmount,
		string(c.CancellationPolicy), string(c.ReleaseFreezePolicy),
		timeArg(c.StartedAt), timeArg(c.ExpiresAt), timeArg(c.CompletedAt),
		timeArg(c.CancelledAt), timeArg(c.DefaultedAt),
		metadata, c.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("contract", err)
	}

	return requireUpdated(result, "contract", c.ID)
}

func (t *pgTx) CreateObligation(ctx context.Context, o *contract.Obligation) error {
	if o == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(o.TenantID); err != nil {
		return err
	}

	args := obligationArgs(o)
	query := `INSERT INTO obligations (` + obligationColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("obligation", err)
	}

	return nil
}

func (t *pgTx) UpdateObligation(ctx context.Context, o *contract.Obligation) error {
	if o == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(o.TenantID); err != nil {
		return err
	}

	query := `UPDATE obligations SET
		status = $3, satisfied_amount = $4, due_at = $5,
		satisfied_at = $6, breached_at = $7, waived_at = $8, cancelled_at = $9, expired_at = $10,
		sort_order = $11, updated_at = $12
		WHERE tenant_id = $1 AND id = $2`

	result, err := t.tx.ExecContext(ctx, query,
		o.TenantID, o.ID,
		string(o.Status), o.SatisfiedAmount, timeArg(o.DueAt),
		timeArg(o.SatisfiedAt), timeArg(o.BreachedAt), timeArg(o.WaivedAt),
		timeArg(o.CancelledAt), timeArg(o.ExpiredAt),
		o.SortOrder, o.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("obligation", err)
	}

	return requireUpdated(result, "obligation", o.ID)
}

func (t *pgTx) CreateMilestone(ctx context.Context, m *contract.Milestone) error {
	if m == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(m.TenantID); err != nil {
		return err
	}

	args := milestoneArgs(m)
	query := `INSERT INTO milestones (` + milestoneColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("milestone", err)
	}

	return nil
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *contract.Milestone) error {
	if m == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(m.TenantID); err != nil {
		return err
	}

	query := `UPDATE milestones SET
		status = $3, ready_at = $4, released_at = $5, cancelled_at = $6,
		released_by_kind = $7, released_by_id = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2`

	releasedByKind, releasedByID := refArgs(m.ReleasedBy)

	result, err := t.tx.ExecContext(ctx, query,
		m.TenantID, m.ID,
		string(m.Status), timeArg(m.ReadyAt), timeArg(m.ReleasedAt), timeArg(m.CancelledAt),
		releasedByKind, releasedByID, m.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("milestone", err)
	}

	return requireUpdated(result, "milestone", m.ID)
}

func (t *pgTx) CreateLink(ctx context.Context, l *contract.Link) error {
	if l == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(l.TenantID); err != nil {
		return err
	}

	args := []any{
		l.ID, l.TenantID, l.ContractID, l.MilestoneID, l.ObligationID,
		l.Weight, l.IsRequired, l.SortOrder, l.CreatedAt,
	}

	query := `INSERT INTO milestone_obligation_links (` + linkColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("link", err)
	}

	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *ledger.Account) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	args := accountArgs(a)
	query := `INSERT INTO secured_balance_accounts (` + accountColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("account", err)
	}

	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *ledger.Account) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	query := `UPDATE secured_balance_accounts SET
		status = $3, balance = $4, held = $5, released = $6, forfeited = $7,
		closed_at = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2`

	result, err := t.tx.ExecContext(ctx, query,
		a.TenantID, a.ID,
		string(a.Status), a.Balance, a.Held, a.Released, a.Forfeited,
		timeArg(a.ClosedAt), a.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("account", err)
	}

	return requireUpdated(result, "account", a.ID)
}

func (t *pgTx) CreateEntry(ctx context.Context, e *ledger.Entry) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	args, err := entryArgs(e)
	if err != nil {
		return fmt.Errorf("entry: %w", err)
	}

	query := `INSERT INTO secured_balance_ledger_entries (` + entryColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("entry", err)
	}

	return nil
}

// UpdateEntry only ever flips status; entries are otherwise immutable.
func (t *pgTx) UpdateEntry(ctx context.Context, e *ledger.Entry) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	query := `UPDATE secured_balance_ledger_entries SET status = $3
		WHERE tenant_id = $1 AND id = $2`

	result, err := t.tx.ExecContext(ctx, query, e.TenantID, e.ID, string(e.Status))
	if err != nil {
		return mapWriteError("entry", err)
	}

	return requireUpdated(result, "entry", e.ID)
}

func (t *pgTx) CreateAllocation(ctx context.Context, a *ledger.Allocation) error {
	if a == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(a.TenantID); err != nil {
		return err
	}

	args := allocationArgs(a)
	query := `INSERT INTO secured_balance_allocations (` + allocationColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("allocation", err)
	}

	return nil
}

func (t *pgTx) CreateClaim(ctx context.Context, c *claim.Claim) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	args, err := claimArgs(c)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	query := `INSERT INTO claims (` + claimColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("claim", err)
	}

	return nil
}

func (t *pgTx) UpdateClaim(ctx context.Context, c *claim.Claim) error {
	if c == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(c.TenantID); err != nil {
		return err
	}

	var resolution any
	if c.ResolutionType != nil {
		resolution = string(*c.ResolutionType)
	}

	metadata, err := metadataArg(c.Metadata)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}

	query := `UPDATE claims SET
		status = $3, resolution_type = $4, settled_amount = $5, respond_by_at = $6,
		review_started_at = $7, escalated_at = $8, resolved_at = $9, closed_at = $10,
		rejected_at = $11, cancelled_at = $12, metadata = $13, updated_at = $14
		WHERE tenant_id = $1 AND id = $2`

	result, err := t.tx.ExecContext(ctx, query,
		c.TenantID, c.ID,
		string(c.Status), resolution, int64Arg(c.SettledAmount), timeArg(c.RespondByAt),
		timeArg(c.ReviewStartedAt), timeArg(c.EscalatedAt), timeArg(c.ResolvedAt), timeArg(c.ClosedAt),
		timeArg(c.RejectedAt), timeArg(c.CancelledAt), metadata, c.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("claim", err)
	}

	return requireUpdated(result, "claim", c.ID)
}

func (t *pgTx) AppendClaimEvent(ctx context.Context, e *claim.Event) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	args := claimEventArgs(e)
	query := `INSERT INTO claim_events (` + claimEventColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("claim_event", err)
	}

	return nil
}

func (t *pgTx) AppendOutboxEvent(ctx context.Context, e *outbox.Event) error {
	if e == nil {
		return store.ErrNilEntity
	}

	if err := t.guard(e.TenantID); err != nil {
		return err
	}

	args := []any{
		e.ID, e.TenantID, e.EventType, e.AggregateType, e.AggregateID,
		e.Payload, string(e.Status), e.Attempts, timeArg(e.PublishedAt),
		e.LastError, e.CreatedAt, e.UpdatedAt,
	}

	query := `INSERT INTO outbox_events (` + outboxColumns + `) VALUES (` + placeholders(len(args)) + `)`

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return mapWriteError("outbox_event", err)
	}

	return nil
}

// requireUpdated turns a zero-row UPDATE into the engine's not-found error.
func requireUpdated(result sql.Result, entityType string, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", entityType, err)
	}

	if affected == 0 {
		return notFound(entityType, id)
	}

	return nil
}
