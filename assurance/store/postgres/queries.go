package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// querier is the subset of database/sql execution both the resolver and an
// open transaction satisfy.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

const (
	contractColumns = `id, tenant_id, contract_type, status, prior_status,
		anchor_subject_kind, anchor_subject_id, counterparty_subject_kind, counterparty_subject_id,
		currency, committed_amount, released_amount, forfeited_amount,
		cancellation_policy, release_freeze_policy,
		started_at, expires_at, completed_at, cancelled_at, defaulted_at,
		metadata, created_at, updated_at`

	obligationColumns = `id, tenant_id, contract_id, obligation_type, status,
		obligor_kind, obligor_id, beneficiary_kind, beneficiary_id,
		required_amount, satisfied_amount, due_at,
		satisfied_at, breached_at, waived_at, cancelled_at, expired_at,
		sort_order, created_at, updated_at`

	milestoneColumns = `id, tenant_id, contract_id, code, status,
		evaluation_mode, min_satisfied_count, release_mode, release_amount,
		due_at, ready_at, released_at, cancelled_at,
		released_by_kind, released_by_id, sort_order, created_at, updated_at`

	linkColumns = `id, tenant_id, contract_id, milestone_id, obligation_id,
		weight, is_required, sort_order, created_at`

	accountColumns = `id, tenant_id, contract_id, account_type, status, currency,
		balance, held, released, forfeited,
		owner_subject_kind, owner_subject_id, counterparty_subject_kind, counterparty_subject_id,
		closed_at, created_at, updated_at`

	entryColumns = `id, tenant_id, account_id, entry_type, status, occurred_at,
		balance_delta, held_delta,
		contract_id, milestone_id, obligation_id, external_transaction_id,
		subject_kind, subject_id, idempotency_key, reverses_entry_id,
		metadata, created_at`

	allocationColumns = `id, tenant_id, entry_id, allocated_amount,
		obligation_id, milestone_id, external_line_id, subject_kind, subject_id, created_at`

	claimColumns = `id, tenant_id, contract_id, milestone_id, claim_type, status, resolution_type,
		raised_by_kind, raised_by_id, against_kind, against_id,
		disputed_amount, settled_amount, reason, respond_by_at,
		opened_at, review_started_at, escalated_at, resolved_at, closed_at, rejected_at, cancelled_at,
		metadata, created_at, updated_at`

	claimEventColumns = `id, tenant_id, claim_id, from_status, to_status,
		actor_kind, actor_id, note, ledger_entry_id, occurred_at, created_at`
)

// mapWriteError translates driver-level failures into the store's sentinel
// errors and the engine's retryable conflict code. Everything else passes
// through wrapped.
func mapWriteError(entityType string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case "ux_entries_idempotency_key":
				return fmt.Errorf("%s: %w", entityType, store.ErrDuplicateIdempotencyKey)
			case "ux_links_pair":
				return fmt.Errorf("%s: %w", entityType, store.ErrDuplicateLink)
			default:
				return fmt.Errorf("%s: %w", entityType, store.ErrAlreadyExists)
			}
		case "40001", "40P01":
			return assurance.NewConcurrencyConflictError(entityType, err)
		}
	}

	return fmt.Errorf("%s: %w", entityType, err)
}

func notFound(entityType string, id uuid.UUID) error {
	return assurance.NewNotFoundError(entityType, fmt.Sprintf("%s %s not found", entityType, id))
}

// --- nullable conversions ---

func refArgs(r *subject.Ref) (any, any) {
	if r == nil {
		return nil, nil
	}

	return string(r.Kind), r.ID
}

func refFromNull(kind, id sql.NullString) *subject.Ref {
	if !kind.Valid || !id.Valid {
		return nil
	}

	return &subject.Ref{Kind: subject.Kind(kind.String), ID: id.String}
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time
	return &v
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}

func stringFromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}

	v := s.String
	return &v
}

func int64Arg(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func int64FromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}

	n := v.Int64
	return &n
}

func uuidArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}

	return *id
}

func uuidFromNull(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}

	v := id.UUID
	return &v
}

func metadataArg(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	return raw, nil
}

func metadataFromRaw(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return m, nil
}

// --- contract ---

func scanContract(s scanner) (*contract.Contract, error) {
	var (
		c                contract.Contract
		counterKind      sql.NullString
		counterID        sql.NullString
		startedAt        sql.NullTime
		expiresAt        sql.NullTime
		completedAt      sql.NullTime
		cancelledAt      sql.NullTime
		defaultedAt      sql.NullTime
		metadataRaw      []byte
		contractTypeRaw  string
		statusRaw        string
		priorRaw         string
		cancelPolicyRaw  string
		freezePolicyRaw  string
		anchorKindRaw    string
	)

	err := s.Scan(
		&c.ID, &c.TenantID, &contractTypeRaw, &statusRaw, &priorRaw,
		&anchorKindRaw, &c.AnchorSubject.ID, &counterKind, &counterID,
		&c.Currency, &c.CommittedAmount, &c.ReleasedAmount, &c.ForfeitedAmount,
		&cancelPolicyRaw, &freezePolicyRaw,
		&startedAt, &expiresAt, &completedAt, &cancelledAt, &defaultedAt,
		&metadataRaw, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ContractType = contract.Type(contractTypeRaw)
	c.Status = contract.Status(statusRaw)
	c.PriorStatus = contract.Status(priorRaw)
	c.AnchorSubject.Kind = subject.Kind(anchorKindRaw)
	c.CounterpartySubject = refFromNull(counterKind, counterID)
	c.CancellationPolicy = contract.CancellationPolicy(cancelPolicyRaw)
	c.ReleaseFreezePolicy = contract.ReleaseFreezePolicy(freezePolicyRaw)
	c.StartedAt = timeFromNull(startedAt)
	c.ExpiresAt = timeFromNull(expiresAt)
	c.CompletedAt = timeFromNull(completedAt)
	c.CancelledAt = timeFromNull(cancelledAt)
	c.DefaultedAt = timeFromNull(defaultedAt)

	if c.Metadata, err = metadataFromRaw(metadataRaw); err != nil {
		return nil, err
	}

	return &c, nil
}

func contractArgs(c *contract.Contract) ([]any, error) {
	counterKind, counterID := refArgs(c.CounterpartySubject)

	metadata, err := metadataArg(c.Metadata)
	if err != nil {
		return nil, err
	}

	return []any{
		c.ID, c.TenantID, string(c.ContractType), string(c.Status), string(c.PriorStatus),
		string(c.AnchorSubject.Kind), c.AnchorSubject.ID, counterKind, counterID,
		c.Currency, c.CommittedAmount, c.ReleasedAmount, c.ForfeitedAmount,
		string(c.CancellationPolicy), string(c.ReleaseFreezePolicy),
		timeArg(c.StartedAt), timeArg(c.ExpiresAt), timeArg(c.CompletedAt),
		timeArg(c.CancelledAt), timeArg(c.DefaultedAt),
		metadata, c.CreatedAt, c.UpdatedAt,
	}, nil
}

func getContract(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (*contract.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM commitment_contracts WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanContract(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("contract", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}

	return c, nil
}

// --- obligation ---

func scanObligation(s scanner) (*contract.Obligation, error) {
	var (
		o               contract.Obligation
		typeRaw         string
		statusRaw       string
		obligorKind     sql.NullString
		obligorID       sql.NullString
		beneficiaryKind sql.NullString
		beneficiaryID   sql.NullString
		requiredAmount  sql.NullInt64
		dueAt           sql.NullTime
		satisfiedAt     sql.NullTime
		breachedAt      sql.NullTime
		waivedAt        sql.NullTime
		cancelledAt     sql.NullTime
		expiredAt       sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.TenantID, &o.ContractID, &typeRaw, &statusRaw,
		&obligorKind, &obligorID, &beneficiaryKind, &beneficiaryID,
		&requiredAmount, &o.SatisfiedAmount, &dueAt,
		&satisfiedAt, &breachedAt, &waivedAt, &cancelledAt, &expiredAt,
		&o.SortOrder, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.ObligationType = contract.ObligationType(typeRaw)
	o.Status = contract.ObligationStatus(statusRaw)
	o.Obligor = refFromNull(obligorKind, obligorID)
	o.Beneficiary = refFromNull(beneficiaryKind, beneficiaryID)
	o.RequiredAmount = int64FromNull(requiredAmount)
	o.DueAt = timeFromNull(dueAt)
	o.SatisfiedAt = timeFromNull(satisfiedAt)
	o.BreachedAt = timeFromNull(breachedAt)
	o.WaivedAt = timeFromNull(waivedAt)
	o.CancelledAt = timeFromNull(cancelledAt)
	o.ExpiredAt = timeFromNull(expiredAt)

	return &o, nil
}

func obligationArgs(o *contract.Obligation) []any {
	obligorKind, obligorID := refArgs(o.Obligor)
	beneficiaryKind, beneficiaryID := refArgs(o.Beneficiary)

	return []any{
		o.ID, o.TenantID, o.ContractID, string(o.ObligationType), string(o.Status),
		obligorKind, obligorID, beneficiaryKind, beneficiaryID,
		int64Arg(o.RequiredAmount), o.SatisfiedAmount, timeArg(o.DueAt),
		timeArg(o.SatisfiedAt), timeArg(o.BreachedAt), timeArg(o.WaivedAt),
		timeArg(o.CancelledAt), timeArg(o.ExpiredAt),
		o.SortOrder, o.CreatedAt, o.UpdatedAt,
	}
}

func getObligation(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (*contract.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o, err := scanObligation(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("obligation", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get obligation: %w", err)
	}

	return o, nil
}

func listObligationsByContract(ctx context.Context, q querier, tenantID, contractID uuid.UUID) ([]*contract.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations
		WHERE tenant_id = $1 AND contract_id = $2
		ORDER BY sort_order, created_at`

	return queryAll(ctx, q, query, scanObligation, tenantID, contractID)
}

// --- milestone ---

func scanMilestone(s scanner) (*contract.Milestone, error) {
	var (
		m              contract.Milestone
		statusRaw      string
		evalModeRaw    string
		releaseModeRaw string
		dueAt          sql.NullTime
		readyAt        sql.NullTime
		releasedAt     sql.NullTime
		cancelledAt    sql.NullTime
		releasedByKind sql.NullString
		releasedByID   sql.NullString
	)

	err := s.Scan(
		&m.ID, &m.TenantID, &m.ContractID, &m.Code, &statusRaw,
		&evalModeRaw, &m.MinSatisfiedCount, &releaseModeRaw, &m.ReleaseAmount,
		&dueAt, &readyAt, &releasedAt, &cancelledAt,
		&releasedByKind, &releasedByID, &m.SortOrder, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Status = contract.MilestoneStatus(statusRaw)
	m.EvaluationMode = contract.EvaluationMode(evalModeRaw)
	m.ReleaseMode = contract.ReleaseMode(releaseModeRaw)
	m.DueAt = timeFromNull(dueAt)
	m.ReadyAt = timeFromNull(readyAt)
	m.ReleasedAt = timeFromNull(releasedAt)
	m.CancelledAt = timeFromNull(cancelledAt)
	m.ReleasedBy = refFromNull(releasedByKind, releasedByID)

	return &m, nil
}

func milestoneArgs(m *contract.Milestone) []any {
	releasedByKind, releasedByID := refArgs(m.ReleasedBy)

	return []any{
		m.ID, m.TenantID, m.ContractID, m.Code, string(m.Status),
		string(m.EvaluationMode), m.MinSatisfiedCount, string(m.ReleaseMode), m.ReleaseAmount,
		timeArg(m.DueAt), timeArg(m.ReadyAt), timeArg(m.ReleasedAt), timeArg(m.CancelledAt),
		releasedByKind, releasedByID, m.SortOrder, m.CreatedAt, m.UpdatedAt,
	}
}

func getMilestone(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (*contract.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	m, err := scanMilestone(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("milestone", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get milestone: %w", err)
	}

	return m, nil
}

func listMilestonesByContract(ctx context.Context, q querier, tenantID, contractID uuid.UUID) ([]*contract.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones
		WHERE tenant_id = $1 AND contract_id = $2
		ORDER BY sort_order, created_at`

	return queryAll(ctx, q, query, scanMilestone, tenantID, contractID)
}

// --- link ---

func scanLink(s scanner) (*contract.Link, error) {
	var l contract.Link

	err := s.Scan(
		&l.ID, &l.TenantID, &l.ContractID, &l.MilestoneID, &l.ObligationID,
		&l.Weight, &l.IsRequired, &l.SortOrder, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &l, nil
}

func listLinksByMilestone(ctx context.Context, q querier, tenantID, milestoneID uuid.UUID) ([]*contract.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM milestone_obligation_links
		WHERE tenant_id = $1 AND milestone_id = $2
		ORDER BY sort_order, created_at`

	return queryAll(ctx, q, query, scanLink, tenantID, milestoneID)
}

func listLinksByObligation(ctx context.Context, q querier, tenantID, obligationID uuid.UUID) ([]*contract.Link, error) {
	query := `SELECT ` + linkColumns + ` FROM milestone_obligation_links
		WHERE tenant_id = $1 AND obligation_id = $2
		ORDER BY sort_order, created_at`

	return queryAll(ctx, q, query, scanLink, tenantID, obligationID)
}

// --- account ---

func scanAccount(s scanner) (*ledger.Account, error) {
	var (
		a            ledger.Account
		contractID   uuid.NullUUID
		typeRaw      string
		statusRaw    string
		ownerKindRaw string
		counterKind  sql.NullString
		counterID    sql.NullString
		closedAt     sql.NullTime
	)

	err := s.Scan(
		&a.ID, &a.TenantID, &contractID, &typeRaw, &statusRaw, &a.Currency,
		&a.Balance, &a.Held, &a.Released, &a.Forfeited,
		&ownerKindRaw, &a.OwnerSubject.ID, &counterKind, &counterID,
		&closedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ContractID = uuidFromNull(contractID)
	a.AccountType = ledger.AccountType(typeRaw)
	a.Status = ledger.AccountStatus(statusRaw)
	a.OwnerSubject.Kind = subject.Kind(ownerKindRaw)
	a.CounterpartySubject = refFromNull(counterKind, counterID)
	a.ClosedAt = timeFromNull(closedAt)

	return &a, nil
}

func accountArgs(a *ledger.Account) []any {
	counterKind, counterID := refArgs(a.CounterpartySubject)

	return []any{
		a.ID, a.TenantID, uuidArg(a.ContractID), string(a.AccountType), string(a.Status), a.Currency,
		a.Balance, a.Held, a.Released, a.Forfeited,
		string(a.OwnerSubject.Kind), a.OwnerSubject.ID, counterKind, counterID,
		timeArg(a.ClosedAt), a.CreatedAt, a.UpdatedAt,
	}
}

func getAccount(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM secured_balance_accounts WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	a, err := scanAccount(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("account", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	return a, nil
}

func getContractAccount(ctx context.Context, q querier, tenantID, contractID uuid.UUID, forUpdate bool) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM secured_balance_accounts WHERE tenant_id = $1 AND contract_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	a, err := scanAccount(q.QueryRowContext(ctx, query, tenantID, contractID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assurance.NewAccountNotFoundError(fmt.Sprintf("no account bound to contract %s", contractID))
	}

	if err != nil {
		return nil, fmt.Errorf("get contract account: %w", err)
	}

	return a, nil
}

// --- entry ---

func scanEntry(s scanner) (*ledger.Entry, error) {
	var (
		e               ledger.Entry
		typeRaw         string
		statusRaw       string
		contractID      uuid.NullUUID
		milestoneID     uuid.NullUUID
		obligationID    uuid.NullUUID
		externalTxnID   sql.NullString
		subjectKind     sql.NullString
		subjectID       sql.NullString
		idempotencyKey  sql.NullString
		reversesEntryID uuid.NullUUID
		metadataRaw     []byte
	)

	err := s.Scan(
		&e.ID, &e.TenantID, &e.AccountID, &typeRaw, &statusRaw, &e.OccurredAt,
		&e.BalanceDelta, &e.HeldDelta,
		&contractID, &milestoneID, &obligationID, &externalTxnID,
		&subjectKind, &subjectID, &idempotencyKey, &reversesEntryID,
		&metadataRaw, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EntryType = ledger.EntryType(typeRaw)
	e.Status = ledger.EntryStatus(statusRaw)
	e.ContractID = uuidFromNull(contractID)
	e.MilestoneID = uuidFromNull(milestoneID)
	e.ObligationID = uuidFromNull(obligationID)
	e.ExternalTransactionID = stringFromNull(externalTxnID)
	e.SubjectRef = refFromNull(subjectKind, subjectID)
	e.IdempotencyKey = stringFromNull(idempotencyKey)
	e.ReversesEntryID = uuidFromNull(reversesEntryID)

	if e.Metadata, err = metadataFromRaw(metadataRaw); err != nil {
		return nil, err
	}

	return &e, nil
}

func entryArgs(e *ledger.Entry) ([]any, error) {
	subjectKind, subjectID := refArgs(e.SubjectRef)

	metadata, err := metadataArg(e.Metadata)
	if err != nil {
		return nil, err
	}

	return []any{
		e.ID, e.TenantID, e.AccountID, string(e.EntryType), string(e.Status), e.OccurredAt,
		e.BalanceDelta, e.HeldDelta,
		uuidArg(e.ContractID), uuidArg(e.MilestoneID), uuidArg(e.ObligationID), stringArg(e.ExternalTransactionID),
		subjectKind, subjectID, stringArg(e.IdempotencyKey), uuidArg(e.ReversesEntryID),
		metadata, e.CreatedAt,
	}, nil
}

func getEntry(ctx context.Context, q querier, tenantID, id uuid.UUID) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM secured_balance_ledger_entries WHERE tenant_id = $1 AND id = $2`

	e, err := scanEntry(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("entry", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	return e, nil
}

func getEntryByIdempotencyKey(ctx context.Context, q querier, tenantID uuid.UUID, key string) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM secured_balance_ledger_entries
		WHERE tenant_id = $1 AND idempotency_key = $2`

	e, err := scanEntry(q.QueryRowContext(ctx, query, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assurance.NewNotFoundError("entry", fmt.Sprintf("no entry with idempotency key %q", key))
	}

	if err != nil {
		return nil, fmt.Errorf("get entry by idempotency key: %w", err)
	}

	return e, nil
}

func listEntriesByAccount(ctx context.Context, q querier, tenantID, accountID uuid.UUID) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM secured_balance_ledger_entries
		WHERE tenant_id = $1 AND account_id = $2
		ORDER BY occurred_at, created_at`

	return queryAll(ctx, q, query, scanEntry, tenantID, accountID)
}

// --- allocation ---

func scanAllocation(s scanner) (*ledger.Allocation, error) {
	var (
		a              ledger.Allocation
		obligationID   uuid.NullUUID
		milestoneID    uuid.NullUUID
		externalLineID sql.NullString
		subjectKind    sql.NullString
		subjectID      sql.NullString
	)

	err := s.Scan(
		&a.ID, &a.TenantID, &a.EntryID, &a.AllocatedAmount,
		&obligationID, &milestoneID, &externalLineID, &subjectKind, &subjectID, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ObligationID = uuidFromNull(obligationID)
	a.MilestoneID = uuidFromNull(milestoneID)
	a.ExternalLineID = stringFromNull(externalLineID)
	a.SubjectRef = refFromNull(subjectKind, subjectID)

	return &a, nil
}

func allocationArgs(a *ledger.Allocation) []any {
	subjectKind, subjectID := refArgs(a.SubjectRef)

	return []any{
		a.ID, a.TenantID, a.EntryID, a.AllocatedAmount,
		uuidArg(a.ObligationID), uuidArg(a.MilestoneID), stringArg(a.ExternalLineID),
		subjectKind, subjectID, a.CreatedAt,
	}
}

func listAllocationsByEntry(ctx context.Context, q querier, tenantID, entryID uuid.UUID) ([]*ledger.Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM secured_balance_allocations
		WHERE tenant_id = $1 AND entry_id = $2
		ORDER BY created_at`

	return queryAll(ctx, q, query, scanAllocation, tenantID, entryID)
}

// --- claim ---

func scanClaim(s scanner) (*claim.Claim, error) {
	var (
		c              claim.Claim
		milestoneID    uuid.NullUUID
		typeRaw        string
		statusRaw      string
		resolutionRaw  sql.NullString
		raisedByKind   string
		againstKind    sql.NullString
		againstID      sql.NullString
		settledAmount  sql.NullInt64
		respondByAt    sql.NullTime
		reviewStarted  sql.NullTime
		escalatedAt    sql.NullTime
		resolvedAt     sql.NullTime
		closedAt       sql.NullTime
		rejectedAt     sql.NullTime
		cancelledAt    sql.NullTime
		metadataRaw    []byte
	)

	err := s.Scan(
		&c.ID, &c.TenantID, &c.ContractID, &milestoneID, &typeRaw, &statusRaw, &resolutionRaw,
		&raisedByKind, &c.RaisedBy.ID, &againstKind, &againstID,
		&c.DisputedAmount, &settledAmount, &c.Reason, &respondByAt,
		&c.OpenedAt, &reviewStarted, &escalatedAt, &resolvedAt, &closedAt, &rejectedAt, &cancelledAt,
		&metadataRaw, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.MilestoneID = uuidFromNull(milestoneID)
	c.ClaimType = claim.Type(typeRaw)
	c.Status = claim.Status(statusRaw)

	if resolutionRaw.Valid {
		resolution := claim.ResolutionType(resolutionRaw.String)
		c.ResolutionType = &resolution
	}

	c.RaisedBy.Kind = subject.Kind(raisedByKind)
	c.Against = refFromNull(againstKind, againstID)
	c.SettledAmount = int64FromNull(settledAmount)
	c.RespondByAt = timeFromNull(respondByAt)
	c.ReviewStartedAt = timeFromNull(reviewStarted)
	c.EscalatedAt = timeFromNull(escalatedAt)
	c.ResolvedAt = timeFromNull(resolvedAt)
	c.ClosedAt = timeFromNull(closedAt)
	c.RejectedAt = timeFromNull(rejectedAt)
	c.CancelledAt = timeFromNull(cancelledAt)

	if c.Metadata, err = metadataFromRaw(metadataRaw); err != nil {
		return nil, err
	}

	return &c, nil
}

func claimArgs(c *claim.Claim) ([]any, error) {
	againstKind, againstID := refArgs(c.Against)

	var resolution any
	if c.ResolutionType != nil {
		resolution = string(*c.ResolutionType)
	}

	metadata, err := metadataArg(c.Metadata)
	if err != nil {
		return nil, err
	}

	return []any{
		c.ID, c.TenantID, c.ContractID, uuidArg(c.MilestoneID), string(c.ClaimType), string(c.Status), resolution,
		string(c.RaisedBy.Kind), c.RaisedBy.ID, againstKind, againstID,
		c.DisputedAmount, int64Arg(c.SettledAmount), c.Reason, timeArg(c.RespondByAt),
		c.OpenedAt, timeArg(c.ReviewStartedAt), timeArg(c.EscalatedAt), timeArg(c.ResolvedAt),
		timeArg(c.ClosedAt), timeArg(c.RejectedAt), timeArg(c.CancelledAt),
		metadata, c.CreatedAt, c.UpdatedAt,
	}, nil
}

func getClaim(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (*claim.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanClaim(q.QueryRowContext(ctx, query, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("claim", id)
	}

	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}

	return c, nil
}

func listClaimsByContract(ctx context.Context, q querier, tenantID, contractID uuid.UUID) ([]*claim.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims
		WHERE tenant_id = $1 AND contract_id = $2
		ORDER BY opened_at, created_at`

	return queryAll(ctx, q, query, scanClaim, tenantID, contractID)
}

// --- claim event ---

func scanClaimEvent(s scanner) (*claim.Event, error) {
	var (
		e             claim.Event
		fromStatus    sql.NullString
		toStatusRaw   string
		actorKind     sql.NullString
		actorID       sql.NullString
		ledgerEntryID uuid.NullUUID
	)

	err := s.Scan(
		&e.ID, &e.TenantID, &e.ClaimID, &fromStatus, &toStatusRaw,
		&actorKind, &actorID, &e.Note, &ledgerEntryID, &e.OccurredAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fromStatus.Valid {
		from := claim.Status(fromStatus.String)
		e.FromStatus = &from
	}

	e.ToStatus = claim.Status(toStatusRaw)
	e.Actor = refFromNull(actorKind, actorID)
	e.LedgerEntryID = uuidFromNull(ledgerEntryID)

	return &e, nil
}

func claimEventArgs(e *claim.Event) []any {
	actorKind, actorID := refArgs(e.Actor)

	var from any
	if e.FromStatus != nil {
		from = string(*e.FromStatus)
	}

	return []any{
		e.ID, e.TenantID, e.ClaimID, from, string(e.ToStatus),
		actorKind, actorID, e.Note, uuidArg(e.LedgerEntryID), e.OccurredAt, e.CreatedAt,
	}
}

func listClaimEvents(ctx context.Context, q querier, tenantID, claimID uuid.UUID) ([]*claim.Event, error) {
	query := `SELECT ` + claimEventColumns + ` FROM claim_events
		WHERE tenant_id = $1 AND claim_id = $2
		ORDER BY occurred_at, created_at`

	return queryAll(ctx, q, query, scanClaimEvent, tenantID, claimID)
}

// queryAll runs a multi-row query and scans every row with scan.
func queryAll[T any](ctx context.Context, q querier, query string, scan func(scanner) (*T, error), args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*T

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return out, nil
}

// placeholders renders "$1, $2, ..." for n bind arguments.
func placeholders(n int) string {
	out := make([]byte, 0, n*4)

	for i := 1; i <= n; i++ {
		if i > 1 {
			out = append(out, ',', ' ')
		}

		out = fmt.Appendf(out, "$%d", i)
	}

	return string(out)
}
