// Package ledger models the secured balance account and its append-only
// entry log. The account snapshot (balance, held, released, forfeited) is a
// materialized fold of non-voided entry deltas; Apply is the only mutator
// and runs solely inside the atomic posting unit.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/money"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// AccountType classifies the commercial purpose of an account.
type AccountType string

const (
	// AccountSecured holds funds secured against a contract.
	AccountSecured AccountType = "secured"
	// AccountDeposit holds a refundable deposit.
	AccountDeposit AccountType = "deposit"
	// AccountRetention holds withheld payment shares.
	AccountRetention AccountType = "retention"
)

// ParseAccountType validates a raw account type: a built-in value or a
// custom_ type.
func ParseAccountType(raw string) (AccountType, error) {
	switch AccountType(raw) {
	case AccountSecured, AccountDeposit, AccountRetention:
		return AccountType(raw), nil
	}

	if err := assurance.ValidateCustomToken("account", "accountType", raw); err != nil {
		return "", err
	}

	return AccountType(raw), nil
}

// AccountStatus represents an account lifecycle state.
type AccountStatus string

const (
	// AccountOpen accepts postings.
	AccountOpen AccountStatus = "open"
	// AccountClosed rejects postings; terminal.
	AccountClosed AccountStatus = "closed"
)

// Account is the money bucket tied (0 or 1) to a contract. Snapshot fields
// mirror the fold of the account's non-voided entries; they are a cache, not
// an independent source of truth.
type Account struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenantId"`
	ContractID  *uuid.UUID  `json:"contractId,omitempty"`
	AccountType AccountType `json:"accountType"`

	Status   AccountStatus `json:"status"`
	Currency string        `json:"currency"`

	Balance   int64 `json:"balance"`
	Held      int64 `json:"held"`
	Released  int64 `json:"released"`
	Forfeited int64 `json:"forfeited"`

	OwnerSubject        subject.Ref  `json:"ownerSubject"`
	CounterpartySubject *subject.Ref `json:"counterpartySubject,omitempty"`

	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AccountInput carries the caller-supplied fields for a new account.
type AccountInput struct {
	TenantID            uuid.UUID
	ContractID          *uuid.UUID
	AccountType         string
	Currency            string
	OwnerSubject        subject.Ref
	CounterpartySubject *subject.Ref
}

// NewAccount validates the input and builds an open account with a zero
// snapshot.
func NewAccount(input AccountInput, now time.Time) (*Account, error) {
	if input.TenantID == uuid.Nil {
		return nil, assurance.NewValidationError("account", "tenantId", "tenant id is required")
	}

	accountType, err := ParseAccountType(input.AccountType)
	if err != nil {
		return nil, err
	}

	if err := money.ValidateCurrency(input.Currency); err != nil {
		return nil, err
	}

	if err := input.OwnerSubject.Validate(); err != nil {
		return nil, err
	}

	if err := subject.ValidateOptional(input.CounterpartySubject); err != nil {
		return nil, err
	}

	return &Account{
		ID:                  uuid.New(),
		TenantID:            input.TenantID,
		ContractID:          input.ContractID,
		AccountType:         accountType,
		Status:              AccountOpen,
		Currency:            input.Currency,
		OwnerSubject:        input.OwnerSubject,
		CounterpartySubject: input.CounterpartySubject,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Apply folds one entry's deltas into the snapshot, enforcing the monetary
// invariants before committing the change. It is the only write path to the
// snapshot fields.
func (a *Account) Apply(entry *Entry, now time.Time) error {
	if a.Status != AccountOpen {
		return assurance.NewInvalidStateError("account", fmt.Sprintf("cannot post to %s account", a.Status))
	}

	if entry.AccountID != a.ID {
		return assurance.NewInvariantViolationError("account", fmt.Sprintf("entry %s does not belong to account %s", entry.ID, a.ID))
	}

	balance, err := money.Add(a.Balance, entry.BalanceDelta)
	if err != nil {
		return err
	}

	held, err := money.Add(a.Held, entry.HeldDelta)
	if err != nil {
		return err
	}

	if balance < 0 || held < 0 {
		return assurance.NewInsufficientFundsError("account", fmt.Sprintf("entry would leave balance=%d held=%d", balance, held))
	}

	if held > balance {
		return assurance.NewInvariantViolationError("account", fmt.Sprintf("held %d would exceed balance %d", held, balance))
	}

	released, forfeited := a.Released, a.Forfeited

	switch entry.EntryType {
	case EntryRelease:
		released, err = money.Add(released, -entry.BalanceDelta)
		if err != nil {
			return err
		}
	case EntryForfeit:
		forfeited, err = money.Add(forfeited, -entry.BalanceDelta)
		if err != nil {
			return err
		}
	}

	a.Balance = balance
	a.Held = held
	a.Released = released
	a.Forfeited = forfeited
	a.UpdatedAt = now

	return nil
}

// Fold recomputes the snapshot from scratch over the given entries, skipping
// voided ones, in occurredAt order. Used when voiding an entry invalidates
// the incremental cache. The input slice is not modified.
func (a *Account) Fold(entries []*Entry, now time.Time) error {
	ordered := make([]*Entry, 0, len(entries))

	for _, entry := range entries {
		if entry.Status == EntryVoided {
			continue
		}

		ordered = append(ordered, entry)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
		}

		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	snapshot := *a
	snapshot.Balance = 0
	snapshot.Held = 0
	snapshot.Released = 0
	snapshot.Forfeited = 0

	for _, entry := range ordered {
		if err := snapshot.Apply(entry, now); err != nil {
			return err
		}
	}

	a.Balance = snapshot.Balance
	a.Held = snapshot.Held
	a.Released = snapshot.Released
	a.Forfeited = snapshot.Forfeited
	a.UpdatedAt = now

	return nil
}

// Close retires the account. All held funds must be reconciled first;
// residual balance may remain for external withdrawal.
func (a *Account) Close(now time.Time) error {
	if a.Status != AccountOpen {
		return assurance.NewInvalidStateError("account", fmt.Sprintf("cannot close %s account", a.Status))
	}

	if a.Held != 0 {
		return assurance.NewInvalidStateError("account", fmt.Sprintf("cannot close account with %d still held", a.Held))
	}

	a.Status = AccountClosed
	closedAt := now
	a.ClosedAt = &closedAt
	a.UpdatedAt = now

	return nil
}
