package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// EntryType classifies the business meaning of a posting. The set is closed:
// the fold interprets types, so tenants cannot extend it.
type EntryType string

const (
	// EntryFund records received money: balance and held both increase.
	EntryFund EntryType = "fund"
	// EntryRelease moves held funds out to the beneficiary.
	EntryRelease EntryType = "release"
	// EntryForfeit moves held funds out to the counterparty.
	EntryForfeit EntryType = "forfeit"
	// EntryUnhold lifts a hold without moving money.
	EntryUnhold EntryType = "unhold"
	// EntryAdjustment is an administrative correction.
	EntryAdjustment EntryType = "adjustment"
	// EntryReversal compensates a prior entry.
	EntryReversal EntryType = "reversal"
)

// ParseEntryType validates a raw entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryFund, EntryRelease, EntryForfeit, EntryUnhold, EntryAdjustment, EntryReversal:
		return EntryType(raw), nil
	default:
		return "", assurance.NewValidationError("entry", "entryType", fmt.Sprintf("unknown entry type %q", raw))
	}
}

// EntryStatus represents an entry's posting state. Entries are never
// mutated after creation beyond these flags; corrections are new entries.
type EntryStatus string

const (
	// EntryPosted counts toward the fold.
	EntryPosted EntryStatus = "posted"
	// EntryReversed still counts; a compensating entry negates it.
	EntryReversed EntryStatus = "reversed"
	// EntryVoided is excluded from the fold.
	EntryVoided EntryStatus = "voided"
)

// Entry is one immutable posting against an account.
type Entry struct {
	ID        uuid.UUID   `json:"id"`
	TenantID  uuid.UUID   `json:"tenantId"`
	AccountID uuid.UUID   `json:"accountId"`
	EntryType EntryType   `json:"entryType"`
	Status    EntryStatus `json:"status"`

	OccurredAt   time.Time `json:"occurredAt"`
	BalanceDelta int64     `json:"balanceDelta"`
	HeldDelta    int64     `json:"heldDelta"`

	// Context pointers: at least one must be set so every delta can be
	// explained.
	ContractID            *uuid.UUID   `json:"contractId,omitempty"`
	MilestoneID           *uuid.UUID   `json:"milestoneId,omitempty"`
	ObligationID          *uuid.UUID   `json:"obligationId,omitempty"`
	ExternalTransactionID *string      `json:"externalTransactionId,omitempty"`
	SubjectRef            *subject.Ref `json:"subjectRef,omitempty"`

	IdempotencyKey  *string        `json:"idempotencyKey,omitempty"`
	ReversesEntryID *uuid.UUID     `json:"reversesEntryId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// EntryInput carries the fields for a new entry. The engine builds these;
// callers never post entries directly.
type EntryInput struct {
	AccountID             uuid.UUID
	EntryType             EntryType
	OccurredAt            time.Time
	BalanceDelta          int64
	HeldDelta             int64
	ContractID            *uuid.UUID
	MilestoneID           *uuid.UUID
	ObligationID          *uuid.UUID
	ExternalTransactionID *string
	SubjectRef            *subject.Ref
	IdempotencyKey        *string
	ReversesEntryID       *uuid.UUID
	Metadata              map[string]any
}

// NewEntry validates the input and builds a posted entry for the account.
// Delta shapes are checked per entry type; at least one delta and one
// context pointer are always required.
func NewEntry(account *Account, input EntryInput, now time.Time) (*Entry, error) {
	if input.AccountID != account.ID {
		return nil, assurance.NewValidationError("entry", "accountId", "entry account does not match the target account")
	}

	if _, err := ParseEntryType(string(input.EntryType)); err != nil {
		return nil, err
	}

	if input.BalanceDelta == 0 && input.HeldDelta == 0 {
		return nil, assurance.NewValidationError("entry", "balanceDelta", "at least one of balanceDelta and heldDelta must be non-zero")
	}

	if err := validateDeltaShape(input); err != nil {
		return nil, err
	}

	if !hasContextPointer(input) {
		return nil, assurance.NewValidationError("entry", "context", "at least one context pointer (contract, milestone, obligation, external transaction, subject) is required")
	}

	if err := subject.ValidateOptional(input.SubjectRef); err != nil {
		return nil, err
	}

	if input.IdempotencyKey != nil && strings.TrimSpace(*input.IdempotencyKey) == "" {
		return nil, assurance.NewValidationError("entry", "idempotencyKey", "idempotency key must not be blank when set")
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	return &Entry{
		ID:                    uuid.New(),
		TenantID:              account.TenantID,
		AccountID:             account.ID,
		EntryType:             input.EntryType,
		Status:                EntryPosted,
		OccurredAt:            occurredAt,
		BalanceDelta:          input.BalanceDelta,
		HeldDelta:             input.HeldDelta,
		ContractID:            input.ContractID,
		MilestoneID:           input.MilestoneID,
		ObligationID:          input.ObligationID,
		ExternalTransactionID: input.ExternalTransactionID,
		SubjectRef:            input.SubjectRef,
		IdempotencyKey:        input.IdempotencyKey,
		ReversesEntryID:       input.ReversesEntryID,
		Metadata:              input.Metadata,
		CreatedAt:             now,
	}, nil
}

// validateDeltaShape enforces the sign conventions each entry type implies.
func validateDeltaShape(input EntryInput) error {
	switch input.EntryType {
	case EntryFund:
		if input.BalanceDelta <= 0 || input.HeldDelta < 0 {
			return assurance.NewValidationError("entry", "balanceDelta", "fund entries must increase balance and never decrease held")
		}
	case EntryRelease, EntryForfeit:
		if input.BalanceDelta > 0 || input.HeldDelta > 0 {
			return assurance.NewValidationError("entry", "balanceDelta", fmt.Sprintf("%s entries must not increase balance or held", input.EntryType))
		}
	case EntryUnhold:
		if input.BalanceDelta != 0 || input.HeldDelta >= 0 {
			return assurance.NewValidationError("entry", "heldDelta", "unhold entries must decrease held and leave balance unchanged")
		}
	case EntryReversal:
		if input.ReversesEntryID == nil {
			return assurance.NewValidationError("entry", "reversesEntryId", "reversal entries must reference the entry they compensate")
		}
	case EntryAdjustment:
	}

	return nil
}

func hasContextPointer(input EntryInput) bool {
	return input.ContractID != nil || input.MilestoneID != nil || input.ObligationID != nil ||
		input.ExternalTransactionID != nil || input.SubjectRef != nil
}

// MarkReversed flags the entry as compensated. The entry keeps counting in
// the fold; the reversal entry negates it.
func (e *Entry) MarkReversed() error {
	if e.Status != EntryPosted {
		return assurance.NewInvalidStateError("entry", fmt.Sprintf("cannot reverse %s entry", e.Status))
	}

	e.Status = EntryReversed

	return nil
}

// MarkVoided excludes the entry from the fold. The caller re-folds the
// account in the same atomic unit.
func (e *Entry) MarkVoided() error {
	if e.Status != EntryPosted {
		return assurance.NewInvalidStateError("entry", fmt.Sprintf("cannot void %s entry", e.Status))
	}

	e.Status = EntryVoided

	return nil
}

// Allocation explains which obligation, milestone, external line, or subject
// an entry's amount was applied to.
type Allocation struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenantId"`
	EntryID         uuid.UUID `json:"entryId"`
	AllocatedAmount int64     `json:"allocatedAmount"`

	ObligationID   *uuid.UUID   `json:"obligationId,omitempty"`
	MilestoneID    *uuid.UUID   `json:"milestoneId,omitempty"`
	ExternalLineID *string      `json:"externalLineId,omitempty"`
	SubjectRef     *subject.Ref `json:"subjectRef,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// AllocationInput carries the fields for a new allocation.
type AllocationInput struct {
	AllocatedAmount int64
	ObligationID    *uuid.UUID
	MilestoneID     *uuid.UUID
	ExternalLineID  *string
	SubjectRef      *subject.Ref
}

// NewAllocation validates and builds an allocation row owned by the entry.
func NewAllocation(entry *Entry, input AllocationInput, now time.Time) (*Allocation, error) {
	if input.AllocatedAmount <= 0 {
		return nil, assurance.NewValidationError("allocation", "allocatedAmount", "allocated amount must be greater than zero")
	}

	if input.ObligationID == nil && input.MilestoneID == nil && input.ExternalLineID == nil && input.SubjectRef == nil {
		return nil, assurance.NewValidationError("allocation", "target", "at least one allocation target is required")
	}

	if err := subject.ValidateOptional(input.SubjectRef); err != nil {
		return nil, err
	}

	return &Allocation{
		ID:              uuid.New(),
		TenantID:        entry.TenantID,
		EntryID:         entry.ID,
		AllocatedAmount: input.AllocatedAmount,
		ObligationID:    input.ObligationID,
		MilestoneID:     input.MilestoneID,
		ExternalLineID:  input.ExternalLineID,
		SubjectRef:      input.SubjectRef,
		CreatedAt:       now,
	}, nil
}
