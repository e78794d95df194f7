package contract

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/money"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// ObligationType classifies what an obligation requires.
type ObligationType string

const (
	// ObligationDelivery requires goods or work to be delivered.
	ObligationDelivery ObligationType = "delivery"
	// ObligationPayment requires money to be paid outside this ledger.
	ObligationPayment ObligationType = "payment"
	// ObligationService requires a service level to be met.
	ObligationService ObligationType = "service"
	// ObligationDocument requires a document to be produced or signed.
	ObligationDocument ObligationType = "document"
)

// ParseObligationType validates a raw obligation type: a built-in value or a
// custom_ type.
func ParseObligationType(raw string) (ObligationType, error) {
	switch ObligationType(raw) {
	case ObligationDelivery, ObligationPayment, ObligationService, ObligationDocument:
		return ObligationType(raw), nil
	}

	if err := assurance.ValidateCustomToken("obligation", "obligationType", raw); err != nil {
		return "", err
	}

	return ObligationType(raw), nil
}

// ObligationStatus represents an obligation lifecycle state.
type ObligationStatus string

const (
	// ObligationPending awaits work to start.
	ObligationPending ObligationStatus = "pending"
	// ObligationInProgress has recorded partial progress.
	ObligationInProgress ObligationStatus = "in_progress"
	// ObligationSatisfied met its condition; may be reopened.
	ObligationSatisfied ObligationStatus = "satisfied"
	// ObligationBreached missed its condition; terminal.
	ObligationBreached ObligationStatus = "breached"
	// ObligationWaived was excused from its condition; terminal.
	ObligationWaived ObligationStatus = "waived"
	// ObligationCancelled was withdrawn; terminal.
	ObligationCancelled ObligationStatus = "cancelled"
	// ObligationExpired was still open when its contract went terminal.
	ObligationExpired ObligationStatus = "expired"
)

// ParseObligationStatus validates a raw obligation status.
func ParseObligationStatus(raw string) (ObligationStatus, error) {
	status := ObligationStatus(raw)
	if !status.IsValid() {
		return "", assurance.NewValidationError("obligation", "status", fmt.Sprintf("unknown obligation status %q", raw))
	}

	return status, nil
}

// IsValid reports whether the status is part of the obligation lifecycle.
func (status ObligationStatus) IsValid() bool {
	switch status {
	case ObligationPending, ObligationInProgress, ObligationSatisfied, ObligationBreached,
		ObligationWaived, ObligationCancelled, ObligationExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the obligation still awaits an outcome.
func (status ObligationStatus) IsOpen() bool {
	return status == ObligationPending || status == ObligationInProgress
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status ObligationStatus) CanTransitionTo(next ObligationStatus) bool {
	switch status {
	case ObligationPending:
		return next == ObligationInProgress || next == ObligationSatisfied || next == ObligationBreached ||
			next == ObligationWaived || next == ObligationCancelled || next == ObligationExpired
	case ObligationInProgress:
		return next == ObligationSatisfied || next == ObligationBreached || next == ObligationWaived ||
			next == ObligationCancelled || next == ObligationExpired
	case ObligationSatisfied:
		return next == ObligationInProgress
	default:
		return false
	}
}

func (status ObligationStatus) String() string {
	return string(status)
}

// Obligation is one condition to satisfy under a contract. Obligations are
// never deleted; they retire through status.
type Obligation struct {
	ID             uuid.UUID        `json:"id"`
	TenantID       uuid.UUID        `json:"tenantId"`
	ContractID     uuid.UUID        `json:"contractId"`
	ObligationType ObligationType   `json:"obligationType"`
	Status         ObligationStatus `json:"status"`
	Obligor        *subject.Ref     `json:"obligor,omitempty"`
	Beneficiary    *subject.Ref     `json:"beneficiary,omitempty"`

	// RequiredAmount, when set, gates satisfaction on SatisfiedAmount
	// reaching it exactly.
	RequiredAmount  *int64 `json:"requiredAmount,omitempty"`
	SatisfiedAmount int64  `json:"satisfiedAmount"`

	DueAt       *time.Time `json:"dueAt,omitempty"`
	SatisfiedAt *time.Time `json:"satisfiedAt,omitempty"`
	BreachedAt  *time.Time `json:"breachedAt,omitempty"`
	WaivedAt    *time.Time `json:"waivedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
	SortOrder   int        `json:"sortOrder"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ObligationInput carries the caller-supplied fields for a new obligation.
type ObligationInput struct {
	ObligationType string
	Obligor        *subject.Ref
	Beneficiary    *subject.Ref
	RequiredAmount *int64
	DueAt          *time.Time
	SortOrder      int
}

// NewObligation validates the input and builds a pending obligation under the
// given contract.
func NewObligation(c *Contract, input ObligationInput, now time.Time) (*Obligation, error) {
	if c.Status.IsTerminal() {
		return nil, assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot add obligation to %s contract", c.Status))
	}

	obligationType, err := ParseObligationType(input.ObligationType)
	if err != nil {
		return nil, err
	}

	if err := subject.ValidateOptional(input.Obligor); err != nil {
		return nil, err
	}

	if err := subject.ValidateOptional(input.Beneficiary); err != nil {
		return nil, err
	}

	if input.RequiredAmount != nil && *input.RequiredAmount <= 0 {
		return nil, assurance.NewValidationError("obligation", "requiredAmount", "required amount must be greater than zero when set")
	}

	return &Obligation{
		ID:             uuid.New(),
		TenantID:       c.TenantID,
		ContractID:     c.ID,
		ObligationType: obligationType,
		Status:         ObligationPending,
		Obligor:        input.Obligor,
		Beneficiary:    input.Beneficiary,
		RequiredAmount: input.RequiredAmount,
		DueAt:          input.DueAt,
		SortOrder:      input.SortOrder,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (o *Obligation) transition(next ObligationStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot transition obligation from %s to %s", o.Status, next))
	}

	o.Status = next
	o.UpdatedAt = now

	return nil
}

// Start moves a pending obligation into progress.
func (o *Obligation) Start(now time.Time) error {
	if o.Status != ObligationPending {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot start obligation in status %s", o.Status))
	}

	return o.transition(ObligationInProgress, now)
}

// RecordProgress adds to the satisfied amount. A pending obligation starts
// implicitly; reaching the required amount satisfies it in the same call.
// Progress never overshoots: exceeding the requirement is a validation error.
func (o *Obligation) RecordProgress(amount int64, now time.Time) error {
	if amount <= 0 {
		return assurance.NewValidationError("obligation", "amount", "progress amount must be greater than zero")
	}

	if o.RequiredAmount == nil {
		return assurance.NewValidationError("obligation", "requiredAmount", "obligation has no required amount to progress against")
	}

	if !o.Status.IsOpen() {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot record progress on obligation in status %s", o.Status))
	}

	next, err := money.Add(o.SatisfiedAmount, amount)
	if err != nil {
		return err
	}

	if next > *o.RequiredAmount {
		return assurance.NewValidationError("obligation", "amount", fmt.Sprintf("progress %d would exceed required amount %d", next, *o.RequiredAmount))
	}

	o.SatisfiedAmount = next
	o.UpdatedAt = now

	if o.Status == ObligationPending {
		o.Status = ObligationInProgress
	}

	if next == *o.RequiredAmount {
		return o.Satisfy(now)
	}

	return nil
}

// Satisfy marks the obligation met. When a required amount is set, the
// satisfied amount must equal it exactly.
func (o *Obligation) Satisfy(now time.Time) error {
	if !o.Status.IsOpen() {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot satisfy obligation in status %s", o.Status))
	}

	if o.RequiredAmount != nil && o.SatisfiedAmount != *o.RequiredAmount {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("satisfied amount %d does not equal required amount %d", o.SatisfiedAmount, *o.RequiredAmount))
	}

	if err := o.transition(ObligationSatisfied, now); err != nil {
		return err
	}

	satisfiedAt := now
	o.SatisfiedAt = &satisfiedAt

	return nil
}

// Waive excuses the obligation from its condition.
func (o *Obligation) Waive(now time.Time) error {
	if err := o.transition(ObligationWaived, now); err != nil {
		return err
	}

	waivedAt := now
	o.WaivedAt = &waivedAt

	return nil
}

// Cancel withdraws the obligation.
func (o *Obligation) Cancel(now time.Time) error {
	if err := o.transition(ObligationCancelled, now); err != nil {
		return err
	}

	cancelledAt := now
	o.CancelledAt = &cancelledAt

	return nil
}

// MarkBreached records that the obligation missed its condition. Terminal for
// the obligation; the contract is not failed automatically.
func (o *Obligation) MarkBreached(now time.Time) error {
	if err := o.transition(ObligationBreached, now); err != nil {
		return err
	}

	breachedAt := now
	o.BreachedAt = &breachedAt

	return nil
}

// Expire retires a still-open obligation when its contract goes terminal.
func (o *Obligation) Expire(now time.Time) error {
	if err := o.transition(ObligationExpired, now); err != nil {
		return err
	}

	expiredAt := now
	o.ExpiredAt = &expiredAt

	return nil
}

// Reopen returns a satisfied obligation to in_progress, clearing its
// satisfaction stamp. Dependent milestones demote on the next evaluation.
func (o *Obligation) Reopen(now time.Time) error {
	if o.Status != ObligationSatisfied {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot reopen obligation in status %s", o.Status))
	}

	if err := o.transition(ObligationInProgress, now); err != nil {
		return err
	}

	o.SatisfiedAt = nil

	return nil
}

// IsOverdue reports whether an open obligation's due date has passed.
func (o *Obligation) IsOverdue(at time.Time) bool {
	return o.Status.IsOpen() && o.DueAt != nil && o.DueAt.Before(at)
}
