// Package contract models the commitment contract aggregate: the agreement
// envelope with its committed/released/forfeited totals, the obligations that
// must be satisfied under it, the milestones that gate fund release, and the
// weighted links between them. All transition methods validate legality and
// stamp timestamps; they never touch storage.
package contract

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/money"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// Type classifies the commercial shape of a contract.
type Type string

const (
	// TypeEscrow holds funds until delivery conditions are met.
	TypeEscrow Type = "escrow"
	// TypeRetainage withholds a share of payment until final acceptance.
	TypeRetainage Type = "retainage"
	// TypeService secures an ongoing service commitment.
	TypeService Type = "service"
)

// CustomTypePrefix marks tenant-defined contract types.
const CustomTypePrefix = assurance.CustomTokenPrefix

// ParseType validates a raw contract type: a built-in value or a custom_
// type with a non-empty lowercase suffix.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeEscrow, TypeRetainage, TypeService:
		return Type(raw), nil
	}

	if err := assurance.ValidateCustomToken("contract", "contractType", raw); err != nil {
		return "", err
	}

	return Type(raw), nil
}

// CancellationPolicy decides what happens to held funds when a contract is
// cancelled or defaulted.
type CancellationPolicy string

const (
	// CancellationForfeit moves held funds out of the account to the
	// counterparty.
	CancellationForfeit CancellationPolicy = "forfeit"
	// CancellationRelease lifts the hold and leaves the funds in the account.
	CancellationRelease CancellationPolicy = "release"
)

// ParseCancellationPolicy validates a raw cancellation policy.
func ParseCancellationPolicy(raw string) (CancellationPolicy, error) {
	switch CancellationPolicy(raw) {
	case CancellationForfeit, CancellationRelease:
		return CancellationPolicy(raw), nil
	default:
		return "", assurance.NewValidationError("contract", "cancellationPolicy", fmt.Sprintf("unknown cancellation policy %q", raw))
	}
}

// ReleaseFreezePolicy decides which milestone releases are blocked while a
// claim is open against the contract.
type ReleaseFreezePolicy string

const (
	// FreezeNone lets releases continue during disputes.
	FreezeNone ReleaseFreezePolicy = "none"
	// FreezeAll blocks every release while any claim is open.
	FreezeAll ReleaseFreezePolicy = "all"
	// FreezeDisputedMilestone blocks only releases of milestones named by an
	// open claim.
	FreezeDisputedMilestone ReleaseFreezePolicy = "disputed_milestone"
)

// ParseReleaseFreezePolicy validates a raw freeze policy.
func ParseReleaseFreezePolicy(raw string) (ReleaseFreezePolicy, error) {
	switch ReleaseFreezePolicy(raw) {
	case FreezeNone, FreezeAll, FreezeDisputedMilestone:
		return ReleaseFreezePolicy(raw), nil
	default:
		return "", assurance.NewValidationError("contract", "releaseFreezePolicy", fmt.Sprintf("unknown release freeze policy %q", raw))
	}
}

// Status represents a contract lifecycle state.
type Status string

const (
	// StatusDraft is the initial state; funds cannot move yet.
	StatusDraft Status = "draft"
	// StatusActive accepts funding, obligation progress, and releases.
	StatusActive Status = "active"
	// StatusPaused suspends progress without terminating the agreement.
	StatusPaused Status = "paused"
	// StatusDisputed is entered automatically while claims are open.
	StatusDisputed Status = "disputed"
	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"
	// StatusCancelled is the terminal state for withdrawn agreements.
	StatusCancelled Status = "cancelled"
	// StatusDefaulted is the terminal state applied by the expiry sweeper.
	StatusDefaulted Status = "defaulted"
)

// ParseStatus validates a raw contract status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", assurance.NewValidationError("contract", "status", fmt.Sprintf("unknown contract status %q", raw))
	}

	return status, nil
}

// IsValid reports whether the status is part of the contract lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusDraft, StatusActive, StatusPaused, StatusDisputed, StatusCompleted, StatusCancelled, StatusDefaulted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusDefaulted:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusDraft:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusPaused || next == StatusDisputed || next == StatusCompleted ||
			next == StatusCancelled || next == StatusDefaulted
	case StatusPaused:
		return next == StatusActive || next == StatusDisputed || next == StatusCompleted ||
			next == StatusCancelled || next == StatusDefaulted
	case StatusDisputed:
		return next == StatusActive || next == StatusPaused || next == StatusCompleted ||
			next == StatusCancelled || next == StatusDefaulted
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}

// Contract is the agreement envelope. Aggregate totals are maintained only by
// ApplyRelease/ApplyForfeit inside the atomic posting unit.
type Contract struct {
	ID                  uuid.UUID           `json:"id"`
	TenantID            uuid.UUID           `json:"tenantId"`
	ContractType        Type                `json:"contractType"`
	Status              Status              `json:"status"`
	AnchorSubject       subject.Ref         `json:"anchorSubject"`
	CounterpartySubject *subject.Ref        `json:"counterpartySubject,omitempty"`
	Currency            string              `json:"currency"`
	CommittedAmount     int64               `json:"committedAmount"`
	ReleasedAmount      int64               `json:"releasedAmount"`
	ForfeitedAmount     int64               `json:"forfeitedAmount"`
	CancellationPolicy  CancellationPolicy  `json:"cancellationPolicy"`
	ReleaseFreezePolicy ReleaseFreezePolicy `json:"releaseFreezePolicy"`

	// PriorStatus remembers where to return when the last open claim leaves
	// the dispute. Meaningful only while Status is disputed.
	PriorStatus Status `json:"priorStatus,omitempty"`

	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CancelledAt *time.Time     `json:"cancelledAt,omitempty"`
	DefaultedAt *time.Time     `json:"defaultedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// CreateInput carries the caller-supplied fields for a new contract.
type CreateInput struct {
	TenantID            uuid.UUID
	ContractType        string
	AnchorSubject       subject.Ref
	CounterpartySubject *subject.Ref
	Currency            string
	CommittedAmount     int64
	CancellationPolicy  string
	ReleaseFreezePolicy string
	StartedAt           *time.Time
	ExpiresAt           *time.Time
	Metadata            map[string]any
}

// New validates the input and builds a draft contract. Policies default to
// release-on-cancel and no release freeze when omitted.
func New(input CreateInput, now time.Time) (*Contract, error) {
	if input.TenantID == uuid.Nil {
		return nil, assurance.NewValidationError("contract", "tenantId", "tenant id is required")
	}

	contractType, err := ParseType(input.ContractType)
	if err != nil {
		return nil, err
	}

	if err := input.AnchorSubject.Validate(); err != nil {
		return nil, err
	}

	if err := subject.ValidateOptional(input.CounterpartySubject); err != nil {
		return nil, err
	}

	if err := money.ValidateCurrency(input.Currency); err != nil {
		return nil, err
	}

	if input.CommittedAmount < 0 {
		return nil, assurance.NewValidationError("contract", "committedAmount", "committed amount must not be negative")
	}

	cancellationPolicy := CancellationRelease
	if input.CancellationPolicy != "" {
		cancellationPolicy, err = ParseCancellationPolicy(input.CancellationPolicy)
		if err != nil {
			return nil, err
		}
	}

	freezePolicy := FreezeNone
	if input.ReleaseFreezePolicy != "" {
		freezePolicy, err = ParseReleaseFreezePolicy(input.ReleaseFreezePolicy)
		if err != nil {
			return nil, err
		}
	}

	if input.StartedAt != nil && input.ExpiresAt != nil && !input.ExpiresAt.After(*input.StartedAt) {
		return nil, assurance.NewValidationError("contract", "expiresAt", "expiresAt must be after startedAt")
	}

	return &Contract{
		ID:                  uuid.New(),
		TenantID:            input.TenantID,
		ContractType:        contractType,
		Status:              StatusDraft,
		AnchorSubject:       input.AnchorSubject,
		CounterpartySubject: input.CounterpartySubject,
		Currency:            input.Currency,
		CommittedAmount:     input.CommittedAmount,
		CancellationPolicy:  cancellationPolicy,
		ReleaseFreezePolicy: freezePolicy,
		StartedAt:           input.StartedAt,
		ExpiresAt:           input.ExpiresAt,
		Metadata:            input.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func (c *Contract) transition(next Status, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return assurance.NewInvalidStateError("contract", fmt.Sprintf("cannot transition contract from %s to %s", c.Status, next))
	}

	c.Status = next
	c.UpdatedAt = now

	return nil
}

// Activate moves a draft contract into service, stamping StartedAt when the
// caller did not supply one.
func (c *Contract) Activate(now time.Time) error {
	if err := c.transition(StatusActive, now); err != nil {
		return err
	}

	if c.StartedAt == nil {
		startedAt := now
		c.StartedAt = &startedAt
	}

	return nil
}

// Pause suspends an active contract.
func (c *Contract) Pause(now time.Time) error {
	if c.Status != StatusActive {
		return assurance.NewInvalidStateError("contract", fmt.Sprintf("cannot pause contract in status %s", c.Status))
	}

	return c.transition(StatusPaused, now)
}

// Resume reactivates a paused contract.
func (c *Contract) Resume(now time.Time) error {
	if c.Status != StatusPaused {
		return assurance.NewInvalidStateError("contract", fmt.Sprintf("cannot resume contract in status %s", c.Status))
	}

	return c.transition(StatusActive, now)
}

// BeginDispute moves the contract to disputed when a claim opens, remembering
// the status to restore. Idempotent while already disputed.
func (c *Contract) BeginDispute(now time.Time) error {
	if c.Status == StatusDisputed {
		return nil
	}

	prior := c.Status
	if err := c.transition(StatusDisputed, now); err != nil {
		return err
	}

	c.PriorStatus = prior

	return nil
}

// EndDispute returns a disputed contract to its prior status once the last
// open claim has left the dispute. No-op when the contract is not disputed
// (it may have been cancelled or defaulted while the claim ran).
func (c *Contract) EndDispute(now time.Time) error {
	if c.Status != StatusDisputed {
		return nil
	}

	prior := c.PriorStatus
	if prior == "" {
		prior = StatusActive
	}

	if err := c.transition(prior, now); err != nil {
		return err
	}

	c.PriorStatus = ""

	return nil
}

// Complete marks the contract successfully finished. The engine verifies no
// open obligations or claims remain before calling.
func (c *Contract) Complete(now time.Time) error {
	if err := c.transition(StatusCompleted, now); err != nil {
		return err
	}

	completedAt := now
	c.CompletedAt = &completedAt

	return nil
}

// Cancel withdraws the contract. Held funds are reconciled by the engine per
// CancellationPolicy before this transition commits.
func (c *Contract) Cancel(now time.Time) error {
	if err := c.transition(StatusCancelled, now); err != nil {
		return err
	}

	cancelledAt := now
	c.CancelledAt = &cancelledAt

	return nil
}

// MarkDefaulted applies the sweeper-driven terminal state for contracts whose
// expiry passed while in service.
func (c *Contract) MarkDefaulted(now time.Time) error {
	if err := c.transition(StatusDefaulted, now); err != nil {
		return err
	}

	defaultedAt := now
	c.DefaultedAt = &defaultedAt

	return nil
}

// RemainingCommitted returns the budget still available for release/forfeit.
func (c *Contract) RemainingCommitted() int64 {
	return c.CommittedAmount - c.ReleasedAmount - c.ForfeitedAmount
}

// ApplyRelease adds to the released total, guarding the committed budget.
// Called only inside the atomic posting unit.
func (c *Contract) ApplyRelease(amount int64, now time.Time) error {
	if amount <= 0 {
		return assurance.NewValidationError("contract", "amount", "release amount must be greater than zero")
	}

	if amount > c.RemainingCommitted() {
		return assurance.NewInvariantViolationError("contract", fmt.Sprintf("released %d + forfeited %d + amount %d would exceed committed %d",
			c.ReleasedAmount, c.ForfeitedAmount, amount, c.CommittedAmount))
	}

	released, err := money.Add(c.ReleasedAmount, amount)
	if err != nil {
		return err
	}

	c.ReleasedAmount = released
	c.UpdatedAt = now

	return nil
}

// ApplyForfeit adds to the forfeited total, guarding the committed budget.
// Called only inside the atomic posting unit.
func (c *Contract) ApplyForfeit(amount int64, now time.Time) error {
	if amount <= 0 {
		return assurance.NewValidationError("contract", "amount", "forfeit amount must be greater than zero")
	}

	if amount > c.RemainingCommitted() {
		return assurance.NewInvariantViolationError("contract", fmt.Sprintf("released %d + forfeited %d + amount %d would exceed committed %d",
			c.ReleasedAmount, c.ForfeitedAmount, amount, c.CommittedAmount))
	}

	forfeited, err := money.Add(c.ForfeitedAmount, amount)
	if err != nil {
		return err
	}

	c.ForfeitedAmount = forfeited
	c.UpdatedAt = now

	return nil
}
