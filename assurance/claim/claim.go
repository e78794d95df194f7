// Package claim implements the dispute lifecycle against a contract: a
// mutable current-state Claim row plus an append-only ClaimEvent trail.
// Claims never touch balances themselves; settlements go through the
// engine's posting primitive.
package claim

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// Type classifies what a claim disputes. Tenants may extend the set with
// "custom_" tokens.
type Type string

const (
	TypeBreach  Type = "breach"
	TypeDelay   Type = "delay"
	TypeQuality Type = "quality"
	TypeAmount  Type = "amount"
)

// ParseType validates a raw claim type.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeBreach, TypeDelay, TypeQuality, TypeAmount:
		return Type(raw), nil
	}

	if err := assurance.ValidateCustomToken("claim", "claimType", raw); err != nil {
		return "", err
	}

	return Type(raw), nil
}

// ResolutionType records how a resolved claim came out.
type ResolutionType string

const (
	// ResolutionNoFault closes the dispute with no party at fault.
	ResolutionNoFault ResolutionType = "no_fault"
	// ResolutionUpheld sides with the claimant; funds may settle.
	ResolutionUpheld ResolutionType = "upheld"
	// ResolutionDenied sides against the claimant.
	ResolutionDenied ResolutionType = "denied"
	// ResolutionPartial settles part of the disputed amount.
	ResolutionPartial ResolutionType = "partial"
)

// ParseResolutionType validates a raw resolution type.
func ParseResolutionType(raw string) (ResolutionType, error) {
	switch ResolutionType(raw) {
	case ResolutionNoFault, ResolutionUpheld, ResolutionDenied, ResolutionPartial:
		return ResolutionType(raw), nil
	}

	if err := assurance.ValidateCustomToken("claim", "resolutionType", raw); err != nil {
		return "", err
	}

	return ResolutionType(raw), nil
}

// Status represents a claim's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusInReview  Status = "in_review"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
	StatusClosed    Status = "closed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a raw claim status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusOpen, StatusInReview, StatusEscalated, StatusResolved, StatusClosed, StatusRejected, StatusCancelled:
		return Status(raw), nil
	default:
		return "", assurance.NewValidationError("claim", "status", fmt.Sprintf("unknown claim status %q", raw))
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsBlocking reports whether a claim in this status keeps the contract
// disputed and blocks contract completion.
func (s Status) IsBlocking() bool {
	switch s {
	case StatusOpen, StatusInReview, StatusEscalated, StatusResolved:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
// Resolution is reached through review or escalation, never straight from
// open.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusInReview || next == StatusEscalated || next == StatusRejected || next == StatusCancelled
	case StatusInReview:
		return next == StatusEscalated || next == StatusResolved || next == StatusRejected || next == StatusCancelled
	case StatusEscalated:
		return next == StatusResolved || next == StatusRejected || next == StatusCancelled
	case StatusResolved:
		return next == StatusClosed
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Claim is the current-state snapshot of one dispute. History lives in the
// event trail, not here.
type Claim struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenantId"`
	ContractID  uuid.UUID  `json:"contractId"`
	MilestoneID *uuid.UUID `json:"milestoneId,omitempty"`

	ClaimType      Type            `json:"claimType"`
	Status         Status          `json:"status"`
	ResolutionType *ResolutionType `json:"resolutionType,omitempty"`

	RaisedBy subject.Ref  `json:"raisedBy"`
	Against  *subject.Ref `json:"against,omitempty"`

	DisputedAmount int64  `json:"disputedAmount"`
	SettledAmount  *int64 `json:"settledAmount,omitempty"`

	Reason      string     `json:"reason,omitempty"`
	RespondByAt *time.Time `json:"respondByAt,omitempty"`

	OpenedAt        time.Time  `json:"openedAt"`
	ReviewStartedAt *time.Time `json:"reviewStartedAt,omitempty"`
	EscalatedAt     *time.Time `json:"escalatedAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Input carries the caller-supplied fields for a new claim.
type Input struct {
	ClaimType      string
	MilestoneID    *uuid.UUID
	RaisedBy       subject.Ref
	Against        *subject.Ref
	DisputedAmount int64
	Reason         string
	RespondByAt    *time.Time
	Metadata       map[string]any
}

// New validates the input and opens a claim against the contract, returning
// the claim and its opening event. Claims open only against contracts whose
// funds are still in play.
func New(c *contract.Contract, input Input, now time.Time) (*Claim, *Event, error) {
	switch c.Status {
	case contract.StatusActive, contract.StatusPaused, contract.StatusDisputed:
	default:
		return nil, nil, assurance.NewInvalidStateError("claim", fmt.Sprintf("cannot open claim against %s contract", c.Status))
	}

	claimType, err := ParseType(input.ClaimType)
	if err != nil {
		return nil, nil, err
	}

	if err := input.RaisedBy.Validate(); err != nil {
		return nil, nil, assurance.NewValidationError("claim", "raisedBy", err.Error())
	}

	if err := subject.ValidateOptional(input.Against); err != nil {
		return nil, nil, err
	}

	if input.DisputedAmount < 0 {
		return nil, nil, assurance.NewValidationError("claim", "disputedAmount", "disputed amount must not be negative")
	}

	cl := &Claim{
		ID:             uuid.New(),
		TenantID:       c.TenantID,
		ContractID:     c.ID,
		MilestoneID:    input.MilestoneID,
		ClaimType:      claimType,
		Status:         StatusOpen,
		RaisedBy:       input.RaisedBy,
		Against:        input.Against,
		DisputedAmount: input.DisputedAmount,
		Reason:         strings.TrimSpace(input.Reason),
		RespondByAt:    input.RespondByAt,
		OpenedAt:       now,
		Metadata:       input.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	event := cl.newEvent(nil, StatusOpen, &input.RaisedBy, cl.Reason, now)

	return cl, event, nil
}

// transition moves the claim to next and returns the event recording it.
func (c *Claim) transition(next Status, actor *subject.Ref, note string, now time.Time) (*Event, error) {
	if !c.Status.CanTransitionTo(next) {
		return nil, assurance.NewInvalidStateError("claim", fmt.Sprintf("cannot transition claim from %s to %s", c.Status, next))
	}

	if err := subject.ValidateOptional(actor); err != nil {
		return nil, err
	}

	from := c.Status
	c.Status = next
	c.UpdatedAt = now

	return c.newEvent(&from, next, actor, strings.TrimSpace(note), now), nil
}

// StartReview moves an open claim into review.
func (c *Claim) StartReview(actor *subject.Ref, note string, now time.Time) (*Event, error) {
	event, err := c.transition(StatusInReview, actor, note, now)
	if err != nil {
		return nil, err
	}

	c.ReviewStartedAt = &now

	return event, nil
}

// Escalate raises the claim's severity.
func (c *Claim) Escalate(actor *subject.Ref, note string, now time.Time) (*Event, error) {
	event, err := c.transition(StatusEscalated, actor, note, now)
	if err != nil {
		return nil, err
	}

	c.EscalatedAt = &now

	return event, nil
}

// ResolveInput carries the outcome of a claim resolution.
type ResolveInput struct {
	ResolutionType string
	// SettledAmount, when set, is forfeited to the counterparty through the
	// posting primitive. no_fault and denied resolutions move no money.
	SettledAmount *int64
	Actor         *subject.Ref
	Note          string
}

// Resolve records the claim outcome. The caller posts any settlement entry
// and attaches it to the returned event.
func (c *Claim) Resolve(input ResolveInput, now time.Time) (*Event, error) {
	resolution, err := ParseResolutionType(input.ResolutionType)
	if err != nil {
		return nil, err
	}

	if input.SettledAmount != nil {
		if resolution == ResolutionNoFault || resolution == ResolutionDenied {
			return nil, assurance.NewValidationError("claim", "settledAmount", fmt.Sprintf("%s resolutions cannot settle funds", resolution))
		}

		if *input.SettledAmount <= 0 {
			return nil, assurance.NewValidationError("claim", "settledAmount", "settled amount must be greater than zero when set")
		}

		if *input.SettledAmount > c.DisputedAmount {
			return nil, assurance.NewValidationError("claim", "settledAmount", "settled amount cannot exceed the disputed amount")
		}
	}

	event, err := c.transition(StatusResolved, input.Actor, input.Note, now)
	if err != nil {
		return nil, err
	}

	c.ResolutionType = &resolution
	c.SettledAmount = input.SettledAmount
	c.ResolvedAt = &now

	return event, nil
}

// Close finishes a resolved claim.
func (c *Claim) Close(actor *subject.Ref, note string, now time.Time) (*Event, error) {
	if c.ResolvedAt == nil {
		return nil, assurance.NewInvalidStateError("claim", "cannot close a claim that was never resolved")
	}

	event, err := c.transition(StatusClosed, actor, note, now)
	if err != nil {
		return nil, err
	}

	c.ClosedAt = &now

	return event, nil
}

// Reject dismisses the claim without resolution.
func (c *Claim) Reject(actor *subject.Ref, note string, now time.Time) (*Event, error) {
	event, err := c.transition(StatusRejected, actor, note, now)
	if err != nil {
		return nil, err
	}

	c.RejectedAt = &now

	return event, nil
}

// Cancel withdraws the claim, usually by the party that raised it.
func (c *Claim) Cancel(actor *subject.Ref, note string, now time.Time) (*Event, error) {
	event, err := c.transition(StatusCancelled, actor, note, now)
	if err != nil {
		return nil, err
	}

	c.CancelledAt = &now

	return event, nil
}
