package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// EvaluationMode decides how a milestone aggregates its linked obligations
// into a go/no-go release decision.
type EvaluationMode string

const (
	// EvaluateAll requires every required link satisfied (waived links are
	// excused from the gate).
	EvaluateAll EvaluationMode = "all"
	// EvaluateAny requires at least one required link satisfied.
	EvaluateAny EvaluationMode = "any"
	// EvaluateThreshold requires the satisfied tally to reach
	// MinSatisfiedCount.
	EvaluateThreshold EvaluationMode = "threshold"
)

// ParseEvaluationMode validates a raw evaluation mode.
func ParseEvaluationMode(raw string) (EvaluationMode, error) {
	switch EvaluationMode(raw) {
	case EvaluateAll, EvaluateAny, EvaluateThreshold:
		return EvaluationMode(raw), nil
	default:
		return "", assurance.NewValidationError("milestone", "evaluationMode", fmt.Sprintf("unknown evaluation mode %q", raw))
	}
}

// ReleaseMode decides whether a ready milestone releases by itself or waits
// for an explicit command.
type ReleaseMode string

const (
	// ReleaseManual waits for an explicit release command.
	ReleaseManual ReleaseMode = "manual"
	// ReleaseAutomatic releases in the same pass that found the milestone
	// ready.
	ReleaseAutomatic ReleaseMode = "automatic"
)

// ParseReleaseMode validates a raw release mode.
func ParseReleaseMode(raw string) (ReleaseMode, error) {
	switch ReleaseMode(raw) {
	case ReleaseManual, ReleaseAutomatic:
		return ReleaseMode(raw), nil
	default:
		return "", assurance.NewValidationError("milestone", "releaseMode", fmt.Sprintf("unknown release mode %q", raw))
	}
}

// MilestoneStatus represents a milestone lifecycle state.
type MilestoneStatus string

const (
	// MilestonePending awaits obligation support.
	MilestonePending MilestoneStatus = "pending"
	// MilestoneReady is authorized to release; may demote if support
	// disappears.
	MilestoneReady MilestoneStatus = "ready"
	// MilestoneReleased has posted its ledger entry; terminal.
	MilestoneReleased MilestoneStatus = "released"
	// MilestoneCancelled was withdrawn; terminal.
	MilestoneCancelled MilestoneStatus = "cancelled"
)

// ParseMilestoneStatus validates a raw milestone status.
func ParseMilestoneStatus(raw string) (MilestoneStatus, error) {
	status := MilestoneStatus(raw)
	if !status.IsValid() {
		return "", assurance.NewValidationError("milestone", "status", fmt.Sprintf("unknown milestone status %q", raw))
	}

	return status, nil
}

// IsValid reports whether the status is part of the milestone lifecycle.
func (status MilestoneStatus) IsValid() bool {
	switch status {
	case MilestonePending, MilestoneReady, MilestoneReleased, MilestoneCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the milestone is past evaluation.
func (status MilestoneStatus) IsTerminal() bool {
	return status == MilestoneReleased || status == MilestoneCancelled
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status MilestoneStatus) CanTransitionTo(next MilestoneStatus) bool {
	switch status {
	case MilestonePending:
		return next == MilestoneReady || next == MilestoneCancelled
	case MilestoneReady:
		return next == MilestonePending || next == MilestoneReleased || next == MilestoneCancelled
	default:
		return false
	}
}

func (status MilestoneStatus) String() string {
	return string(status)
}

// Milestone is a release gate: when its linked obligations support it, it
// authorizes release of a fixed amount.
type Milestone struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenantId"`
	ContractID uuid.UUID       `json:"contractId"`
	Code       string          `json:"code"`
	Status     MilestoneStatus `json:"status"`

	EvaluationMode    EvaluationMode `json:"evaluationMode"`
	MinSatisfiedCount int            `json:"minSatisfiedCount,omitempty"`
	ReleaseMode       ReleaseMode    `json:"releaseMode"`

	// ReleaseAmount is fixed at creation, never recomputed from obligations.
	ReleaseAmount int64 `json:"releaseAmount"`

	DueAt       *time.Time   `json:"dueAt,omitempty"`
	ReadyAt     *time.Time   `json:"readyAt,omitempty"`
	ReleasedAt  *time.Time   `json:"releasedAt,omitempty"`
	CancelledAt *time.Time   `json:"cancelledAt,omitempty"`
	ReleasedBy  *subject.Ref `json:"releasedBy,omitempty"`
	SortOrder   int          `json:"sortOrder"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// MilestoneInput carries the caller-supplied fields for a new milestone.
type MilestoneInput struct {
	Code              string
	EvaluationMode    string
	MinSatisfiedCount int
	ReleaseMode       string
	ReleaseAmount     int64
	DueAt             *time.Time
	SortOrder         int
}

// NewMilestone validates the input and builds a pending milestone under the
// given contract. Code uniqueness per contract is enforced by the store.
func NewMilestone(c *Contract, input MilestoneInput, now time.Time) (*Milestone, error) {
	if c.Status.IsTerminal() {
		return nil, assurance.NewInvalidStateError("milestone", fmt.Sprintf("cannot add milestone to %s contract", c.Status))
	}

	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, assurance.NewValidationError("milestone", "code", "milestone code is required")
	}

	evaluationMode, err := ParseEvaluationMode(input.EvaluationMode)
	if err != nil {
		return nil, err
	}

	if evaluationMode == EvaluateThreshold && input.MinSatisfiedCount < 1 {
		return nil, assurance.NewValidationError("milestone", "minSatisfiedCount", "threshold mode requires minSatisfiedCount of at least 1")
	}

	if evaluationMode != EvaluateThreshold && input.MinSatisfiedCount != 0 {
		return nil, assurance.NewValidationError("milestone", "minSatisfiedCount", "minSatisfiedCount is only valid for threshold mode")
	}

	releaseMode := ReleaseManual
	if input.ReleaseMode != "" {
		releaseMode, err = ParseReleaseMode(input.ReleaseMode)
		if err != nil {
			return nil, err
		}
	}

	if input.ReleaseAmount < 0 {
		return nil, assurance.NewValidationError("milestone", "releaseAmount", "release amount must not be negative")
	}

	return &Milestone{
		ID:                uuid.New(),
		TenantID:          c.TenantID,
		ContractID:        c.ID,
		Code:              code,
		Status:            MilestonePending,
		EvaluationMode:    evaluationMode,
		MinSatisfiedCount: input.MinSatisfiedCount,
		ReleaseMode:       releaseMode,
		ReleaseAmount:     input.ReleaseAmount,
		DueAt:             input.DueAt,
		SortOrder:         input.SortOrder,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (m *Milestone) transition(next MilestoneStatus, now time.Time) error {
	if !m.Status.CanTransitionTo(next) {
		return assurance.NewInvalidStateError("milestone", fmt.Sprintf("cannot transition milestone from %s to %s", m.Status, next))
	}

	m.Status = next
	m.UpdatedAt = now

	return nil
}

// MarkReady records that evaluation found the milestone's gate satisfied.
func (m *Milestone) MarkReady(now time.Time) error {
	if err := m.transition(MilestoneReady, now); err != nil {
		return err
	}

	readyAt := now
	m.ReadyAt = &readyAt

	return nil
}

// Demote returns a ready milestone to pending when its support disappeared.
func (m *Milestone) Demote(now time.Time) error {
	if err := m.transition(MilestonePending, now); err != nil {
		return err
	}

	m.ReadyAt = nil

	return nil
}

// MarkReleased records a completed release. Called only inside the atomic
// posting unit.
func (m *Milestone) MarkReleased(actor subject.Ref, now time.Time) error {
	if err := m.transition(MilestoneReleased, now); err != nil {
		return err
	}

	releasedAt := now
	m.ReleasedAt = &releasedAt
	m.ReleasedBy = &actor

	return nil
}

// Cancel withdraws the milestone from the contract.
func (m *Milestone) Cancel(now time.Time) error {
	if err := m.transition(MilestoneCancelled, now); err != nil {
		return err
	}

	cancelledAt := now
	m.CancelledAt = &cancelledAt

	return nil
}

// Link is a weighted membership of an obligation in a milestone's gate.
type Link struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenantId"`
	ContractID   uuid.UUID       `json:"contractId"`
	MilestoneID  uuid.UUID       `json:"milestoneId"`
	ObligationID uuid.UUID       `json:"obligationId"`
	Weight       decimal.Decimal `json:"weight"`
	IsRequired   bool            `json:"isRequired"`
	SortOrder    int             `json:"sortOrder"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// LinkInput carries the caller-supplied fields for a new link.
type LinkInput struct {
	Weight     decimal.Decimal
	IsRequired bool
	SortOrder  int
}

// NewLink validates and builds a link between a milestone and an obligation
// of the same contract. Pair uniqueness is enforced by the store.
func NewLink(m *Milestone, o *Obligation, input LinkInput, now time.Time) (*Link, error) {
	if m.ContractID != o.ContractID || m.TenantID != o.TenantID {
		return nil, assurance.NewValidationError("link", "obligationId", "milestone and obligation must belong to the same contract")
	}

	if m.Status.IsTerminal() {
		return nil, assurance.NewInvalidStateError("link", fmt.Sprintf("cannot link obligation to %s milestone", m.Status))
	}

	weight := input.Weight
	if weight.IsZero() {
		weight = decimal.NewFromInt(1)
	}

	if !weight.IsPositive() {
		return nil, assurance.NewValidationError("link", "weight", "link weight must be greater than zero")
	}

	return &Link{
		ID:           uuid.New(),
		TenantID:     m.TenantID,
		ContractID:   m.ContractID,
		MilestoneID:  m.ID,
		ObligationID: o.ID,
		Weight:       weight,
		IsRequired:   input.IsRequired,
		SortOrder:    input.SortOrder,
		CreatedAt:    now,
	}, nil
}
