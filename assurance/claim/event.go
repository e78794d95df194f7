package claim

import (
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// Event is one immutable row in a claim's timeline. Every status transition
// produces exactly one event; nothing else writes claim history.
type Event struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenantId"`
	ClaimID  uuid.UUID `json:"claimId"`

	// FromStatus is nil on the opening event.
	FromStatus *Status `json:"fromStatus,omitempty"`
	ToStatus   Status  `json:"toStatus"`

	Actor *subject.Ref `json:"actor,omitempty"`
	Note  string       `json:"note,omitempty"`

	// LedgerEntryID points at the settlement entry a resolution produced,
	// when it produced one.
	LedgerEntryID *uuid.UUID `json:"ledgerEntryId,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (c *Claim) newEvent(from *Status, to Status, actor *subject.Ref, note string, now time.Time) *Event {
	return &Event{
		ID:         uuid.New(),
		TenantID:   c.TenantID,
		ClaimID:    c.ID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Note:       note,
		OccurredAt: now,
		CreatedAt:  now,
	}
}
