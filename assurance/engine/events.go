package engine

// Outbox event types emitted by engine operations. One committed state
// change produces one event; payloads carry the post-transition snapshot.
const (
	EventContractCreated        = "contract.created"
	EventContractActivated      = "contract.activated"
	EventContractPaused         = "contract.paused"
	EventContractResumed        = "contract.resumed"
	EventContractCompleted      = "contract.completed"
	EventContractCancelled      = "contract.cancelled"
	EventContractDefaulted      = "contract.defaulted"
	EventContractDisputed       = "contract.disputed"
	EventContractDisputeCleared = "contract.dispute_cleared"

	EventObligationAdded            = "obligation.added"
	EventObligationStarted          = "obligation.started"
	EventObligationProgressRecorded = "obligation.progress_recorded"
	EventObligationSatisfied        = "obligation.satisfied"
	EventObligationWaived           = "obligation.waived"
	EventObligationCancelled        = "obligation.cancelled"
	EventObligationBreached         = "obligation.breached"
	EventObligationExpired          = "obligation.expired"
	EventObligationReopened         = "obligation.reopened"

	EventMilestoneAdded     = "milestone.added"
	EventMilestoneLinked    = "milestone.linked"
	EventMilestoneReady     = "milestone.ready"
	EventMilestoneDemoted   = "milestone.demoted"
	EventMilestoneReleased  = "milestone.released"
	EventMilestoneCancelled = "milestone.cancelled"

	EventAccountOpened = "account.opened"
	EventAccountClosed = "account.closed"

	EventLedgerFunded     = "ledger.funded"
	EventLedgerReconciled = "ledger.reconciled"
	EventEntryVoided      = "ledger.entry_voided"
	EventEntryReversed    = "ledger.entry_reversed"

	EventClaimOpened        = "claim.opened"
	EventClaimReviewStarted = "claim.review_started"
	EventClaimEscalated     = "claim.escalated"
	EventClaimResolved      = "claim.resolved"
	EventClaimClosed        = "claim.closed"
	EventClaimRejected      = "claim.rejected"
	EventClaimCancelled     = "claim.cancelled"
)

// Outbox aggregate types. Consumers route on these plus the event type.
const (
	aggregateContract   = "contract"
	aggregateObligation = "obligation"
	aggregateMilestone  = "milestone"
	aggregateAccount    = "account"
	aggregateEntry      = "entry"
	aggregateClaim      = "claim"
)
