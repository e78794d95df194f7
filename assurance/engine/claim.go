package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/claim"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// claimResolvedPayload is the outbox body for a resolution, carrying the
// settlement entry when the resolution moved funds.
type claimResolvedPayload struct {
	Claim *claim.Claim  `json:"claim"`
	Entry *ledger.Entry `json:"entry,omitempty"`
}

// OpenClaim raises a dispute against a contract. The contract enters
// disputed in the same transaction, remembering where to return once the
// last blocking claim leaves.
func (e *Engine) OpenClaim(ctx context.Context, tenantID, contractID uuid.UUID, input claim.Input) (*claim.Claim, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.open_claim")
	defer span.End()

	if err := e.resolveSubjects(ctx, tenantID, &input.RaisedBy, input.Against); err != nil {
		return nil, failSpan(ctx, span, logger, "claim subject rejected", err)
	}

	var result *claim.Claim

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if input.MilestoneID != nil {
			m, err := tx.GetMilestone(ctx, tenantID, *input.MilestoneID)
			if err != nil {
				return err
			}

			if m.ContractID != contractID {
				return assurance.NewValidationError("claim", "milestoneId", "milestone does not belong to the contract")
			}
		}

		now := e.now()

		cl, event, err := claim.New(c, input, now)
		if err != nil {
			return err
		}

		wasDisputed := c.Status == contract.StatusDisputed

		if err := c.BeginDispute(now); err != nil {
			return err
		}

		if err := tx.CreateClaim(ctx, cl); err != nil {
			return err
		}

		if err := tx.AppendClaimEvent(ctx, event); err != nil {
			return err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventClaimOpened, aggregateClaim, cl.ID, cl, now); err != nil {
			return err
		}

		if !wasDisputed {
			if err := appendEvent(ctx, tx, tenantID, EventContractDisputed, aggregateContract, c.ID, c, now); err != nil {
				return err
			}
		}

		result = cl

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "claim open failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "claim opened",
		log.String("claim_id", result.ID.String()),
		log.String("contract_id", contractID.String()),
		log.Int64("disputed_amount", result.DisputedAmount),
	)

	return result, nil
}

// ReviewClaim moves an open claim into review.
func (e *Engine) ReviewClaim(ctx context.Context, tenantID, claimID uuid.UUID, actor *subject.Ref, note string) (*claim.Claim, error) {
	return e.transitionClaim(ctx, tenantID, claimID, "engine.review_claim", EventClaimReviewStarted, actor, note, (*claim.Claim).StartReview, false)
}

// EscalateClaim raises a claim to a higher review tier.
func (e *Engine) EscalateClaim(ctx context.Context, tenantID, claimID uuid.UUID, actor *subject.Ref, note string) (*claim.Claim, error) {
	return e.transitionClaim(ctx, tenantID, claimID, "engine.escalate_claim", EventClaimEscalated, actor, note, (*claim.Claim).Escalate, false)
}

// CloseClaim finishes a resolved claim. When it was the last blocking claim,
// the contract leaves dispute and held-up automatic releases resume, all in
// the same transaction.
func (e *Engine) CloseClaim(ctx context.Context, tenantID, claimID uuid.UUID, actor *subject.Ref, note string) (*claim.Claim, error) {
	return e.transitionClaim(ctx, tenantID, claimID, "engine.close_claim", EventClaimClosed, actor, note, (*claim.Claim).Close, true)
}

// RejectClaim dismisses a claim without resolution.
func (e *Engine) RejectClaim(ctx context.Context, tenantID, claimID uuid.UUID, actor *subject.Ref, note string) (*claim.Claim, error) {
	return e.transitionClaim(ctx, tenantID, claimID, "engine.reject_claim", EventClaimRejected, actor, note, (*claim.Claim).Reject, true)
}

// CancelClaim withdraws a claim, usually by the party that raised it.
func (e *Engine) CancelClaim(ctx context.Context, tenantID, claimID uuid.UUID, actor *subject.Ref, note string) (*claim.Claim, error) {
	return e.transitionClaim(ctx, tenantID, claimID, "engine.cancel_claim", EventClaimCancelled, actor, note, (*claim.Claim).Cancel, true)
}

// ResolveClaim records the adjudicated outcome. Settling resolutions post a
// forfeit of the settled amount out of held funds and tie the entry to the
// claim's event trail, atomically with the resolution itself. The contract
// stays disputed until the claim is closed.
func (e *Engine) ResolveClaim(ctx context.Context, tenantID, claimID uuid.UUID, input claim.ResolveInput) (*claim.Claim, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.resolve_claim")
	defer span.End()

	if err := e.resolveSubjects(ctx, tenantID, input.Actor); err != nil {
		return nil, failSpan(ctx, span, logger, "claim subject rejected", err)
	}

	contractID, err := e.claimScope(ctx, tenantID, claimID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "claim lookup failed", err)
	}

	var (
		result  *claim.Claim
		settled *ledger.Entry
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		settled = nil

		cl, err := tx.GetClaim(ctx, tenantID, claimID)
		if err != nil {
			return err
		}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		now := e.now()

		event, err := cl.Resolve(input, now)
		if err != nil {
			return err
		}

		if cl.SettledAmount != nil {
			entry, err := e.settleClaim(ctx, tx, c, cl, *cl.SettledAmount, now)
			if err != nil {
				return err
			}

			event.LedgerEntryID = &entry.ID
			settled = entry
		}

		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return err
		}

		if err := tx.AppendClaimEvent(ctx, event); err != nil {
			return err
		}

		payload := claimResolvedPayload{Claim: cl, Entry: settled}

		if err := appendEvent(ctx, tx, tenantID, EventClaimResolved, aggregateClaim, cl.ID, payload, now); err != nil {
			return err
		}

		result = cl

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "claim resolve failed", err)
	}

	e.addCounter(ctx, metrics.MetricClaimsResolved, 1)

	if settled != nil {
		e.addCounter(ctx, metrics.MetricEntriesPosted, 1)
	}

	logger.Log(ctx, log.LevelInfo, "claim resolved",
		log.String("claim_id", claimID.String()),
		log.String("resolution", string(*result.ResolutionType)),
	)

	return result, nil
}

// settleClaim posts the settlement forfeit and counts it against the
// contract's committed budget.
func (e *Engine) settleClaim(ctx context.Context, tx store.Tx, c *contract.Contract, cl *claim.Claim, amount int64, now time.Time) (*ledger.Entry, error) {
	account, err := tx.GetContractAccount(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, err
	}

	if err := c.ApplyForfeit(amount, now); err != nil {
		return nil, err
	}

	key := settlementKey(c.ID, cl.ID)

	entry, err := ledger.NewEntry(account, ledger.EntryInput{
		AccountID:      account.ID,
		EntryType:      ledger.EntryForfeit,
		OccurredAt:     now,
		BalanceDelta:   -amount,
		HeldDelta:      -amount,
		ContractID:     &c.ID,
		MilestoneID:    cl.MilestoneID,
		SubjectRef:     cl.Against,
		IdempotencyKey: &key,
		Metadata:       map[string]any{"claimId": cl.ID.String()},
	}, now)
	if err != nil {
		return nil, err
	}

	if err := account.Apply(entry, now); err != nil {
		return nil, err
	}

	if err := tx.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := tx.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}

	if err := tx.UpdateContract(ctx, c); err != nil {
		return nil, err
	}

	return entry, nil
}

// transitionClaim is the shared path for claim lifecycle moves. Moves that
// can clear the dispute re-check the contract after the claim is updated.
func (e *Engine) transitionClaim(ctx context.Context, tenantID, claimID uuid.UUID, op, eventType string, actor *subject.Ref, note string, apply func(*claim.Claim, *subject.Ref, string, time.Time) (*claim.Event, error), clears bool) (*claim.Claim, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if err := e.resolveSubjects(ctx, tenantID, actor); err != nil {
		return nil, failSpan(ctx, span, logger, "claim subject rejected", err)
	}

	contractID, err := e.claimScope(ctx, tenantID, claimID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "claim lookup failed", err)
	}

	var (
		result *claim.Claim
		tally  releaseTally
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		cl, err := tx.GetClaim(ctx, tenantID, claimID)
		if err != nil {
			return err
		}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		now := e.now()

		event, err := apply(cl, actor, note, now)
		if err != nil {
			return err
		}

		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return err
		}

		if err := tx.AppendClaimEvent(ctx, event); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, eventType, aggregateClaim, cl.ID, cl, now); err != nil {
			return err
		}

		if clears {
			cleared, err := e.endDisputeIfClear(ctx, tx, c, now)
			if err != nil {
				return err
			}

			if cleared {
				if err := e.resumeAutomaticReleases(ctx, tx, c, now, &tally); err != nil {
					return err
				}
			}
		}

		result = cl

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "claim transition failed", err)
	}

	e.recordReleases(ctx, tally)
	logger.Log(ctx, log.LevelInfo, "claim transitioned",
		log.String("claim_id", claimID.String()),
		log.String("status", result.Status.String()),
	)

	return result, nil
}

// endDisputeIfClear returns the contract to its pre-dispute status once no
// blocking claim remains. The caller must have persisted the claim move
// first so the scan sees it.
func (e *Engine) endDisputeIfClear(ctx context.Context, tx store.Tx, c *contract.Contract, now time.Time) (bool, error) {
	if c.Status != contract.StatusDisputed {
		return false, nil
	}

	claims, err := tx.ListClaimsByContract(ctx, c.TenantID, c.ID)
	if err != nil {
		return false, err
	}

	for _, cl := range claims {
		if cl.Status.IsBlocking() {
			return false, nil
		}
	}

	if err := c.EndDispute(now); err != nil {
		return false, err
	}

	if err := tx.UpdateContract(ctx, c); err != nil {
		return false, err
	}

	if err := appendEvent(ctx, tx, c.TenantID, EventContractDisputeCleared, aggregateContract, c.ID, c, now); err != nil {
		return false, err
	}

	return true, nil
}

// claimScope resolves the owning contract from committed state so the right
// lock can be taken before the transaction opens.
func (e *Engine) claimScope(ctx context.Context, tenantID, claimID uuid.UUID) (uuid.UUID, error) {
	cl, err := e.store.GetClaim(ctx, tenantID, claimID)
	if err != nil {
		return uuid.Nil, err
	}

	return cl.ContractID, nil
}

// settlementKey is the idempotency key for a claim's settlement entry. A
// claim resolves once, so the key has no variant part.
func settlementKey(contractID, claimID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:settlement", contractID, claimID)
}
