package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// AddObligation attaches a new pending obligation to a contract.
func (e *Engine) AddObligation(ctx context.Context, tenantID, contractID uuid.UUID, input contract.ObligationInput) (*contract.Obligation, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.add_obligation")
	defer span.End()

	if err := e.resolveSubjects(ctx, tenantID, input.Obligor, input.Beneficiary); err != nil {
		return nil, failSpan(ctx, span, logger, "obligation subject rejected", err)
	}

	var result *contract.Obligation

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		now := e.now()

		o, err := contract.NewObligation(c, input, now)
		if err != nil {
			return err
		}

		if err := tx.CreateObligation(ctx, o); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventObligationAdded, aggregateObligation, o.ID, o, now); err != nil {
			return err
		}

		result = o

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation add failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "obligation added",
		log.String("obligation_id", result.ID.String()),
		log.String("contract_id", contractID.String()),
	)

	return result, nil
}

// StartObligation records that work on the obligation has begun.
func (e *Engine) StartObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.start_obligation", EventObligationStarted, true, (*contract.Obligation).Start)
}

// RecordObligationProgress accumulates partial progress toward the required
// amount. Reaching it exactly satisfies the obligation in the same call.
func (e *Engine) RecordObligationProgress(ctx context.Context, tenantID, obligationID uuid.UUID, amount int64) (*contract.Obligation, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.record_obligation_progress")
	defer span.End()

	contractID, err := e.obligationScope(ctx, tenantID, obligationID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation lookup failed", err)
	}

	var (
		result *contract.Obligation
		tally  releaseTally
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if err := progressGate(c); err != nil {
			return err
		}

		o, err := tx.GetObligation(ctx, tenantID, obligationID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := o.RecordProgress(amount, now); err != nil {
			return err
		}

		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}

		eventType := EventObligationProgressRecorded
		if o.Status == contract.ObligationSatisfied {
			eventType = EventObligationSatisfied
		}

		if err := appendEvent(ctx, tx, tenantID, eventType, aggregateObligation, o.ID, o, now); err != nil {
			return err
		}

		if err := e.evaluateLinkedMilestones(ctx, tx, tenantID, c, o.ID, now, &tally); err != nil {
			return err
		}

		result = o

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation progress failed", err)
	}

	e.recordReleases(ctx, tally)
	logger.Log(ctx, log.LevelInfo, "obligation progress recorded",
		log.String("obligation_id", obligationID.String()),
		log.Int64("satisfied_amount", result.SatisfiedAmount),
	)

	return result, nil
}

// SatisfyObligation marks the obligation met.
func (e *Engine) SatisfyObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.satisfy_obligation", EventObligationSatisfied, true, (*contract.Obligation).Satisfy)
}

// WaiveObligation excuses the obligation from its condition.
func (e *Engine) WaiveObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.waive_obligation", EventObligationWaived, false, (*contract.Obligation).Waive)
}

// CancelObligation withdraws an open obligation.
func (e *Engine) CancelObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.cancel_obligation", EventObligationCancelled, false, (*contract.Obligation).Cancel)
}

// ExpireObligation lapses an open obligation whose window has passed.
func (e *Engine) ExpireObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.expire_obligation", EventObligationExpired, false, (*contract.Obligation).Expire)
}

// ReopenObligation pulls a satisfied obligation back to in-progress, usually
// after a dispute unwinds its evidence. Ready milestones leaning on it
// demote in the same transaction.
func (e *Engine) ReopenObligation(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	return e.transitionObligation(ctx, tenantID, obligationID, "engine.reopen_obligation", EventObligationReopened, false, (*contract.Obligation).Reopen)
}

// MarkObligationBreached records a missed obligation. Breaching an already
// breached obligation is a no-op so sweeper retries stay safe.
func (e *Engine) MarkObligationBreached(ctx context.Context, tenantID, obligationID uuid.UUID) (*contract.Obligation, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.mark_obligation_breached")
	defer span.End()

	contractID, err := e.obligationScope(ctx, tenantID, obligationID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation lookup failed", err)
	}

	var (
		result  *contract.Obligation
		already bool
		tally   releaseTally
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		o, err := tx.GetObligation(ctx, tenantID, obligationID)
		if err != nil {
			return err
		}

		if o.Status == contract.ObligationBreached {
			result, already = o, true

			return nil
		}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if err := administerGate(c); err != nil {
			return err
		}

		now := e.now()

		if err := o.MarkBreached(now); err != nil {
			return err
		}

		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventObligationBreached, aggregateObligation, o.ID, o, now); err != nil {
			return err
		}

		if err := e.evaluateLinkedMilestones(ctx, tx, tenantID, c, o.ID, now, &tally); err != nil {
			return err
		}

		result = o

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation breach failed", err)
	}

	if already {
		return result, nil
	}

	e.recordReleases(ctx, tally)
	e.addCounter(ctx, metrics.MetricObligationsBreached, 1)
	logger.Log(ctx, log.LevelWarn, "obligation breached", log.String("obligation_id", obligationID.String()))

	return result, nil
}

// obligationScope resolves the owning contract from committed state so the
// right lock can be taken before the transaction opens.
func (e *Engine) obligationScope(ctx context.Context, tenantID, obligationID uuid.UUID) (uuid.UUID, error) {
	o, err := e.store.GetObligation(ctx, tenantID, obligationID)
	if err != nil {
		return uuid.Nil, err
	}

	return o.ContractID, nil
}

// progressGate admits obligation progress only while the contract is in
// force. Disputes pause releases, not work, so disputed passes.
func progressGate(c *contract.Contract) error {
	switch c.Status {
	case contract.StatusActive, contract.StatusDisputed:
		return nil
	default:
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot progress obligations while contract is %s", c.Status))
	}
}

// administerGate admits administrative obligation moves on any live
// contract, paused included.
func administerGate(c *contract.Contract) error {
	if c.Status.IsTerminal() {
		return assurance.NewInvalidStateError("obligation", fmt.Sprintf("cannot modify obligations of %s contract", c.Status))
	}

	return nil
}

// transitionObligation is the shared path for single-step obligation moves.
// Every committed move re-evaluates the milestones linked to the obligation
// in the same transaction.
func (e *Engine) transitionObligation(ctx context.Context, tenantID, obligationID uuid.UUID, op, eventType string, progress bool, apply func(*contract.Obligation, time.Time) error) (*contract.Obligation, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	contractID, err := e.obligationScope(ctx, tenantID, obligationID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation lookup failed", err)
	}

	var (
		result *contract.Obligation
		tally  releaseTally
	)

	err = e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		tally = releaseTally{}

		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		gate := administerGate
		if progress {
			gate = progressGate
		}

		if err := gate(c); err != nil {
			return err
		}

		o, err := tx.GetObligation(ctx, tenantID, obligationID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := apply(o, now); err != nil {
			return err
		}

		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, eventType, aggregateObligation, o.ID, o, now); err != nil {
			return err
		}

		if err := e.evaluateLinkedMilestones(ctx, tx, tenantID, c, o.ID, now, &tally); err != nil {
			return err
		}

		result = o

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "obligation transition failed", err)
	}

	e.recordReleases(ctx, tally)
	logger.Log(ctx, log.LevelInfo, "obligation transitioned",
		log.String("obligation_id", obligationID.String()),
		log.String("status", result.Status.String()),
	)

	return result, nil
}
