package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/contract"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// CreateContract validates the input, screens its subjects, and persists a
// draft contract together with its creation event.
func (e *Engine) CreateContract(ctx context.Context, input contract.CreateInput) (*contract.Contract, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.create_contract")
	defer span.End()

	now := e.now()

	c, err := contract.New(input, now)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract input rejected", err)
	}

	if err := e.resolveSubjects(ctx, c.TenantID, &input.AnchorSubject, input.CounterpartySubject); err != nil {
		return nil, failSpan(ctx, span, logger, "contract subject rejected", err)
	}

	err = e.store.ExecTx(ctx, c.TenantID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		return appendEvent(ctx, tx, c.TenantID, EventContractCreated, aggregateContract, c.ID, c, now)
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract create failed", err)
	}

	e.addCounter(ctx, metrics.MetricContractsCreated, 1)
	logger.Log(ctx, log.LevelInfo, "contract created",
		log.String("contract_id", c.ID.String()),
		log.String("contract_type", string(c.ContractType)),
	)

	return c, nil
}

// ActivateContract moves a draft contract into force.
func (e *Engine) ActivateContract(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	return e.transitionContract(ctx, tenantID, contractID, "engine.activate_contract", EventContractActivated, (*contract.Contract).Activate)
}

// PauseContract suspends obligation progress on an active contract.
func (e *Engine) PauseContract(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	return e.transitionContract(ctx, tenantID, contractID, "engine.pause_contract", EventContractPaused, (*contract.Contract).Pause)
}

// ResumeContract returns a paused contract to active.
func (e *Engine) ResumeContract(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	return e.transitionContract(ctx, tenantID, contractID, "engine.resume_contract", EventContractResumed, (*contract.Contract).Resume)
}

// CompleteContract closes out a contract whose work is done. Open
// obligations or blocking claims reject completion.
func (e *Engine) CompleteContract(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.complete_contract")
	defer span.End()

	var result *contract.Contract

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		obligations, err := tx.ListObligationsByContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		for _, o := range obligations {
			if o.Status.IsOpen() {
				return assurance.NewInvalidStateError("contract", fmt.Sprintf("cannot complete contract while obligation %s is %s", o.ID, o.Status))
			}
		}

		claims, err := tx.ListClaimsByContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		for _, cl := range claims {
			if cl.Status.IsBlocking() {
				return assurance.NewInvalidStateError("contract", fmt.Sprintf("cannot complete contract while claim %s is %s", cl.ID, cl.Status))
			}
		}

		now := e.now()

		if err := c.Complete(now); err != nil {
			return err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventContractCompleted, aggregateContract, c.ID, c, now); err != nil {
			return err
		}

		result = c

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract complete failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "contract completed", log.String("contract_id", contractID.String()))

	return result, nil
}

// CancelContract withdraws a contract. Open obligations are cancelled, live
// milestones are cancelled, and held funds are reconciled per the contract's
// cancellation policy in the same transaction.
func (e *Engine) CancelContract(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.cancel_contract")
	defer span.End()

	var result *contract.Contract

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := c.Cancel(now); err != nil {
			return err
		}

		if err := e.windDown(ctx, tx, c, false, now); err != nil {
			return err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventContractCancelled, aggregateContract, c.ID, c, now); err != nil {
			return err
		}

		result = c

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract cancel failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "contract cancelled", log.String("contract_id", contractID.String()))

	return result, nil
}

// MarkContractDefaulted records that the counterparty failed the contract.
// Open obligations expire, live milestones are cancelled, and held funds are
// reconciled per the cancellation policy. Defaulting an already defaulted
// contract is a no-op so sweeper retries stay safe.
func (e *Engine) MarkContractDefaulted(ctx context.Context, tenantID, contractID uuid.UUID) (*contract.Contract, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.mark_contract_defaulted")
	defer span.End()

	var (
		result  *contract.Contract
		already bool
	)

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		if c.Status == contract.StatusDefaulted {
			result, already = c, true

			return nil
		}

		now := e.now()

		if err := c.MarkDefaulted(now); err != nil {
			return err
		}

		if err := e.windDown(ctx, tx, c, true, now); err != nil {
			return err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventContractDefaulted, aggregateContract, c.ID, c, now); err != nil {
			return err
		}

		result = c

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract default failed", err)
	}

	if already {
		return result, nil
	}

	e.addCounter(ctx, metrics.MetricContractsDefaulted, 1)
	logger.Log(ctx, log.LevelWarn, "contract defaulted", log.String("contract_id", contractID.String()))

	return result, nil
}

// transitionContract is the shared path for single-step contract lifecycle
// moves with no cascade.
func (e *Engine) transitionContract(ctx context.Context, tenantID, contractID uuid.UUID, op, eventType string, apply func(*contract.Contract, time.Time) error) (*contract.Contract, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	var result *contract.Contract

	err := e.inContractTx(ctx, tenantID, contractID, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, tenantID, contractID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := apply(c, now); err != nil {
			return err
		}

		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, eventType, aggregateContract, c.ID, c, now); err != nil {
			return err
		}

		result = c

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "contract transition failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "contract transitioned",
		log.String("contract_id", contractID.String()),
		log.String("status", result.Status.String()),
	)

	return result, nil
}

// windDown cascades a terminal contract move onto its open children and
// reconciles remaining held funds. Cancellation cancels open obligations;
// default expires them. Live milestones are cancelled either way.
func (e *Engine) windDown(ctx context.Context, tx store.Tx, c *contract.Contract, defaulted bool, now time.Time) error {
	obligations, err := tx.ListObligationsByContract(ctx, c.TenantID, c.ID)
	if err != nil {
		return err
	}

	for _, o := range obligations {
		if !o.Status.IsOpen() {
			continue
		}

		eventType := EventObligationCancelled
		transition := o.Cancel

		if defaulted {
			eventType = EventObligationExpired
			transition = o.Expire
		}

		if err := transition(now); err != nil {
			return err
		}

		if err := tx.UpdateObligation(ctx, o); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, c.TenantID, eventType, aggregateObligation, o.ID, o, now); err != nil {
			return err
		}
	}

	milestones, err := tx.ListMilestonesByContract(ctx, c.TenantID, c.ID)
	if err != nil {
		return err
	}

	for _, m := range milestones {
		if m.Status.IsTerminal() {
			continue
		}

		if err := m.Cancel(now); err != nil {
			return err
		}

		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, c.TenantID, EventMilestoneCancelled, aggregateMilestone, m.ID, m, now); err != nil {
			return err
		}
	}

	cause := "cancel"
	if defaulted {
		cause = "default"
	}

	_, err = e.reconcileHeld(ctx, tx, c, cause, now)

	return err
}

// reconcileHeld zeroes the bound account's held funds when a contract leaves
// force: release policy unholds them back to the owner's balance, forfeit
// policy posts them out. Contracts with no account, or nothing held, need no
// entry.
func (e *Engine) reconcileHeld(ctx context.Context, tx store.Tx, c *contract.Contract, cause string, now time.Time) (*ledger.Entry, error) {
	account, err := tx.GetContractAccount(ctx, c.TenantID, c.ID)
	if err != nil {
		if assurance.IsCode(err, assurance.ErrorAccountNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if account.Held == 0 {
		return nil, nil
	}

	held := account.Held
	input := ledger.EntryInput{
		AccountID:  account.ID,
		OccurredAt: now,
		ContractID: &c.ID,
		Metadata:   map[string]any{"cause": cause},
	}

	switch c.CancellationPolicy {
	case contract.CancellationForfeit:
		input.EntryType = ledger.EntryForfeit
		input.BalanceDelta = -held
		input.HeldDelta = -held

		// Held funds beyond the committed budget are overage; only the
		// committed share counts against the contract tally.
		if tally := min(held, c.RemainingCommitted()); tally > 0 {
			if err := c.ApplyForfeit(tally, now); err != nil {
				return nil, err
			}
		}
	default:
		input.EntryType = ledger.EntryUnhold
		input.HeldDelta = -held
	}

	entry, err := ledger.NewEntry(account, input, now)
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

	if err := appendEvent(ctx, tx, c.TenantID, EventLedgerReconciled, aggregateEntry, entry.ID, entry, now); err != nil {
		return nil, err
	}

	return entry, nil
}
