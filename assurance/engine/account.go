package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
	"github.com/LerianStudio/lib-assurance/assurance/ledger"
	"github.com/LerianStudio/lib-assurance/assurance/log"
	"github.com/LerianStudio/lib-assurance/assurance/opentelemetry/metrics"
	"github.com/LerianStudio/lib-assurance/assurance/store"
	"github.com/LerianStudio/lib-assurance/assurance/subject"
)

// FundInput carries the caller-supplied fields for funding an account.
// ExternalTransactionID, when set, deduplicates redeliveries of the same
// external money movement.
type FundInput struct {
	Amount                int64
	OccurredAt            *time.Time
	ExternalTransactionID *string
	SubjectRef            *subject.Ref
	Metadata              map[string]any
}

// OpenAccount creates the money bucket for a contract, or a standalone one.
// Contract-bound accounts must match the contract's currency and are limited
// to one per contract.
func (e *Engine) OpenAccount(ctx context.Context, tenantID uuid.UUID, input ledger.AccountInput) (*ledger.Account, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.open_account")
	defer span.End()

	input.TenantID = tenantID

	if err := e.resolveSubjects(ctx, tenantID, &input.OwnerSubject, input.CounterpartySubject); err != nil {
		return nil, failSpan(ctx, span, logger, "account subject rejected", err)
	}

	var result *ledger.Account

	open := func(ctx context.Context, tx store.Tx) error {
		now := e.now()

		if input.ContractID != nil {
			c, err := tx.GetContract(ctx, tenantID, *input.ContractID)
			if err != nil {
				return err
			}

			if c.Status.IsTerminal() {
				return assurance.NewInvalidStateError("account", fmt.Sprintf("cannot open account for %s contract", c.Status))
			}

			if input.Currency != c.Currency {
				return assurance.NewValidationError("account", "currency", fmt.Sprintf("account currency %s does not match contract currency %s", input.Currency, c.Currency))
			}
		}

		account, err := ledger.NewAccount(input, now)
		if err != nil {
			return err
		}

		if err := tx.CreateAccount(ctx, account); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventAccountOpened, aggregateAccount, account.ID, account, now); err != nil {
			return err
		}

		result = account

		return nil
	}

	var err error
	if input.ContractID != nil {
		err = e.inContractTx(ctx, tenantID, *input.ContractID, open)
	} else {
		err = e.store.ExecTx(ctx, tenantID, open)
	}

	if err != nil {
		return nil, failSpan(ctx, span, logger, "account open failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "account opened",
		log.String("account_id", result.ID.String()),
		log.String("account_type", string(result.AccountType)),
	)

	return result, nil
}

// CloseAccount retires an account once nothing is held on it.
func (e *Engine) CloseAccount(ctx context.Context, tenantID, accountID uuid.UUID) (*ledger.Account, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.close_account")
	defer span.End()

	scope, err := e.accountScope(ctx, tenantID, accountID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "account lookup failed", err)
	}

	var result *ledger.Account

	err = e.inPostingTx(ctx, tenantID, scope, accountID, func(ctx context.Context, tx store.Tx) error {
		account, err := tx.GetAccount(ctx, tenantID, accountID)
		if err != nil {
			return err
		}

		now := e.now()

		if err := account.Close(now); err != nil {
			return err
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventAccountClosed, aggregateAccount, account.ID, account, now); err != nil {
			return err
		}

		result = account

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "account close failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "account closed", log.String("account_id", accountID.String()))

	return result, nil
}

// Fund records received money: balance and held both rise by the amount.
// Redelivering the same external transaction returns the original entry
// instead of posting twice.
func (e *Engine) Fund(ctx context.Context, tenantID, accountID uuid.UUID, input FundInput) (*ledger.Entry, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.fund_account")
	defer span.End()

	if input.Amount <= 0 {
		return nil, failSpan(ctx, span, logger, "fund amount rejected",
			assurance.NewValidationError("entry", "amount", "fund amount must be greater than zero"))
	}

	if err := e.resolveSubjects(ctx, tenantID, input.SubjectRef); err != nil {
		return nil, failSpan(ctx, span, logger, "fund subject rejected", err)
	}

	scope, err := e.accountScope(ctx, tenantID, accountID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "account lookup failed", err)
	}

	var (
		result   *ledger.Entry
		replayed bool
	)

	err = e.inPostingTx(ctx, tenantID, scope, accountID, func(ctx context.Context, tx store.Tx) error {
		account, err := tx.GetAccount(ctx, tenantID, accountID)
		if err != nil {
			return err
		}

		if account.ContractID != nil {
			c, err := tx.GetContract(ctx, tenantID, *account.ContractID)
			if err != nil {
				return err
			}

			if c.Status.IsTerminal() {
				return assurance.NewInvalidStateError("entry", fmt.Sprintf("cannot fund account of %s contract", c.Status))
			}
		}

		var key *string

		if input.ExternalTransactionID != nil {
			k := fundKey(accountID, *input.ExternalTransactionID)

			prior, err := tx.GetEntryByIdempotencyKey(ctx, tenantID, k)
			if err == nil {
				result, replayed = prior, true

				return nil
			}

			if !assurance.IsCode(err, assurance.ErrorNotFound) {
				return err
			}

			key = &k
		}

		now := e.now()

		var occurredAt time.Time
		if input.OccurredAt != nil {
			occurredAt = *input.OccurredAt
		}

		entry, err := ledger.NewEntry(account, ledger.EntryInput{
			AccountID:             account.ID,
			EntryType:             ledger.EntryFund,
			OccurredAt:            occurredAt,
			BalanceDelta:          input.Amount,
			HeldDelta:             input.Amount,
			ContractID:            account.ContractID,
			ExternalTransactionID: input.ExternalTransactionID,
			SubjectRef:            input.SubjectRef,
			IdempotencyKey:        key,
			Metadata:              input.Metadata,
		}, now)
		if err != nil {
			return err
		}

		if err := account.Apply(entry, now); err != nil {
			return err
		}

		if err := tx.CreateEntry(ctx, entry); err != nil {
			return err
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventLedgerFunded, aggregateEntry, entry.ID, entry, now); err != nil {
			return err
		}

		result = entry

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "account fund failed", err)
	}

	if replayed {
		logger.Log(ctx, log.LevelInfo, "fund replayed",
			log.String("account_id", accountID.String()),
			log.String("entry_id", result.ID.String()),
		)

		return result, nil
	}

	e.addCounter(ctx, metrics.MetricEntriesPosted, 1)
	logger.Log(ctx, log.LevelInfo, "account funded",
		log.String("account_id", accountID.String()),
		log.Int64("amount", input.Amount),
	)

	return result, nil
}

// VoidEntry strikes a mistaken entry from the record and refolds the
// account's snapshot without it. Entries that back a milestone release
// cannot be voided; disputes over released funds go through claims.
func (e *Engine) VoidEntry(ctx context.Context, tenantID, entryID uuid.UUID) (*ledger.Entry, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.void_entry")
	defer span.End()

	accountID, scope, err := e.entryScope(ctx, tenantID, entryID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "entry lookup failed", err)
	}

	var result *ledger.Entry

	err = e.inPostingTx(ctx, tenantID, scope, accountID, func(ctx context.Context, tx store.Tx) error {
		entry, err := tx.GetEntry(ctx, tenantID, entryID)
		if err != nil {
			return err
		}

		if entry.MilestoneID != nil {
			return assurance.NewInvalidStateError("entry", "cannot void a release entry; settle it through a claim")
		}

		if err := entry.MarkVoided(); err != nil {
			return err
		}

		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		account, err := tx.GetAccount(ctx, tenantID, entry.AccountID)
		if err != nil {
			return err
		}

		entries, err := tx.ListEntriesByAccount(ctx, tenantID, entry.AccountID)
		if err != nil {
			return err
		}

		now := e.now()

		// The fold replays history without the voided entry; if that history
		// no longer balances, the void is rejected with it.
		if err := account.Fold(entries, now); err != nil {
			return err
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventEntryVoided, aggregateEntry, entry.ID, entry, now); err != nil {
			return err
		}

		result = entry

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "entry void failed", err)
	}

	logger.Log(ctx, log.LevelInfo, "entry voided", log.String("entry_id", entryID.String()))

	return result, nil
}

// ReverseEntry compensates a posted entry with a new reversal entry that
// negates its deltas. The original stays in history, marked reversed.
// Release entries cannot be reversed here; disputes go through claims.
func (e *Engine) ReverseEntry(ctx context.Context, tenantID, entryID uuid.UUID) (*ledger.Entry, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	logger, tracer := e.tracking(ctx)

	ctx, span := tracer.Start(ctx, "engine.reverse_entry")
	defer span.End()

	accountID, scope, err := e.entryScope(ctx, tenantID, entryID)
	if err != nil {
		return nil, failSpan(ctx, span, logger, "entry lookup failed", err)
	}

	var result *ledger.Entry

	err = e.inPostingTx(ctx, tenantID, scope, accountID, func(ctx context.Context, tx store.Tx) error {
		original, err := tx.GetEntry(ctx, tenantID, entryID)
		if err != nil {
			return err
		}

		if original.MilestoneID != nil {
			return assurance.NewInvalidStateError("entry", "cannot reverse a release entry; settle it through a claim")
		}

		if err := original.MarkReversed(); err != nil {
			return err
		}

		if err := tx.UpdateEntry(ctx, original); err != nil {
			return err
		}

		account, err := tx.GetAccount(ctx, tenantID, original.AccountID)
		if err != nil {
			return err
		}

		now := e.now()

		reversal, err := ledger.NewEntry(account, ledger.EntryInput{
			AccountID:             account.ID,
			EntryType:             ledger.EntryReversal,
			OccurredAt:            now,
			BalanceDelta:          -original.BalanceDelta,
			HeldDelta:             -original.HeldDelta,
			ContractID:            original.ContractID,
			ObligationID:          original.ObligationID,
			ExternalTransactionID: original.ExternalTransactionID,
			SubjectRef:            original.SubjectRef,
			ReversesEntryID:       &original.ID,
		}, now)
		if err != nil {
			return err
		}

		if err := account.Apply(reversal, now); err != nil {
			return err
		}

		if err := tx.CreateEntry(ctx, reversal); err != nil {
			return err
		}

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		if err := appendEvent(ctx, tx, tenantID, EventEntryReversed, aggregateEntry, reversal.ID, reversal, now); err != nil {
			return err
		}

		result = reversal

		return nil
	})
	if err != nil {
		return nil, failSpan(ctx, span, logger, "entry reverse failed", err)
	}

	e.addCounter(ctx, metrics.MetricEntriesPosted, 1)
	logger.Log(ctx, log.LevelInfo, "entry reversed",
		log.String("entry_id", entryID.String()),
		log.String("reversal_id", result.ID.String()),
	)

	return result, nil
}

// accountScope resolves the account's contract binding from committed state
// so the right locks can be taken before the transaction opens.
func (e *Engine) accountScope(ctx context.Context, tenantID, accountID uuid.UUID) (*uuid.UUID, error) {
	account, err := e.store.GetAccount(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}

	return account.ContractID, nil
}

// entryScope resolves an entry's account and contract binding for locking.
func (e *Engine) entryScope(ctx context.Context, tenantID, entryID uuid.UUID) (uuid.UUID, *uuid.UUID, error) {
	entry, err := e.store.GetEntry(ctx, tenantID, entryID)
	if err != nil {
		return uuid.Nil, nil, err
	}

	scope, err := e.accountScope(ctx, tenantID, entry.AccountID)
	if err != nil {
		return uuid.Nil, nil, err
	}

	return entry.AccountID, scope, nil
}

// fundKey is the idempotency key tying one external transaction to one fund
// entry per account.
func fundKey(accountID uuid.UUID, externalTransactionID string) string {
	return fmt.Sprintf("%s:fund:%s", accountID, externalTransactionID)
}
