package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

const outboxColumns = `id, tenant_id, event_type, aggregate_type, aggregate_id,
	payload, status, attempts, published_at, last_error, created_at, updated_at`

func scanOutboxEvent(s scanner) (*outbox.Event, error) {
	var (
		e           outbox.Event
		statusRaw   string
		publishedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.TenantID, &e.EventType, &e.AggregateType, &e.AggregateID,
		&e.Payload, &statusRaw, &e.Attempts, &publishedAt, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = outbox.Status(statusRaw)
	e.PublishedAt = timeFromNull(publishedAt)

	return &e, nil
}

// ListPending implements outbox.Repository. Claimed events move to
// PROCESSING inside the same statement; SKIP LOCKED keeps concurrent
// dispatchers from double-claiming.
func (s *Store) ListPending(ctx context.Context, tenantID uuid.UUID, limit int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	query := `WITH claimed AS (
			SELECT id FROM outbox_events
			WHERE tenant_id = $1 AND status = 'PENDING'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'PROCESSING', updated_at = $3
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING ` + outboxQualifiedColumns("o")

	return s.claimEvents(ctx, query, tenantID, limit, time.Now().UTC())
}

// ResetForRetry implements outbox.Repository.
func (s *Store) ResetForRetry(ctx context.Context, tenantID uuid.UUID, limit int, failedBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	query := `WITH claimed AS (
			SELECT id FROM outbox_events
			WHERE tenant_id = $1 AND status = 'FAILED'
				AND updated_at <= $4 AND attempts < $5
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'PROCESSING', updated_at = $3
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING ` + outboxQualifiedColumns("o")

	return s.claimEvents(ctx, query, tenantID, limit, time.Now().UTC(), failedBefore, maxAttempts)
}

// ResetStuckProcessing implements outbox.Repository. Events that exhaust
// maxAttempts flip to INVALID inside the statement and are filtered from
// the returned claim set.
func (s *Store) ResetStuckProcessing(ctx context.Context, tenantID uuid.UUID, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	query := `WITH claimed AS (
			SELECT id FROM outbox_events
			WHERE tenant_id = $1 AND status = 'PROCESSING' AND updated_at <= $4
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET attempts = o.attempts + 1,
			status = CASE WHEN o.attempts + 1 >= $5 THEN 'INVALID' ELSE 'PROCESSING' END,
			last_error = CASE WHEN o.attempts + 1 >= $5 THEN 'processing attempts exhausted' ELSE o.last_error END,
			updated_at = $3
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING ` + outboxQualifiedColumns("o")

	events, err := s.claimEvents(ctx, query, tenantID, limit, time.Now().UTC(), processingBefore, maxAttempts)
	if err != nil {
		return nil, err
	}

	reclaimed := events[:0]

	for _, ev := range events {
		if ev.Status == outbox.StatusProcessing {
			reclaimed = append(reclaimed, ev)
		}
	}

	return reclaimed, nil
}

// MarkPublished implements outbox.Repository. Marking an already published
// event again succeeds, so redeliveries ack cleanly.
func (s *Store) MarkPublished(ctx context.Context, tenantID, id uuid.UUID, publishedAt time.Time) error {
	if s == nil {
		return store.ErrNilStore
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return err
	}

	query := `UPDATE outbox_events
		SET status = 'PUBLISHED', published_at = $3, last_error = '', updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'PROCESSING'`

	result, err := db.ExecContext(ctx, query, tenantID, id, publishedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox event published: rows affected: %w", err)
	}

	if affected == 0 {
		return s.explainMarkMiss(ctx, tenantID, id, outbox.StatusPublished)
	}

	return nil
}

// MarkFailed implements outbox.Repository. Exhausting maxAttempts flips the
// event to INVALID instead of FAILED.
func (s *Store) MarkFailed(ctx context.Context, tenantID, id uuid.UUID, errMsg string, maxAttempts int) error {
	if s == nil {
		return store.ErrNilStore
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return err
	}

	query := `UPDATE outbox_events
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $5 THEN 'INVALID' ELSE 'FAILED' END,
			last_error = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'PROCESSING'`

	result, err := db.ExecContext(ctx, query, tenantID, id, errMsg, time.Now().UTC(), maxAttempts)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox event failed: rows affected: %w", err)
	}

	if affected == 0 {
		return s.explainMarkMiss(ctx, tenantID, id, outbox.StatusFailed)
	}

	return nil
}

// MarkInvalid implements outbox.Repository.
func (s *Store) MarkInvalid(ctx context.Context, tenantID, id uuid.UUID, errMsg string) error {
	if s == nil {
		return store.ErrNilStore
	}

	db, err := s.client.GetDB(ctx)
	if err != nil {
		return err
	}

	query := `UPDATE outbox_events
		SET status = 'INVALID', last_error = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'PROCESSING'`

	result, err := db.ExecContext(ctx, query, tenantID, id, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox event invalid: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox event invalid: rows affected: %w", err)
	}

	if affected == 0 {
		return s.explainMarkMiss(ctx, tenantID, id, outbox.StatusInvalid)
	}

	return nil
}

// claimEvents runs a claim-and-return statement and orders the claimed
// events oldest first (RETURNING carries no ordering guarantee). Claims are
// writes, so they always run on the primary; the resolver would route a
// QueryContext to a read-only replica.
func (s *Store) claimEvents(ctx context.Context, query string, tenantID uuid.UUID, limit int, now time.Time, extra ...any) ([]*outbox.Event, error) {
	db, err := s.client.PrimaryDB(ctx)
	if err != nil {
		return nil, err
	}

	args := append([]any{tenantID, limit, now}, extra...)

	events, err := queryAll(ctx, db, query, scanOutboxEvent, args...)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}

	sortEventsByCreation(events)

	return events, nil
}

// explainMarkMiss distinguishes "event does not exist" from "event is no
// longer in a state that admits the transition". Published targets tolerate
// the already-published case.
func (s *Store) explainMarkMiss(ctx context.Context, tenantID, id uuid.UUID, target outbox.Status) error {
	db, err := s.client.PrimaryDB(ctx)
	if err != nil {
		return err
	}

	var statusRaw string

	row := db.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err := row.Scan(&statusRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("outbox_event", id)
		}

		return fmt.Errorf("read outbox event status: %w", err)
	}

	current := outbox.Status(statusRaw)

	if target == outbox.StatusPublished && current == outbox.StatusPublished {
		return nil
	}

	return fmt.Errorf("outbox event %s: %w: %s -> %s", id, outbox.ErrTransitionInvalid, current, target)
}

func outboxQualifiedColumns(alias string) string {
	return alias + `.id, ` + alias + `.tenant_id, ` + alias + `.event_type, ` + alias + `.aggregate_type, ` +
		alias + `.aggregate_id, ` + alias + `.payload, ` + alias + `.status, ` + alias + `.attempts, ` +
		alias + `.published_at, ` + alias + `.last_error, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func sortEventsByCreation(events []*outbox.Event) {
	slices.SortStableFunc(events, func(x, y *outbox.Event) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})
}
