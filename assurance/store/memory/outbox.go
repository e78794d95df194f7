package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance/outbox"
	"github.com/LerianStudio/lib-assurance/assurance/store"
)

// ListPending implements outbox.Repository. Claimed events move to
// PROCESSING before they are returned, mirroring the SQL claim-and-return.
func (s *Store) ListPending(_ context.Context, tenantID uuid.UUID, limit int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)
	now := s.clock()

	var claimed []*outbox.Event

	for _, id := range a.events.order {
		if len(claimed) >= limit {
			break
		}

		ev, ok := a.events.get(id)
		if !ok || ev.Status != outbox.StatusPending {
			continue
		}

		next := cloneOutboxEvent(ev)
		next.Status = outbox.StatusProcessing
		next.UpdatedAt = now
		a.events.put(id, next)

		claimed = append(claimed, cloneOutboxEvent(next))
	}

	return claimed, nil
}

// ResetForRetry implements outbox.Repository.
func (s *Store) ResetForRetry(_ context.Context, tenantID uuid.UUID, limit int, failedBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)
	now := s.clock()

	var claimed []*outbox.Event

	for _, id := range a.events.order {
		if len(claimed) >= limit {
			break
		}

		ev, ok := a.events.get(id)
		if !ok || ev.Status != outbox.StatusFailed {
			continue
		}

		if ev.UpdatedAt.After(failedBefore) || ev.Attempts >= maxAttempts {
			continue
		}

		next := cloneOutboxEvent(ev)
		next.Status = outbox.StatusProcessing
		next.UpdatedAt = now
		a.events.put(id, next)

		claimed = append(claimed, cloneOutboxEvent(next))
	}

	return claimed, nil
}

// ResetStuckProcessing implements outbox.Repository. Each matched event
// counts against limit whether it is re-claimed or invalidated.
func (s *Store) ResetStuckProcessing(_ context.Context, tenantID uuid.UUID, limit int, processingBefore time.Time, maxAttempts int) ([]*outbox.Event, error) {
	if s == nil {
		return nil, store.ErrNilStore
	}

	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)
	now := s.clock()

	var (
		claimed []*outbox.Event
		matched int
	)

	for _, id := range a.events.order {
		if matched >= limit {
			break
		}

		ev, ok := a.events.get(id)
		if !ok || ev.Status != outbox.StatusProcessing {
			continue
		}

		if ev.UpdatedAt.After(processingBefore) {
			continue
		}

		matched++

		next := cloneOutboxEvent(ev)
		next.Attempts++
		next.UpdatedAt = now

		if next.Attempts >= maxAttempts {
			next.Status = outbox.StatusInvalid
			next.LastError = "processing attempts exhausted"
			a.events.put(id, next)

			continue
		}

		a.events.put(id, next)
		claimed = append(claimed, cloneOutboxEvent(next))
	}

	return claimed, nil
}

// MarkPublished implements outbox.Repository. Marking an already published
// event again succeeds, so redeliveries ack cleanly.
func (s *Store) MarkPublished(_ context.Context, tenantID, id uuid.UUID, publishedAt time.Time) error {
	if s == nil {
		return store.ErrNilStore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)

	ev, ok := a.events.get(id)
	if !ok {
		return notFound("outbox_event", id)
	}

	if ev.Status == outbox.StatusPublished {
		return nil
	}

	if !ev.Status.CanTransitionTo(outbox.StatusPublished) {
		return fmt.Errorf("outbox event %s: %w: %s -> %s", id, outbox.ErrTransitionInvalid, ev.Status, outbox.StatusPublished)
	}

	next := cloneOutboxEvent(ev)
	next.Status = outbox.StatusPublished
	next.PublishedAt = &publishedAt
	next.LastError = ""
	next.UpdatedAt = s.clock()
	a.events.put(id, next)

	return nil
}

// MarkFailed implements outbox.Repository. Exhausting maxAttempts flips the
// event to INVALID instead of FAILED.
func (s *Store) MarkFailed(_ context.Context, tenantID, id uuid.UUID, errMsg string, maxAttempts int) error {
	if s == nil {
		return store.ErrNilStore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)

	ev, ok := a.events.get(id)
	if !ok {
		return notFound("outbox_event", id)
	}

	if !ev.Status.CanTransitionTo(outbox.StatusFailed) {
		return fmt.Errorf("outbox event %s: %w: %s -> %s", id, outbox.ErrTransitionInvalid, ev.Status, outbox.StatusFailed)
	}

	next := cloneOutboxEvent(ev)
	next.Attempts++
	next.LastError = errMsg
	next.UpdatedAt = s.clock()

	if next.Attempts >= maxAttempts {
		next.Status = outbox.StatusInvalid
	} else {
		next.Status = outbox.StatusFailed
	}

	a.events.put(id, next)

	return nil
}

// MarkInvalid implements outbox.Repository.
func (s *Store) MarkInvalid(_ context.Context, tenantID, id uuid.UUID, errMsg string) error {
	if s == nil {
		return store.ErrNilStore
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.readArena(tenantID)

	ev, ok := a.events.get(id)
	if !ok {
		return notFound("outbox_event", id)
	}

	if !ev.Status.CanTransitionTo(outbox.StatusInvalid) {
		return fmt.Errorf("outbox event %s: %w: %s -> %s", id, outbox.ErrTransitionInvalid, ev.Status, outbox.StatusInvalid)
	}

	next := cloneOutboxEvent(ev)
	next.Status = outbox.StatusInvalid
	next.LastError = errMsg
	next.UpdatedAt = s.clock()
	a.events.put(id, next)

	return nil
}
