package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence operations for outbox events. All reads and
// writes are tenant-scoped; appends happen inside the engine's atomic unit
// through the store, so the port here only covers dispatch-side operations.
//
// Claiming semantics: ListPending atomically moves up to limit PENDING
// events (oldest first) to PROCESSING and returns them. ResetForRetry does
// the same for FAILED events older than failedBefore with attempts below
// maxAttempts. ResetStuckProcessing re-claims PROCESSING events older than
// processingBefore, incrementing attempts; events that exhaust maxAttempts
// are marked INVALID instead of returned.
type Repository interface {
	ListTenants(ctx context.Context) ([]uuid.UUID, error)
	ListPending(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Event, error)
	ResetForRetry(ctx context.Context, tenantID uuid.UUID, limit int, failedBefore time.Time, maxAttempts int) ([]*Event, error)
	ResetStuckProcessing(ctx context.Context, tenantID uuid.UUID, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error)
	MarkPublished(ctx context.Context, tenantID, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, tenantID, id uuid.UUID, errMsg string, maxAttempts int) error
	MarkInvalid(ctx context.Context, tenantID, id uuid.UUID, errMsg string) error
}
