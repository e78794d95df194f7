//go:build unit

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	aggregateID := uuid.New()
	payload := []byte(`{"key":"value"}`)
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

	event, err := NewEvent(context.Background(), tenantID, "contract.activated", "contract", aggregateID, payload, now)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, tenantID, event.TenantID)
	require.Equal(t, "contract.activated", event.EventType)
	require.Equal(t, "contract", event.AggregateType)
	require.Equal(t, aggregateID, event.AggregateID)
	require.Equal(t, payload, event.Payload)
	require.Equal(t, StatusPending, event.Status)
	require.Equal(t, 0, event.Attempts)
	require.NotEqual(t, uuid.Nil, event.ID)
	require.Equal(t, now, event.CreatedAt)
	require.Equal(t, now, event.UpdatedAt)
	require.Nil(t, event.PublishedAt)
}

func TestNewEventTrimsTypes(t *testing.T) {
	t.Parallel()

	event, err := NewEvent(
		context.Background(),
		uuid.New(),
		"  contract.activated  ",
		"\tcontract\n",
		uuid.New(),
		[]byte(`{"k":"v"}`),
		time.Now().UTC(),
	)
	require.NoError(t, err)
	require.Equal(t, "contract.activated", event.EventType)
	require.Equal(t, "contract", event.AggregateType)
}

func TestNewEventValidation(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	event, err := NewEvent(context.Background(), uuid.Nil, "type", "contract", uuid.New(), []byte(`{"k":"v"}`), now)
	require.ErrorIs(t, err, ErrTenantRequired)
	require.Nil(t, event)

	event, err = NewEvent(context.Background(), uuid.New(), "   ", "contract", uuid.New(), []byte(`{"k":"v"}`), now)
	require.ErrorIs(t, err, ErrEventTypeRequired)
	require.Nil(t, event)

	event, err = NewEvent(context.Background(), uuid.New(), "type", "", uuid.New(), []byte(`{"k":"v"}`), now)
	require.Error(t, err)
	require.Nil(t, event)
	require.Contains(t, err.Error(), "aggregate type")

	event, err = NewEvent(context.Background(), uuid.New(), "type", "contract", uuid.Nil, []byte(`{"k":"v"}`), now)
	require.Error(t, err)
	require.Nil(t, event)
	require.Contains(t, err.Error(), "aggregate id")

	event, err = NewEvent(context.Background(), uuid.New(), "type", "contract", uuid.New(), nil, now)
	require.ErrorIs(t, err, ErrPayloadRequired)
	require.Nil(t, event)

	oversized := make([]byte, DefaultMaxPayloadBytes+1)
	event, err = NewEvent(context.Background(), uuid.New(), "type", "contract", uuid.New(), oversized, now)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Nil(t, event)

	event, err = NewEvent(context.Background(), uuid.New(), "type", "contract", uuid.New(), []byte("not-json"), now)
	require.ErrorIs(t, err, ErrPayloadNotJSON)
	require.Nil(t, event)
}
