package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

func TestLocalBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewLocalBus(testhelpers.NewTestLogger())
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe("worker-1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("worker-2")
	defer cancel2()

	event := NewEvent(TypeCircuitCreated, "worker-1.example.com")
	require.NoError(t, bus.Publish(context.Background(), event))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, event.ID, got.ID)
			assert.Equal(t, TypeCircuitCreated, got.Type)
			assert.Equal(t, "worker-1.example.com", got.TargetAuthority)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestLocalBus_CancelStopsDelivery(t *testing.T) {
	bus := NewLocalBus(testhelpers.NewTestLogger())
	defer bus.Close()

	ch, cancel := bus.Subscribe("worker-1")
	cancel()

	// Channel is closed after cancel
	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic
	require.NoError(t, bus.Publish(context.Background(), NewEvent(TypeCircuitRemoved, "worker-1")))

	// Cancel is idempotent
	cancel()
}

func TestLocalBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewLocalBus(testhelpers.NewTestLogger())
	defer bus.Close()

	_, cancel := bus.Subscribe("stalled")
	defer cancel()

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = bus.Publish(context.Background(), NewEvent(TypeCircuitRouteUpdated, "w"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestLocalBus_PublishAfterClose(t *testing.T) {
	bus := NewLocalBus(testhelpers.NewTestLogger())
	bus.Close()

	err := bus.Publish(context.Background(), NewEvent(TypeCircuitCreated, "w"))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEvent_MarshalRoundTrip(t *testing.T) {
	routeID := uuid.New()
	status := types.HealthStatusHealthy

	event := NewEvent(TypeRouteHealthChanged, "worker-1")
	event.RouteID = &routeID
	event.HealthStatus = &status
	event.Circuit = &types.Circuit{
		ID:           uuid.New(),
		App:          "llama-3-70b",
		Protocol:     types.ProtocolHTTP,
		AppMode:      types.AppModeInference,
		FrontendMode: types.FrontendModePort,
		Port:         10205,
	}

	data, err := event.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Type, got.Type)
	require.NotNil(t, got.RouteID)
	assert.Equal(t, routeID, *got.RouteID)
	require.NotNil(t, got.HealthStatus)
	assert.Equal(t, types.HealthStatusHealthy, *got.HealthStatus)
	require.NotNil(t, got.Circuit)
	assert.Equal(t, event.Circuit.ID, got.Circuit.ID)
	assert.Equal(t, 10205, got.Circuit.Port)
}
