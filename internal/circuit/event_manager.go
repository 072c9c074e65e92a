package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// EventManager propagates circuits over the event bus. Workers subscribe to
// the bus, activate circuits addressed to their authority and publish a
// worker-circuit-added acknowledgement back.
type EventManager struct {
	bus        events.Bus
	ackTimeout time.Duration
	logger     *slog.Logger
}

// NewEventManager creates an event-bus circuit manager
func NewEventManager(bus events.Bus, ackTimeout time.Duration, logger *slog.Logger) *EventManager {
	if bus == nil {
		panic("circuit: bus is required")
	}
	if logger == nil {
		panic("circuit: logger is required")
	}
	if ackTimeout <= 0 {
		ackTimeout = 15 * time.Second
	}
	return &EventManager{
		bus:        bus,
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// AddCircuits publishes circuit-created and waits for the target worker's
// acknowledgement covering every circuit in the batch. The subscription is
// registered before publishing so the ack cannot slip through the gap.
func (m *EventManager) AddCircuits(ctx context.Context, authority string, circuits []types.Circuit) error {
	if len(circuits) == 0 {
		return nil
	}

	ch, cancel := m.bus.Subscribe("ack-wait-" + uuid.NewString())
	defer cancel()

	event := events.NewEvent(events.TypeCircuitCreated, authority)
	event.Circuits = circuits
	if err := m.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("circuit: publish circuit-created: %w", err)
	}

	pending := make(map[uuid.UUID]bool, len(circuits))
	for _, c := range circuits {
		pending[c.ID] = true
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m.logger.Error("circuit activation not acknowledged",
				"authority", authority,
				"circuits", len(circuits),
				"timeout", m.ackTimeout,
			)
			return fmt.Errorf("%w: %s after %s", ErrServiceUnavailable, authority, m.ackTimeout)
		case ack, ok := <-ch:
			if !ok {
				return events.ErrBusClosed
			}
			if ack.Type != events.TypeWorkerCircuitAdded || ack.TargetAuthority != authority {
				continue
			}
			for _, c := range ack.Circuits {
				delete(pending, c.ID)
			}
			if len(pending) == 0 {
				m.logger.Info("circuits acknowledged",
					"authority", authority,
					"circuits", len(circuits),
				)
				return nil
			}
		}
	}
}

// UpdateCircuitRoutes broadcasts the circuit's healthy route set
func (m *EventManager) UpdateCircuitRoutes(ctx context.Context, circuit *types.Circuit, oldRoutes []types.RouteInfo) error {
	event := events.NewEvent(events.TypeCircuitRouteUpdated, circuit.WorkerAuthority)
	event.Circuit = circuit
	event.Routes = circuit.HealthyRoutes()
	if err := m.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("circuit: publish circuit-route-updated: %w", err)
	}
	m.logger.Debug("route update published",
		"circuit_id", circuit.ID,
		"authority", circuit.WorkerAuthority,
		"healthy_routes", len(event.Routes),
		"previous_routes", len(oldRoutes),
	)
	return nil
}

// RemoveCircuits publishes one circuit-removed event per destination authority
func (m *EventManager) RemoveCircuits(ctx context.Context, circuits []types.Circuit) error {
	byAuthority := make(map[string][]types.Circuit)
	for _, c := range circuits {
		byAuthority[c.WorkerAuthority] = append(byAuthority[c.WorkerAuthority], c)
	}

	for authority, batch := range byAuthority {
		event := events.NewEvent(events.TypeCircuitRemoved, authority)
		event.Circuits = batch
		if err := m.bus.Publish(ctx, event); err != nil {
			return fmt.Errorf("circuit: publish circuit-removed to %s: %w", authority, err)
		}
		m.logger.Info("circuit removal published",
			"authority", authority,
			"circuits", len(batch),
		)
	}
	return nil
}
