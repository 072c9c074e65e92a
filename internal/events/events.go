// Package events carries circuit propagation events between the coordinator
// and the worker fleet.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

var (
	// ErrBusClosed is returned when publishing on a closed bus
	ErrBusClosed = errors.New("events: bus closed")
)

// Type identifies the kind of a propagation event
type Type string

const (
	// TypeCircuitCreated asks a worker to activate a batch of circuits
	TypeCircuitCreated Type = "circuit-created"
	// TypeCircuitRouteUpdated hot-swaps one circuit's healthy route table
	TypeCircuitRouteUpdated Type = "circuit-route-updated"
	// TypeCircuitRemoved asks a worker to tear down a batch of circuits
	TypeCircuitRemoved Type = "circuit-removed"
	// TypeWorkerCircuitAdded is the worker's acknowledgement of circuit-created
	TypeWorkerCircuitAdded Type = "worker-circuit-added"
	// TypeRouteHealthChanged announces one route health transition. Purely
	// informational; the data plane is updated through circuit-route-updated.
	TypeRouteHealthChanged Type = "route-health-changed"
)

// Event is the wire envelope. Payload fields are populated depending on Type:
// Circuits for created/removed/ack, Circuit+Routes for route updates,
// RouteID+HealthStatus for health transitions.
type Event struct {
	ID              uuid.UUID `json:"id"`
	Type            Type      `json:"type"`
	TargetAuthority string    `json:"target_authority,omitempty"`

	Circuits []types.Circuit   `json:"circuits,omitempty"`
	Circuit  *types.Circuit    `json:"circuit,omitempty"`
	Routes   []types.RouteInfo `json:"routes,omitempty"`

	RouteID      *uuid.UUID          `json:"route_id,omitempty"`
	HealthStatus *types.HealthStatus `json:"health_status,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewEvent builds an event envelope with a fresh id and timestamp
func NewEvent(t Type, targetAuthority string) Event {
	return Event{
		ID:              uuid.New(),
		Type:            t,
		TargetAuthority: targetAuthority,
		CreatedAt:       time.Now().UTC(),
	}
}

// Marshal serializes the event envelope to JSON
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event envelope from JSON
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Bus is a broadcast event bus. Every subscriber receives every published
// event; filtering by TargetAuthority is the subscriber's job.
type Bus interface {
	// Publish delivers the event to all current subscribers.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a named subscriber and returns its receive channel
	// plus a cancel function. Cancel must always be called; it closes the
	// channel and drops the registration.
	Subscribe(name string) (<-chan Event, func())
}
