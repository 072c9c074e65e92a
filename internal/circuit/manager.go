// Package circuit propagates circuit state from the coordinator to the worker
// fleet. Two exclusive modes exist: an event-bus mode where workers activate
// circuits themselves and acknowledge, and a Traefik mode where the
// coordinator renders circuit state into a key-value store that Traefik
// watches.
package circuit

import (
	"context"
	"errors"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

var (
	// ErrServiceUnavailable is returned when the target worker does not
	// acknowledge circuit activation within the ack timeout. The caller is
	// expected to roll the allocation back.
	ErrServiceUnavailable = errors.New("circuit: worker did not acknowledge activation")
)

// Manager pushes circuit state to the data plane.
type Manager interface {
	// AddCircuits activates the circuits on the worker identified by
	// authority. Returns only once the data plane is guaranteed to serve
	// them, or ErrServiceUnavailable.
	AddCircuits(ctx context.Context, authority string, circuits []types.Circuit) error

	// UpdateCircuitRoutes replaces one circuit's active route set with its
	// currently healthy routes. oldRoutes is the route set being replaced.
	// Fire-and-forget: route updates carry no acknowledgement.
	UpdateCircuitRoutes(ctx context.Context, circuit *types.Circuit, oldRoutes []types.RouteInfo) error

	// RemoveCircuits tears the circuits down, batching per worker authority.
	RemoveCircuits(ctx context.Context, circuits []types.Circuit) error
}
