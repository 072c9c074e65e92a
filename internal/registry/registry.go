// Package registry is the coordinator's database of record: workers,
// circuits, endpoints, static addresses, and usage statistics.
package registry

import (
	"errors"
	"log/slog"
)

var (
	// ErrWorkerNotAvailable is returned when no alive worker matches a
	// circuit request, or a drained route must reject traffic
	ErrWorkerNotAvailable = errors.New("registry: no worker available")

	// ErrPortNotAvailable is returned when a worker's port pool is exhausted
	// or the requested port is taken
	ErrPortNotAvailable = errors.New("registry: port not available")

	// ErrCircuitNotFound is returned when a circuit id does not exist
	ErrCircuitNotFound = errors.New("registry: circuit not found")

	// ErrWorkerNotFound is returned when a worker authority is unknown
	ErrWorkerNotFound = errors.New("registry: worker not found")

	// ErrEndpointNotFound is returned when an endpoint id does not exist
	ErrEndpointNotFound = errors.New("registry: endpoint not found")

	// ErrStaticAddressInUse is returned when binding an already-allocated
	// static address
	ErrStaticAddressInUse = errors.New("registry: static address already allocated")

	// ErrStaticAddressNotFound is returned when a static address id does not exist
	ErrStaticAddressNotFound = errors.New("registry: static address not found")

	// ErrTxRetriesExhausted wraps a serialization conflict that persisted
	// through every retry attempt
	ErrTxRetriesExhausted = errors.New("registry: transaction retries exhausted")
)

// defaultTxRetries bounds rollback-and-replay of serialization conflicts
const defaultTxRetries = 5

// Registry exposes the control-plane data model over a Pool
type Registry struct {
	pool      *Pool
	logger    *slog.Logger
	txRetries int
}

// New creates a Registry on top of an established pool
func New(pool *Pool, logger *slog.Logger) *Registry {
	if pool == nil {
		panic("registry.New: pool must not be nil")
	}
	if logger == nil {
		panic("registry.New: logger must not be nil")
	}
	return &Registry{
		pool:      pool,
		logger:    logger,
		txRetries: defaultTxRetries,
	}
}

// IsHealthy reports whether the underlying database connection is usable
func (r *Registry) IsHealthy() bool {
	return r.pool.IsHealthy()
}
