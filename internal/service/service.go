// Package service is the coordinator's orchestration layer. It wires the
// registry (persistent truth) to the propagation manager (worker fleet) and
// runs the background liveness and idle-collection loops.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/circuit"
	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// Store is the registry surface the service depends on.
type Store interface {
	AddCircuit(ctx context.Context, params registry.AddCircuitParams) (*types.Circuit, error)
	GetCircuit(ctx context.Context, id uuid.UUID) (*types.Circuit, error)
	RemoveCircuits(ctx context.Context, ids []uuid.UUID) ([]types.Circuit, error)
	UpdateEndpointRoutes(ctx context.Context, endpointID uuid.UUID, incoming []types.RouteInfo) (*types.Circuit, []types.RouteInfo, error)
	ListIdleInteractiveCircuits(ctx context.Context, cutoff time.Time) ([]types.Circuit, error)
	MarkLostWorkers(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Options carries the tunables the background loops run on. Metrics may be
// nil.
type Options struct {
	HealthCheckEnabled bool
	Liveness           config.LivenessConfig
	GC                 config.GCConfig
	Metrics            *monitoring.Metrics
}

// Service orchestrates circuit lifecycle across registry and worker fleet.
type Service struct {
	store   Store
	manager circuit.Manager
	bus     events.Bus
	opts    Options
	logger  *slog.Logger
}

// New creates a Service. The bus is optional; without one, health
// transition events for unchecked routes are skipped.
func New(store Store, manager circuit.Manager, bus events.Bus, opts Options, logger *slog.Logger) *Service {
	if store == nil {
		panic("service: store is required")
	}
	if manager == nil {
		panic("service: manager is required")
	}
	if logger == nil {
		panic("service: logger is required")
	}
	return &Service{
		store:   store,
		manager: manager,
		bus:     bus,
		opts:    opts,
		logger:  logger,
	}
}

// CreateCircuit allocates a circuit in the registry and propagates it to
// its worker. If the worker never acknowledges activation, the allocation
// is rolled back so no circuit stays half-provisioned.
func (s *Service) CreateCircuit(ctx context.Context, params registry.AddCircuitParams) (*types.Circuit, error) {
	created, err := s.store.AddCircuit(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := s.manager.AddCircuits(ctx, created.WorkerAuthority, []types.Circuit{*created}); err != nil {
		s.logger.Error("circuit propagation failed, rolling back allocation",
			"circuit_id", created.ID,
			"authority", created.WorkerAuthority,
			"error", err)
		if _, rmErr := s.store.RemoveCircuits(ctx, []uuid.UUID{created.ID}); rmErr != nil {
			s.logger.Error("failed to roll back unpropagated circuit",
				"circuit_id", created.ID,
				"error", rmErr)
		}
		return nil, fmt.Errorf("failed to propagate circuit %s: %w", created.ID, err)
	}

	s.opts.Metrics.RecordCircuitCreated()
	s.logger.Info("circuit created",
		"circuit_id", created.ID,
		"app", created.App,
		"authority", created.WorkerAuthority,
		"address", created.Address())
	return created, nil
}

// RemoveCircuit removes one circuit.
func (s *Service) RemoveCircuit(ctx context.Context, id uuid.UUID) (*types.Circuit, error) {
	removed, err := s.RemoveCircuits(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: %s", registry.ErrCircuitNotFound, id)
	}
	return &removed[0], nil
}

// RemoveCircuits deletes circuits from the registry and tells their workers
// to tear them down. Teardown propagation is fire-and-forget: the registry
// is the source of truth and workers reconcile against it on recovery.
func (s *Service) RemoveCircuits(ctx context.Context, ids []uuid.UUID) ([]types.Circuit, error) {
	removed, err := s.store.RemoveCircuits(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return removed, nil
	}

	if err := s.manager.RemoveCircuits(ctx, removed); err != nil {
		s.logger.Error("failed to propagate circuit removal",
			"circuits", len(removed),
			"error", err)
	}

	s.opts.Metrics.RecordCircuitsRemoved(len(removed))
	s.logger.Info("circuits removed", "circuits", len(removed))
	return removed, nil
}

// UpdateEndpointRoutes merges an endpoint's desired route list into its
// circuit and pushes the result to the worker. When the routes are not
// health checked they never get probed, so new routes are announced as
// healthy immediately.
func (s *Service) UpdateEndpointRoutes(ctx context.Context, endpointID uuid.UUID, incoming []types.RouteInfo) (*types.Circuit, error) {
	updated, oldRoutes, err := s.store.UpdateEndpointRoutes(ctx, endpointID, incoming)
	if err != nil {
		return nil, err
	}

	if !s.healthChecked(updated) {
		s.announceNewRoutesHealthy(ctx, updated, oldRoutes)
	}

	if err := s.manager.UpdateCircuitRoutes(ctx, updated, oldRoutes); err != nil {
		return nil, fmt.Errorf("failed to propagate route update for endpoint %s: %w", endpointID, err)
	}
	return updated, nil
}

func (s *Service) healthChecked(c *types.Circuit) bool {
	if !s.opts.HealthCheckEnabled {
		return false
	}
	return c.Endpoint != nil && c.Endpoint.HealthCheckEnabled
}

// announceNewRoutesHealthy publishes one HEALTHY transition per route that
// did not exist before the merge.
func (s *Service) announceNewRoutesHealthy(ctx context.Context, c *types.Circuit, oldRoutes []types.RouteInfo) {
	if s.bus == nil {
		return
	}

	known := make(map[uuid.UUID]bool, len(oldRoutes))
	for _, r := range oldRoutes {
		known[r.SessionID] = true
	}

	healthy := types.HealthStatusHealthy
	for i := range c.Routes {
		route := c.Routes[i]
		if known[route.SessionID] || route.RouteID == nil {
			continue
		}

		event := events.NewEvent(events.TypeRouteHealthChanged, c.WorkerAuthority)
		event.RouteID = route.RouteID
		event.HealthStatus = &healthy
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish healthy transition",
				"route_id", *route.RouteID,
				"error", err)
			continue
		}
		s.logger.Info("route announced healthy",
			"circuit_id", c.ID,
			"route_id", *route.RouteID)
	}
}

// Run serves the background loops until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if s.opts.Liveness.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.livenessLoop(ctx)
		}()
	}
	if s.opts.GC.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.gcLoop(ctx)
		}()
	}

	wg.Wait()
}

// livenessLoop flips workers with stale heartbeats to LOST. Status only;
// their circuits stay allocated until someone removes them.
func (s *Service) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Liveness.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lost, err := s.store.MarkLostWorkers(ctx, s.opts.Liveness.LostAfter)
			if err != nil {
				s.logger.Error("failed to mark lost workers", "error", err)
				continue
			}
			if len(lost) > 0 {
				s.opts.Metrics.RecordWorkersLost(len(lost))
			}
			for _, authority := range lost {
				s.logger.Warn("worker lost", "authority", authority)
			}
		}
	}
}

// gcLoop removes interactive circuits whose last use is past the idle
// timeout, freeing their addresses and worker slots.
func (s *Service) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.GC.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectIdle(ctx)
		}
	}
}

func (s *Service) collectIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.opts.GC.CircuitIdleTimeout)
	idle, err := s.store.ListIdleInteractiveCircuits(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list idle circuits", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(idle))
	for _, c := range idle {
		ids = append(ids, c.ID)
		s.logger.Info("collecting idle circuit",
			"circuit_id", c.ID,
			"app", c.App,
			"address", c.Address())
	}
	if _, err := s.RemoveCircuits(ctx, ids); err != nil {
		s.logger.Error("failed to remove idle circuits", "error", err)
	}
}
