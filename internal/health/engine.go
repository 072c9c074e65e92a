// Package health probes inference routes and drives their status lifecycle.
// Probe results feed back into the registry and, on transitions, into the
// propagation layer so unhealthy routes stop receiving traffic.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/circuitproxy/circuitproxy/internal/circuit"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

const (
	// probeWorstCase is the conservative per-endpoint estimate in seconds
	// used when sizing sweep concurrency: connect timeout plus the default
	// max wait time.
	probeWorstCase = 15.0

	// sweepBudgetFraction caps one sweep at this share of the tick interval
	// so a slow sweep can never overlap the next one.
	sweepBudgetFraction = 0.75

	minSweepConcurrency = 10
	maxSweepConcurrency = 50

	// gateSize bounds the per-endpoint last-probe cache. Evicted endpoints
	// are simply probed again on the next sweep.
	gateSize = 10000
)

// Store is the registry surface the engine depends on.
type Store interface {
	ListHealthCheckedCircuits(ctx context.Context) ([]types.Circuit, error)
	UpdateRouteHealth(ctx context.Context, circuitID uuid.UUID, updates []registry.RouteHealthUpdate) (*types.Circuit, []uuid.UUID, error)
	TouchEndpointSweep(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Engine runs the periodic health sweep over all health-checked inference
// circuits. Each endpoint keeps its own probe interval; the engine's tick
// only sets the sweep cadence.
type Engine struct {
	store   Store
	manager circuit.Manager
	bus     events.Bus
	client  *http.Client
	clk     clock.Clock
	logger  *slog.Logger

	tick time.Duration

	// gate holds the last probe time per endpoint so endpoints with long
	// intervals are not probed every tick
	gate *lru.Cache[uuid.UUID, time.Time]
}

// NewEngine creates a health check engine. The bus may be nil (Traefik
// propagation carries no event bus); transitions then reach workers only
// through the circuit manager.
func NewEngine(store Store, manager circuit.Manager, bus events.Bus, client *http.Client, clk clock.Clock, tick time.Duration, logger *slog.Logger) *Engine {
	if store == nil {
		panic("health: store is required")
	}
	if manager == nil {
		panic("health: circuit manager is required")
	}
	if client == nil {
		panic("health: http client is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}
	if logger == nil {
		panic("health: logger is required")
	}

	gate, err := lru.New[uuid.UUID, time.Time](gateSize)
	if err != nil {
		panic(fmt.Sprintf("health: probe gate: %v", err))
	}

	return &Engine{
		store:   store,
		manager: manager,
		bus:     bus,
		client:  client,
		clk:     clk,
		logger:  logger,
		tick:    tick,
		gate:    gate,
	}
}

// Run sweeps on every tick until the context is cancelled
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(e.tick)
	defer ticker.Stop()

	e.logger.Info("health check engine started", "tick_interval", e.tick)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("health check engine stopped")
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep probes every due endpoint once. Concurrency is sized so the sweep
// finishes within its time budget even when every probe hits its timeout,
// and the whole sweep is additionally bounded by a hard deadline.
func (e *Engine) Sweep(ctx context.Context) {
	circuits, err := e.store.ListHealthCheckedCircuits(ctx)
	if err != nil {
		e.logger.Error("health sweep: list circuits failed", "error", err)
		return
	}
	if len(circuits) == 0 {
		e.logger.Debug("health sweep: no health-checked circuits")
		return
	}

	budget := time.Duration(sweepBudgetFraction * float64(e.tick))
	concurrency := sweepConcurrency(len(circuits), budget)

	sweepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := e.clk.Now()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range circuits {
		c := circuits[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-sweepCtx.Done():
				return
			}
			// One endpoint failing must never abort the sweep.
			if err := e.checkCircuit(sweepCtx, &c); err != nil {
				e.logger.Error("health check failed",
					"circuit_id", c.ID,
					"endpoint_id", c.EndpointID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()

	if sweepCtx.Err() != nil && ctx.Err() == nil {
		e.logger.Error("health sweep exceeded time budget", "budget", budget)
	}
	e.logger.Info("health sweep completed",
		"circuits", len(circuits),
		"concurrency", concurrency,
		"duration", e.clk.Since(start),
	)
}

// checkCircuit probes every tracked route of one circuit, persists the
// results and, when any status value changed, propagates the new healthy
// route set to the data plane.
func (e *Engine) checkCircuit(ctx context.Context, c *types.Circuit) error {
	if c.EndpointID == nil || c.Endpoint == nil || c.Endpoint.HealthCheck == nil {
		return nil
	}
	cfg := *c.Endpoint.HealthCheck
	cfg.ApplyDefaults()
	if err := validateProbeConfig(cfg); err != nil {
		return fmt.Errorf("health: endpoint %s: %w", *c.EndpointID, err)
	}

	endpointID := *c.EndpointID
	now := e.clk.Now().UTC()
	if last, ok := e.gate.Get(endpointID); ok && now.Sub(last) < cfg.Interval {
		e.logger.Debug("probe interval not elapsed",
			"endpoint_id", endpointID,
			"interval", cfg.Interval,
		)
		return nil
	}
	e.gate.Add(endpointID, now)
	if err := e.store.TouchEndpointSweep(ctx, endpointID, now); err != nil {
		e.logger.Warn("failed to record sweep time", "endpoint_id", endpointID, "error", err)
	}

	updates := make([]registry.RouteHealthUpdate, 0, len(c.Routes))
	for _, route := range c.Routes {
		if route.RouteID == nil {
			continue
		}
		if e.probeRoute(ctx, route, cfg) {
			status := types.HealthStatusHealthy
			updates = append(updates, registry.RouteHealthUpdate{
				RouteID:             *route.RouteID,
				Status:              &status,
				LastCheck:           now,
				ConsecutiveFailures: 0,
			})
			continue
		}

		failures := route.ConsecutiveFailures + 1
		// Below the retry threshold the prior status stands; a transient
		// blip must not flap the route.
		status := route.HealthStatus
		if failures > cfg.MaxRetries {
			unhealthy := types.HealthStatusUnhealthy
			status = &unhealthy
			e.logger.Warn("route marked unhealthy",
				"route_id", *route.RouteID,
				"endpoint_id", endpointID,
				"consecutive_failures", failures,
				"max_retries", cfg.MaxRetries,
			)
		} else {
			e.logger.Debug("route probe failed below threshold",
				"route_id", *route.RouteID,
				"failures", failures,
				"max_retries", cfg.MaxRetries,
			)
		}
		updates = append(updates, registry.RouteHealthUpdate{
			RouteID:             *route.RouteID,
			Status:              status,
			LastCheck:           now,
			ConsecutiveFailures: failures,
		})
	}
	if len(updates) == 0 {
		return nil
	}

	oldRoutes := append([]types.RouteInfo{}, c.Routes...)
	updated, changed, err := e.store.UpdateRouteHealth(ctx, c.ID, updates)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	e.publishTransitions(ctx, updated, changed)

	if err := e.manager.UpdateCircuitRoutes(ctx, updated, oldRoutes); err != nil {
		// Health state is already persisted; the next transition or a
		// restart re-propagates it.
		e.logger.Error("failed to propagate route update",
			"circuit_id", updated.ID,
			"error", err,
		)
	}
	return nil
}

// publishTransitions emits exactly one event per route whose status value
// changed in this sweep. Without a bus the transition still reaches workers
// through the manager's route update.
func (e *Engine) publishTransitions(ctx context.Context, c *types.Circuit, changed []uuid.UUID) {
	if e.bus == nil {
		return
	}
	for _, routeID := range changed {
		var status *types.HealthStatus
		for i := range c.Routes {
			if c.Routes[i].RouteID != nil && *c.Routes[i].RouteID == routeID {
				status = c.Routes[i].HealthStatus
				break
			}
		}

		id := routeID
		event := events.NewEvent(events.TypeRouteHealthChanged, c.WorkerAuthority)
		event.RouteID = &id
		event.HealthStatus = status
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Error("failed to publish health transition",
				"route_id", routeID,
				"error", err,
			)
			continue
		}

		newStatus := "unknown"
		if status != nil {
			newStatus = string(*status)
		}
		e.logger.Info("route health transition",
			"circuit_id", c.ID,
			"route_id", routeID,
			"new_status", newStatus,
		)
	}
}

// probeRoute issues one GET against the route's backend. Healthy means the
// expected status code arrived within the configured wait time; every other
// outcome, timeouts and transport errors included, is a failure.
func (e *Engine) probeRoute(ctx context.Context, route types.RouteInfo, cfg types.HealthCheckConfig) bool {
	url := fmt.Sprintf("http://%s:%d/%s", route.KernelHost, route.KernelPort, strings.TrimPrefix(cfg.Path, "/"))

	probeCtx, cancel := context.WithTimeout(ctx, cfg.MaxWaitTime)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		e.logger.Warn("invalid probe url", "url", url, "error", err)
		return false
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("route probe failed",
			"route_id", route.RouteID,
			"url", url,
			"error", err,
		)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != cfg.ExpectedStatusCode {
		e.logger.Warn("route probe returned unexpected status",
			"route_id", route.RouteID,
			"url", url,
			"expected", cfg.ExpectedStatusCode,
			"got", resp.StatusCode,
		)
		return false
	}
	return true
}

func validateProbeConfig(cfg types.HealthCheckConfig) error {
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("probe path must start with '/', got %q", cfg.Path)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %v", cfg.Interval)
	}
	if cfg.MaxWaitTime <= 0 {
		return fmt.Errorf("probe max wait time must be positive, got %v", cfg.MaxWaitTime)
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("probe max retries must be at least 1, got %d", cfg.MaxRetries)
	}
	if cfg.ExpectedStatusCode < 100 || cfg.ExpectedStatusCode > 599 {
		return fmt.Errorf("probe expected status code out of range: %d", cfg.ExpectedStatusCode)
	}
	return nil
}

// sweepConcurrency sizes the probe semaphore so that, assuming worst-case
// probe latency, the sweep still finishes inside its budget
func sweepConcurrency(endpoints int, budget time.Duration) int {
	required := int(math.Ceil(float64(endpoints) * probeWorstCase / budget.Seconds()))
	if required < minSweepConcurrency {
		return minSweepConcurrency
	}
	if required > maxSweepConcurrency {
		return maxSweepConcurrency
	}
	return required
}
