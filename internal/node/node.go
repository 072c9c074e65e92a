// Package node runs a worker's control-plane loop: registration with the
// coordinator, lost-state recovery, heartbeats, and the bus event loop
// that drives the frontend. The event loop is the only writer of frontend
// state, keeping circuit registration single-threaded.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/events"
	"github.com/circuitproxy/circuitproxy/internal/frontend"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

const (
	registerBaseDelay = time.Second
	registerMaxDelay  = 30 * time.Second

	defaultHeartbeatInterval = 10 * time.Second
)

// Node ties a worker's frontend to the coordinator.
type Node struct {
	cfg      *config.WorkerConfig
	frontend frontend.Frontend
	bus      events.Bus
	logger   *slog.Logger

	// worker is the registry's view of this worker, set by register.
	mu     sync.RWMutex
	worker types.Worker
}

// New creates a Node. The bus may be nil for Traefik-delegated workers,
// which receive their configuration through the Traefik KV store instead.
func New(cfg *config.WorkerConfig, fe frontend.Frontend, bus events.Bus, logger *slog.Logger) *Node {
	if cfg == nil {
		panic("node: config is required")
	}
	if fe == nil {
		panic("node: frontend is required")
	}
	if logger == nil {
		panic("node: logger is required")
	}
	return &Node{
		cfg:      cfg,
		frontend: fe,
		bus:      bus,
		logger:   logger,
	}
}

// Worker returns the coordinator's view of this worker after registration.
func (n *Node) Worker() types.Worker {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.worker
}

// Run registers the worker, recovers its assigned circuits into the
// frontend and then serves heartbeats and bus events until ctx is done.
// The bus subscription is taken before registration so no event published
// during recovery slips through the gap.
func (n *Node) Run(ctx context.Context) error {
	var eventCh <-chan events.Event
	if n.bus != nil {
		ch, cancel := n.bus.Subscribe("worker-" + n.cfg.Authority)
		defer cancel()
		eventCh = ch
	} else {
		n.logger.Info("no event bus configured, skipping event loop",
			"authority", n.cfg.Authority)
	}

	if err := n.register(ctx); err != nil {
		return err
	}
	if err := n.recoverCircuits(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.heartbeatLoop(ctx)
	}()

	if eventCh != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.eventLoop(ctx, eventCh)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// announcement renders the worker's capabilities for registration.
func (n *Node) announcement() types.Worker {
	protocols := make([]types.ProxyProtocol, 0, len(n.cfg.Protocols))
	for _, p := range n.cfg.Protocols {
		protocols = append(protocols, types.ProxyProtocol(p))
	}
	modes := make([]types.AppMode, 0, len(n.cfg.AcceptedAppModes))
	for _, m := range n.cfg.AcceptedAppModes {
		modes = append(modes, types.AppMode(m))
	}

	return types.Worker{
		Authority:           n.cfg.Authority,
		FrontendMode:        types.FrontendMode(n.cfg.FrontendMode),
		Protocols:           protocols,
		AcceptedAppModes:    modes,
		Hostname:            n.cfg.AdvertisedHost,
		PortRangeStart:      n.cfg.PortRange[0],
		PortRangeEnd:        n.cfg.PortRange[1],
		WildcardDomain:      n.cfg.WildcardDomain,
		WildcardTrafficPort: n.cfg.WildcardTrafficPort,
		Nodes:               1,
	}
}

// register announces the worker to the coordinator with capped exponential
// backoff. The coordinator may simply not be up yet when a worker boots.
func (n *Node) register(ctx context.Context) error {
	maxAttempts := n.cfg.Coordinator.RegisterRetryMax
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	body := n.announcement()
	delay := registerBaseDelay

	for attempt := 1; ; attempt++ {
		var registered types.Worker
		err := httputil.CallJSON(ctx, http.MethodPost, n.cfg.Coordinator.URL,
			"/api/v1/workers/register", n.cfg.Coordinator.APISecret, body, &registered, n.logger)
		if err == nil {
			n.mu.Lock()
			n.worker = registered
			n.mu.Unlock()
			n.logger.Info("registered with coordinator",
				"worker_id", registered.ID,
				"authority", registered.Authority,
				"frontend_mode", registered.FrontendMode)
			return nil
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("failed to register after %d attempts: %w", attempt, err)
		}

		n.logger.Warn("registration failed, retrying",
			"attempt", attempt,
			"retry_in", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > registerMaxDelay {
			delay = registerMaxDelay
		}
	}
}

// recoverCircuits fetches the circuits the registry still assigns to this
// worker and re-activates them, restoring state after a restart.
func (n *Node) recoverCircuits(ctx context.Context) error {
	var circuits []types.Circuit
	path := fmt.Sprintf("/api/v1/workers/%s/circuits", url.PathEscape(n.cfg.Authority))
	if err := httputil.CallJSON(ctx, http.MethodGet, n.cfg.Coordinator.URL,
		path, n.cfg.Coordinator.APISecret, nil, &circuits, n.logger); err != nil {
		return fmt.Errorf("failed to list assigned circuits: %w", err)
	}

	recovered := 0
	for _, c := range circuits {
		if err := n.frontend.RegisterCircuit(c, c.HealthyRoutes()); err != nil {
			n.logger.Error("failed to recover circuit",
				"circuit_id", c.ID,
				"address", c.Address(),
				"error", err)
			continue
		}
		recovered++
	}
	n.logger.Info("recovered assigned circuits",
		"assigned", len(circuits),
		"recovered", recovered)
	return nil
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	interval := n.cfg.Coordinator.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	path := fmt.Sprintf("/api/v1/workers/%s/heartbeat", url.PathEscape(n.cfg.Authority))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := httputil.CallJSON(ctx, http.MethodPost, n.cfg.Coordinator.URL,
				path, n.cfg.Coordinator.APISecret, nil, nil, n.logger); err != nil {
				n.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (n *Node) eventLoop(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				n.logger.Warn("event bus closed, stopping event loop")
				return
			}
			n.handleEvent(ctx, event)
		}
	}
}

// handleEvent applies one propagation event. Events addressed to other
// authorities are dropped without logging; broadcast health transitions are
// informational only and the data plane ignores them.
func (n *Node) handleEvent(ctx context.Context, event events.Event) {
	if event.TargetAuthority != n.cfg.Authority {
		return
	}

	switch event.Type {
	case events.TypeCircuitCreated:
		n.handleCircuitsCreated(ctx, event)
	case events.TypeCircuitRouteUpdated:
		n.handleRoutesUpdated(event)
	case events.TypeCircuitRemoved:
		n.handleCircuitsRemoved(event)
	}
}

// handleCircuitsCreated activates the batch and acknowledges what actually
// came up. A partial ack leaves the coordinator's ack-wait pending so its
// compensation path kicks in.
func (n *Node) handleCircuitsCreated(ctx context.Context, event events.Event) {
	activated := make([]types.Circuit, 0, len(event.Circuits))
	for _, c := range event.Circuits {
		if err := n.frontend.RegisterCircuit(c, c.HealthyRoutes()); err != nil {
			n.logger.Error("failed to activate circuit",
				"circuit_id", c.ID,
				"address", c.Address(),
				"error", err)
			continue
		}
		n.logger.Info("circuit activated",
			"circuit_id", c.ID,
			"address", c.Address())
		activated = append(activated, c)
	}

	ack := events.NewEvent(events.TypeWorkerCircuitAdded, n.cfg.Authority)
	ack.Circuits = activated
	if err := n.bus.Publish(ctx, ack); err != nil {
		n.logger.Error("failed to publish activation ack", "error", err)
	}
}

func (n *Node) handleRoutesUpdated(event events.Event) {
	if event.Circuit == nil {
		n.logger.Warn("route update event without circuit payload", "event_id", event.ID)
		return
	}

	err := n.frontend.UpdateCircuitRouteInfo(*event.Circuit, event.Routes)
	if errors.Is(err, frontend.ErrCircuitNotRegistered) {
		// The worker may have missed the creation; treat the update as one.
		n.logger.Warn("route update for unknown circuit, registering it",
			"circuit_id", event.Circuit.ID)
		err = n.frontend.RegisterCircuit(*event.Circuit, event.Routes)
	}
	if err != nil {
		n.logger.Error("failed to apply route update",
			"circuit_id", event.Circuit.ID,
			"error", err)
		return
	}
	n.logger.Debug("route table updated",
		"circuit_id", event.Circuit.ID,
		"routes", len(event.Routes))
}

func (n *Node) handleCircuitsRemoved(event events.Event) {
	for _, c := range event.Circuits {
		if err := n.frontend.BreakCircuit(c); err != nil {
			n.logger.Warn("failed to tear down circuit",
				"circuit_id", c.ID,
				"address", c.Address(),
				"error", err)
			continue
		}
		n.logger.Info("circuit removed",
			"circuit_id", c.ID,
			"address", c.Address())
	}
}
