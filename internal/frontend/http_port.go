package frontend

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/circuitproxy/circuitproxy/internal/backend"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

// HTTPPort serves port-mode HTTP circuits: one listener and one http.Server
// per registered circuit, bound to the circuit's allocated port.
type HTTPPort struct {
	bindHost string
	guard    *Guard
	relay    *proxy.Relay
	recorder *usagelog.Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	ports map[int]*httpPortEntry
}

type httpPortEntry struct {
	backend *backend.Backend
	server  *http.Server
}

// NewHTTPPort creates the variant. Listeners come and go with circuit
// registrations; nothing is bound up front.
func NewHTTPPort(bindHost string, guard *Guard, relay *proxy.Relay, recorder *usagelog.Recorder, logger *slog.Logger) *HTTPPort {
	if guard == nil {
		panic("frontend: guard is required")
	}
	if relay == nil {
		panic("frontend: relay is required")
	}
	if logger == nil {
		panic("frontend: logger is required")
	}
	return &HTTPPort{
		bindHost: bindHost,
		guard:    guard,
		relay:    relay,
		recorder: recorder,
		logger:   logger,
		ports:    map[int]*httpPortEntry{},
	}
}

// RegisterCircuit binds the circuit's port and starts serving it.
// Re-registering the same circuit refreshes its route table.
func (f *HTTPPort) RegisterCircuit(circuit types.Circuit, routes []types.RouteInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.ports[circuit.Port]; ok {
		if existing.backend.Circuit().ID != circuit.ID {
			return fmt.Errorf("%w: port %d", ErrAddressInUse, circuit.Port)
		}
		existing.backend.UpdateRoutes(circuit, routes)
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(f.bindHost, fmt.Sprintf("%d", circuit.Port)))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", circuit.Port, err)
	}

	b := backend.New(circuit, routes, f.relay, f.recorder, f.logger)
	srv := &http.Server{Handler: guarded(f.guard, b)}
	f.ports[circuit.Port] = &httpPortEntry{backend: b, server: srv}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Error("circuit listener stopped",
				"circuit_id", circuit.ID,
				"port", circuit.Port,
				"error", err)
		}
	}()

	f.logger.Info("circuit registered",
		"circuit_id", circuit.ID,
		"port", circuit.Port,
		"routes", len(routes))
	return nil
}

// UpdateCircuitRouteInfo hot-swaps the circuit's route table.
func (f *HTTPPort) UpdateCircuitRouteInfo(circuit types.Circuit, routes []types.RouteInfo) error {
	f.mu.RLock()
	entry, ok := f.ports[circuit.Port]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: port %d", ErrCircuitNotRegistered, circuit.Port)
	}
	entry.backend.UpdateRoutes(circuit, routes)
	return nil
}

// BreakCircuit closes the circuit's listener and backend. Closing the
// server drops active connections, which unwinds live relays.
func (f *HTTPPort) BreakCircuit(circuit types.Circuit) error {
	f.mu.Lock()
	entry, ok := f.ports[circuit.Port]
	if ok {
		delete(f.ports, circuit.Port)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: port %d", ErrCircuitNotRegistered, circuit.Port)
	}

	entry.backend.Close()
	if err := entry.server.Close(); err != nil {
		return fmt.Errorf("failed to close listener for port %d: %w", circuit.Port, err)
	}
	f.logger.Info("circuit removed", "circuit_id", circuit.ID, "port", circuit.Port)
	return nil
}

// Close tears down every registered circuit.
func (f *HTTPPort) Close() error {
	f.mu.Lock()
	entries := f.ports
	f.ports = map[int]*httpPortEntry{}
	f.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		entry.backend.Close()
		if err := entry.server.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
