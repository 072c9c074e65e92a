package frontend

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/circuitproxy/circuitproxy/internal/backend"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

// TCPPort serves port-mode raw TCP circuits: one listener and accept loop
// per registered circuit. Only the CIDR allowlist and ban list gate
// connections; the byte stream carries no credential.
type TCPPort struct {
	bindHost string
	guard    *Guard
	relay    *proxy.Relay
	recorder *usagelog.Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	ports map[int]*tcpPortEntry
}

type tcpPortEntry struct {
	backend  *backend.Backend
	listener net.Listener
}

// NewTCPPort creates the variant.
func NewTCPPort(bindHost string, guard *Guard, relay *proxy.Relay, recorder *usagelog.Recorder, logger *slog.Logger) *TCPPort {
	if guard == nil {
		panic("frontend: guard is required")
	}
	if relay == nil {
		panic("frontend: relay is required")
	}
	if logger == nil {
		panic("frontend: logger is required")
	}
	return &TCPPort{
		bindHost: bindHost,
		guard:    guard,
		relay:    relay,
		recorder: recorder,
		logger:   logger,
		ports:    map[int]*tcpPortEntry{},
	}
}

// RegisterCircuit binds the circuit's port and starts accepting.
func (f *TCPPort) RegisterCircuit(circuit types.Circuit, routes []types.RouteInfo) error {
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
	f.ports[circuit.Port] = &tcpPortEntry{backend: b, listener: ln}
	go f.acceptLoop(ln, b)

	f.logger.Info("circuit registered",
		"circuit_id", circuit.ID,
		"port", circuit.Port,
		"routes", len(routes))
	return nil
}

func (f *TCPPort) acceptLoop(ln net.Listener, b *backend.Backend) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.logger.Error("accept failed", "error", err)
			}
			return
		}
		go f.handleConn(conn, b)
	}
}

func (f *TCPPort) handleConn(conn net.Conn, b *backend.Backend) {
	circuit := b.Circuit()
	if err := f.guard.AdmitTCP(conn.RemoteAddr().String(), &circuit); err != nil {
		f.logger.Info("tcp connection rejected",
			"client_addr", conn.RemoteAddr().String(),
			"circuit_id", circuit.ID,
			"error", err)
		conn.Close()
		return
	}
	b.ServeTCP(conn)
}

// UpdateCircuitRouteInfo hot-swaps the circuit's route table. Established
// connections keep their chosen route.
func (f *TCPPort) UpdateCircuitRouteInfo(circuit types.Circuit, routes []types.RouteInfo) error {
	f.mu.RLock()
	entry, ok := f.ports[circuit.Port]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: port %d", ErrCircuitNotRegistered, circuit.Port)
	}
	entry.backend.UpdateRoutes(circuit, routes)
	return nil
}

// BreakCircuit stops the accept loop and closes the backend, which tears
// down live relays.
func (f *TCPPort) BreakCircuit(circuit types.Circuit) error {
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
	if err := entry.listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener for port %d: %w", circuit.Port, err)
	}
	f.logger.Info("circuit removed", "circuit_id", circuit.ID, "port", circuit.Port)
	return nil
}

// Close tears down every registered circuit.
func (f *TCPPort) Close() error {
	f.mu.Lock()
	entries := f.ports
	f.ports = map[int]*tcpPortEntry{}
	f.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		entry.backend.Close()
		if err := entry.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Frontend = (*TCPPort)(nil)
