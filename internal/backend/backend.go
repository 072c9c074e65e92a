// Package backend holds the per-circuit data-plane state on a worker: the
// live route table, weighted route selection, and dispatch into the relay.
// One Backend exists per registered circuit; the frontend looks it up by
// address and hands connections over after the authorization gate.
package backend

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/circuitproxy/circuitproxy/internal/balancer"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

// Backend serves one circuit. Route selection is an independent weighted
// draw per request or connection; an established WS/TCP relay keeps the
// route it drew for its whole lifetime.
type Backend struct {
	mu      sync.RWMutex
	circuit types.Circuit

	bal      *balancer.Weighted
	relay    *proxy.Relay
	recorder *usagelog.Recorder
	logger   *slog.Logger

	// ctx is cancelled on Close, tearing down live TCP relays.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Backend for the circuit with its initial route table.
func New(circuit types.Circuit, routes []types.RouteInfo, relay *proxy.Relay, recorder *usagelog.Recorder, logger *slog.Logger) *Backend {
	if relay == nil {
		panic("backend: relay is required")
	}
	if logger == nil {
		panic("backend: logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		circuit:  circuit,
		bal:      balancer.New(routes),
		relay:    relay,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Circuit returns a snapshot of the circuit this backend serves.
func (b *Backend) Circuit() types.Circuit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.circuit
}

// UpdateRoutes hot-swaps the circuit and its route table. In-flight
// connections keep their previously drawn route.
func (b *Backend) UpdateRoutes(circuit types.Circuit, routes []types.RouteInfo) {
	b.mu.Lock()
	b.circuit = circuit
	b.mu.Unlock()
	b.bal.SetRoutes(routes)
}

// Close tears down the backend. Cancelling the context unwinds live TCP
// relays; HTTP and WebSocket relays end with their server connections.
func (b *Backend) Close() {
	b.cancel()
}

// ServeHTTP relays one HTTP exchange (or a WebSocket session when the
// request asks for an upgrade) over a freshly drawn route.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := b.bal.Pick()
	if err != nil {
		b.logger.Warn("No route available",
			"circuit_id", b.Circuit().ID,
			"error", err,
		)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	b.markUsed()

	if proxy.IsWebSocketRequest(r) {
		if err := b.relay.ServeWebSocket(w, r, route); err != nil {
			b.logger.Warn("WebSocket relay ended with error",
				"circuit_id", b.Circuit().ID,
				"route", route.KernelHost,
				"error", err,
			)
		}
		return
	}

	if err := b.relay.ServeHTTP(w, r, route); err != nil {
		b.logger.Warn("HTTP relay failed",
			"circuit_id", b.Circuit().ID,
			"route", route.KernelHost,
			"error", err,
		)
	}
}

// ServeTCP relays one raw TCP connection over a freshly drawn route. The
// connection is closed before returning, on any path.
func (b *Backend) ServeTCP(conn net.Conn) {
	route, err := b.bal.Pick()
	if err != nil {
		b.logger.Warn("No route available",
			"circuit_id", b.Circuit().ID,
			"error", err,
		)
		conn.Close()
		return
	}

	b.markUsed()

	if err := b.relay.ServeTCP(b.ctx, conn, route); err != nil {
		b.logger.Warn("TCP relay failed",
			"circuit_id", b.Circuit().ID,
			"route", route.KernelHost,
			"error", err,
		)
	}
}

// markUsed enqueues the last-access mark and request-count increment.
func (b *Backend) markUsed() {
	if b.recorder == nil {
		return
	}
	b.recorder.Mark(b.Circuit().ID, time.Now().UTC())
}
