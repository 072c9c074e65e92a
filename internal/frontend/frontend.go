// Package frontend accepts downstream traffic on a worker and hands it to
// the per-circuit backend after the authorization gate. Each worker runs
// exactly one frontend variant, selected by its configuration: per-circuit
// HTTP listeners (port mode), a single wildcard-domain HTTP listener, raw
// TCP listeners, or a tracking-only variant for Traefik-delegated workers.
//
// Circuit registration is driven by the node's event loop; that loop is the
// only writer of the address maps. The accept path takes read locks only.
package frontend

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/circuitproxy/circuitproxy/internal/backend"
	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

var (
	// ErrCircuitNotRegistered is returned when an update or teardown names an
	// address this frontend is not serving
	ErrCircuitNotRegistered = errors.New("frontend: circuit not registered")

	// ErrAddressInUse is returned when a registration targets an address
	// already held by a different circuit
	ErrAddressInUse = errors.New("frontend: address already in use")
)

// Frontend is the contract every variant implements. RegisterCircuit
// activates a backend for the circuit's address, UpdateCircuitRouteInfo
// hot-swaps its route table without touching in-flight connections, and
// BreakCircuit tears the address down, unwinding live relays.
type Frontend interface {
	RegisterCircuit(circuit types.Circuit, routes []types.RouteInfo) error
	UpdateCircuitRouteInfo(circuit types.Circuit, routes []types.RouteInfo) error
	BreakCircuit(circuit types.Circuit) error
	Close() error
}

// ForWorker builds the frontend variant the worker configuration calls for.
func ForWorker(cfg *config.WorkerConfig, guard *Guard, relay *proxy.Relay, recorder *usagelog.Recorder, logger *slog.Logger) (Frontend, error) {
	if cfg.TraefikDelegated {
		return NewTraefik(recorder, logger), nil
	}

	switch types.FrontendMode(cfg.FrontendMode) {
	case types.FrontendModeWildcard:
		return NewHTTPWildcard(cfg.BindHost, cfg.WildcardTrafficPort, cfg.WildcardDomain, guard, relay, recorder, logger)
	case types.FrontendModePort:
		return &portFrontend{
			http: NewHTTPPort(cfg.BindHost, guard, relay, recorder, logger),
			tcp:  NewTCPPort(cfg.BindHost, guard, relay, recorder, logger),
		}, nil
	}
	return nil, fmt.Errorf("frontend: unknown frontend mode %q", cfg.FrontendMode)
}

// portFrontend serves a port-mode worker that accepts both HTTP and raw TCP
// circuits, dispatching each registration to the matching listener family.
type portFrontend struct {
	http *HTTPPort
	tcp  *TCPPort
}

func (p *portFrontend) variantFor(circuit *types.Circuit) Frontend {
	switch circuit.Protocol {
	case types.ProtocolTCP, types.ProtocolPreopen:
		return p.tcp
	default:
		return p.http
	}
}

func (p *portFrontend) RegisterCircuit(circuit types.Circuit, routes []types.RouteInfo) error {
	return p.variantFor(&circuit).RegisterCircuit(circuit, routes)
}

func (p *portFrontend) UpdateCircuitRouteInfo(circuit types.Circuit, routes []types.RouteInfo) error {
	return p.variantFor(&circuit).UpdateCircuitRouteInfo(circuit, routes)
}

func (p *portFrontend) BreakCircuit(circuit types.Circuit) error {
	return p.variantFor(&circuit).BreakCircuit(circuit)
}

func (p *portFrontend) Close() error {
	httpErr := p.http.Close()
	tcpErr := p.tcp.Close()
	if httpErr != nil {
		return httpErr
	}
	return tcpErr
}

// guarded wraps a backend with the authorization gate for the HTTP variants.
func guarded(g *Guard, b *backend.Backend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		circuit := b.Circuit()
		if !g.Admit(w, r, &circuit) {
			return
		}
		b.ServeHTTP(w, r)
	})
}

// clientHost strips the port from a peer address, tolerating bare hosts.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
