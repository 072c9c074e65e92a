package frontend

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/circuitproxy/circuitproxy/internal/backend"
	"github.com/circuitproxy/circuitproxy/internal/proxy"
	"github.com/circuitproxy/circuitproxy/internal/types"
	"github.com/circuitproxy/circuitproxy/internal/usagelog"
)

// HTTPWildcard serves wildcard-domain workers: a single listener on the
// traffic port, with the request Host's subdomain selecting the circuit.
type HTTPWildcard struct {
	domain string // leading dot, e.g. ".apps.example.com"
	guard  *Guard
	logger *slog.Logger

	relay    *proxy.Relay
	recorder *usagelog.Recorder
	server   *http.Server

	mu       sync.RWMutex
	backends map[string]*backend.Backend // keyed by lower-cased subdomain
}

// NewHTTPWildcard binds the traffic port and starts serving. Registrations
// only mutate the subdomain map.
func NewHTTPWildcard(bindHost string, port int, domain string, guard *Guard, relay *proxy.Relay, recorder *usagelog.Recorder, logger *slog.Logger) (*HTTPWildcard, error) {
	if guard == nil {
		panic("frontend: guard is required")
	}
	if relay == nil {
		panic("frontend: relay is required")
	}
	if logger == nil {
		panic("frontend: logger is required")
	}
	if !strings.HasPrefix(domain, ".") {
		return nil, fmt.Errorf("frontend: wildcard domain must start with a dot, got %q", domain)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind wildcard traffic port %d: %w", port, err)
	}

	f := &HTTPWildcard{
		domain:   strings.ToLower(domain),
		guard:    guard,
		logger:   logger,
		relay:    relay,
		recorder: recorder,
		backends: map[string]*backend.Backend{},
	}
	f.server = &http.Server{Handler: http.HandlerFunc(f.handle)}

	go func() {
		if err := f.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("wildcard listener stopped", "port", port, "error", err)
		}
	}()
	return f, nil
}

func (f *HTTPWildcard) handle(w http.ResponseWriter, r *http.Request) {
	b, ok := f.lookup(r.Host)
	if !ok {
		http.Error(w, "unknown address", http.StatusNotFound)
		return
	}
	circuit := b.Circuit()
	if !f.guard.Admit(w, r, &circuit) {
		return
	}
	b.ServeHTTP(w, r)
}

// lookup resolves the request Host to a backend by stripping the wildcard
// domain suffix off the lower-cased host.
func (f *HTTPWildcard) lookup(hostport string) (*backend.Backend, bool) {
	host := strings.ToLower(clientHost(hostport))
	if !strings.HasSuffix(host, f.domain) {
		return nil, false
	}
	sub := strings.TrimSuffix(host, f.domain)
	if sub == "" || strings.Contains(sub, ".") {
		return nil, false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[sub]
	return b, ok
}

// RegisterCircuit activates the circuit under its subdomain.
func (f *HTTPWildcard) RegisterCircuit(circuit types.Circuit, routes []types.RouteInfo) error {
	key := strings.ToLower(circuit.Subdomain)

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.backends[key]; ok {
		if existing.Circuit().ID != circuit.ID {
			return fmt.Errorf("%w: subdomain %q", ErrAddressInUse, key)
		}
		existing.UpdateRoutes(circuit, routes)
		return nil
	}

	f.backends[key] = backend.New(circuit, routes, f.relay, f.recorder, f.logger)
	f.logger.Info("circuit registered",
		"circuit_id", circuit.ID,
		"subdomain", key,
		"routes", len(routes))
	return nil
}

// UpdateCircuitRouteInfo hot-swaps the circuit's route table.
func (f *HTTPWildcard) UpdateCircuitRouteInfo(circuit types.Circuit, routes []types.RouteInfo) error {
	key := strings.ToLower(circuit.Subdomain)

	f.mu.RLock()
	b, ok := f.backends[key]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: subdomain %q", ErrCircuitNotRegistered, key)
	}
	b.UpdateRoutes(circuit, routes)
	return nil
}

// BreakCircuit removes the subdomain and closes its backend.
func (f *HTTPWildcard) BreakCircuit(circuit types.Circuit) error {
	key := strings.ToLower(circuit.Subdomain)

	f.mu.Lock()
	b, ok := f.backends[key]
	if ok {
		delete(f.backends, key)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: subdomain %q", ErrCircuitNotRegistered, key)
	}

	b.Close()
	f.logger.Info("circuit removed", "circuit_id", circuit.ID, "subdomain", key)
	return nil
}

// Close shuts down the traffic listener and every backend.
func (f *HTTPWildcard) Close() error {
	f.mu.Lock()
	backends := f.backends
	f.backends = map[string]*backend.Backend{}
	f.mu.Unlock()

	for _, b := range backends {
		b.Close()
	}
	return f.server.Close()
}

var _ Frontend = (*HTTPWildcard)(nil)
var _ Frontend = (*HTTPPort)(nil)
