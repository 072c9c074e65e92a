package circuit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// tcpCatchAllRule matches every client; TCP routing has no Host header and
// the per-port entrypoint already disambiguates circuits.
const tcpCatchAllRule = "ClientIP(`0.0.0.0/0`)"

// WorkerResolver loads worker rows for router rule rendering. Satisfied by
// *registry.Registry.
type WorkerResolver interface {
	GetWorkerByAuthority(ctx context.Context, authority string) (*types.Worker, error)
}

// TraefikManager renders circuits into the KV tree Traefik's etcd provider
// watches. Keys live under worker_<authority>/<protocol>/ so several worker
// fleets can share one store. Nothing here carries a TTL: removal must
// delete every key it wrote or the entry leaks permanently.
type TraefikManager struct {
	kv               KV
	workers          WorkerResolver
	jwtSecret        string
	permitHashSecret string
	logger           *slog.Logger
}

// NewTraefikManager creates a Traefik-mode circuit manager
func NewTraefikManager(kv KV, workers WorkerResolver, secrets config.SecretConfig, permitHash config.PermitHashConfig, logger *slog.Logger) *TraefikManager {
	if kv == nil {
		panic("circuit: kv is required")
	}
	if workers == nil {
		panic("circuit: worker resolver is required")
	}
	if logger == nil {
		panic("circuit: logger is required")
	}
	return &TraefikManager{
		kv:               kv,
		workers:          workers,
		jwtSecret:        secrets.JWTSecret,
		permitHashSecret: permitHash.Secret,
		logger:           logger,
	}
}

// AddCircuits writes router, service and middleware keys for each circuit
func (m *TraefikManager) AddCircuits(ctx context.Context, authority string, circuits []types.Circuit) error {
	if len(circuits) == 0 {
		return nil
	}
	worker, err := m.workers.GetWorkerByAuthority(ctx, authority)
	if err != nil {
		return fmt.Errorf("circuit: resolve worker %s: %w", authority, err)
	}

	for i := range circuits {
		c := &circuits[i]
		keys, err := m.renderCircuit(c, worker)
		if err != nil {
			return err
		}
		if err := m.putAll(ctx, keys); err != nil {
			return err
		}
		m.logger.Info("traefik circuit written",
			"circuit_id", c.ID,
			"authority", authority,
			"keys", len(keys),
		)
	}
	return nil
}

// UpdateCircuitRoutes rewrites only the circuit's services subtree so the
// routers and middlewares of other circuits under the same prefix survive.
func (m *TraefikManager) UpdateCircuitRoutes(ctx context.Context, circuit *types.Circuit, oldRoutes []types.RouteInfo) error {
	base := keyspace(circuit.WorkerAuthority, circuit.Protocol)

	// Drop the weighted service and the per-route services of both the old
	// and the new route sets; sessions may have left either way.
	if err := m.kv.DeletePrefix(ctx, base+"/services/"+serviceName(circuit.ID)); err != nil {
		return err
	}
	for _, r := range append(append([]types.RouteInfo{}, oldRoutes...), circuit.Routes...) {
		if err := m.kv.DeletePrefix(ctx, base+"/services/"+routeServiceName(circuit, r)); err != nil {
			return err
		}
	}

	keys := serviceKeys(circuit)
	if err := m.putAll(ctx, keys); err != nil {
		return err
	}
	m.logger.Info("traefik services rewritten",
		"circuit_id", circuit.ID,
		"healthy_routes", len(circuit.HealthyRoutes()),
	)
	return nil
}

// RemoveCircuits deletes every prefix a circuit occupies. The shared
// CORSHeaders middleware stays; other circuits reference it.
func (m *TraefikManager) RemoveCircuits(ctx context.Context, circuits []types.Circuit) error {
	for i := range circuits {
		c := &circuits[i]
		base := keyspace(c.WorkerAuthority, c.Protocol)

		prefixes := []string{
			base + "/routers/" + routerName(c.ID),
			base + "/services/" + serviceName(c.ID),
			base + "/middlewares/" + middlewareName(c.ID),
		}
		for _, r := range c.Routes {
			prefixes = append(prefixes, base+"/services/"+routeServiceName(c, r))
		}

		for _, prefix := range prefixes {
			if err := m.kv.DeletePrefix(ctx, prefix); err != nil {
				return err
			}
		}
		m.logger.Info("traefik circuit removed", "circuit_id", c.ID, "authority", c.WorkerAuthority)
	}
	return nil
}

// SyncCircuits re-renders the full circuit set at coordinator startup so a
// wiped or stale KV store converges to the database state.
func (m *TraefikManager) SyncCircuits(ctx context.Context, circuits []types.Circuit) error {
	byAuthority := make(map[string][]types.Circuit)
	for _, c := range circuits {
		byAuthority[c.WorkerAuthority] = append(byAuthority[c.WorkerAuthority], c)
	}
	for authority, batch := range byAuthority {
		if err := m.AddCircuits(ctx, authority, batch); err != nil {
			return err
		}
	}
	m.logger.Info("traefik state synchronized", "circuits", len(circuits))
	return nil
}

func (m *TraefikManager) putAll(ctx context.Context, keys map[string]string) error {
	for key, value := range keys {
		if err := m.kv.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *TraefikManager) renderCircuit(c *types.Circuit, worker *types.Worker) (map[string]string, error) {
	keys, err := m.routerKeys(c, worker)
	if err != nil {
		return nil, err
	}
	for k, v := range serviceKeys(c) {
		keys[k] = v
	}
	if c.Protocol == types.ProtocolHTTP {
		mw, err := m.middlewareKeys(c)
		if err != nil {
			return nil, err
		}
		for k, v := range mw {
			keys[k] = v
		}
	}
	return keys, nil
}

func (m *TraefikManager) routerKeys(c *types.Circuit, worker *types.Worker) (map[string]string, error) {
	base := keyspace(c.WorkerAuthority, c.Protocol)
	router := base + "/routers/" + routerName(c.ID)

	rule, err := routerRule(c, worker)
	if err != nil {
		return nil, err
	}
	entrypoint, err := routerEntrypoint(c)
	if err != nil {
		return nil, err
	}

	keys := map[string]string{
		router + "/rule":          rule,
		router + "/service":       serviceName(c.ID),
		router + "/entrypoints/0": entrypoint,
	}
	if c.Protocol == types.ProtocolHTTP {
		keys[router+"/middlewares/0"] = "CORSHeaders"
		keys[router+"/middlewares/1"] = middlewareName(c.ID)
		if worker.TLSListen {
			keys[router+"/tls"] = "true"
		}
	}
	return keys, nil
}

// serviceKeys renders the weighted load balancer over the currently healthy
// routes. No healthy routes means no service keys at all, which removes the
// circuit from load balancing until a route recovers.
func serviceKeys(c *types.Circuit) map[string]string {
	healthy := c.HealthyRoutes()
	if len(healthy) == 0 {
		return map[string]string{}
	}

	base := keyspace(c.WorkerAuthority, c.Protocol)
	weighted := base + "/services/" + serviceName(c.ID) + "/weighted/services"

	keys := make(map[string]string, 4*len(healthy))
	for i, r := range healthy {
		name := routeServiceName(c, r)
		idx := strconv.Itoa(i)
		keys[weighted+"/"+idx+"/name"] = name
		keys[weighted+"/"+idx+"/weight"] = strconv.Itoa(routeWeight(r.TrafficRatio))

		server := base + "/services/" + name + "/loadBalancer/servers/0"
		switch c.Protocol {
		case types.ProtocolTCP:
			keys[server+"/address"] = fmt.Sprintf("%s:%d", r.KernelHost, r.KernelPort)
		default:
			keys[server+"/url"] = fmt.Sprintf("http://%s:%d/", r.KernelHost, r.KernelPort)
		}
	}
	return keys
}

func (m *TraefikManager) middlewareKeys(c *types.Circuit) (map[string]string, error) {
	base := keyspace(c.WorkerAuthority, c.Protocol) + "/middlewares"

	// Etcd values are plain strings, so the circuit rides along as JSON.
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("circuit: marshal circuit %s: %w", c.ID, err)
	}

	plugin := base + "/" + middlewareName(c.ID) + "/plugin/circuitproxy"
	return map[string]string{
		base + "/CORSHeaders/headers/accessControlAllowHeaders":      "*",
		base + "/CORSHeaders/headers/accessControlAllowOriginList/0": "*",
		plugin + "/circuit":            string(payload),
		plugin + "/jwt_secret":         m.jwtSecret,
		plugin + "/permit_hash_secret": m.permitHashSecret,
		plugin + "/permit_cookie_name": types.PermitCookieName,
	}, nil
}

func keyspace(authority string, protocol types.ProxyProtocol) string {
	return fmt.Sprintf("worker_%s/%s", authority, strings.ToLower(string(protocol)))
}

func routerName(id fmt.Stringer) string     { return "cp_router_" + id.String() }
func serviceName(id fmt.Stringer) string    { return "cp_service_" + id.String() }
func middlewareName(id fmt.Stringer) string { return "cp_plugin_" + id.String() }

func routeServiceName(c *types.Circuit, r types.RouteInfo) string {
	return fmt.Sprintf("cp_session_%s_%s", r.SessionID, c.ID)
}

func routerRule(c *types.Circuit, worker *types.Worker) (string, error) {
	if c.Protocol == types.ProtocolTCP {
		return tcpCatchAllRule, nil
	}
	switch c.FrontendMode {
	case types.FrontendModePort:
		return fmt.Sprintf("Host(`%s`)", worker.Hostname), nil
	case types.FrontendModeWildcard:
		return fmt.Sprintf("Host(`%s%s`)", c.Subdomain, worker.WildcardDomain), nil
	}
	return "", fmt.Errorf("circuit: no traefik rule for frontend mode %q", c.FrontendMode)
}

func routerEntrypoint(c *types.Circuit) (string, error) {
	switch c.FrontendMode {
	case types.FrontendModeWildcard:
		return "domainproxy", nil
	case types.FrontendModePort:
		return fmt.Sprintf("portproxy_%d", c.Port), nil
	}
	return "", fmt.Errorf("circuit: no traefik entrypoint for frontend mode %q", c.FrontendMode)
}

// routeWeight scales fractional traffic ratios into the integer weights
// Traefik requires, keeping proportions intact.
func routeWeight(ratio float64) int {
	w := int(math.Round(ratio * 100))
	if w < 0 {
		return 0
	}
	return w
}
