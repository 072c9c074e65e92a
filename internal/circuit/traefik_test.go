package circuit

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/testhelpers"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

type staticResolver struct {
	workers map[string]types.Worker
}

func (r *staticResolver) GetWorkerByAuthority(_ context.Context, authority string) (*types.Worker, error) {
	w, ok := r.workers[authority]
	if !ok {
		return nil, fmt.Errorf("unknown authority %s", authority)
	}
	return &w, nil
}

func newTraefikFixture(workers ...types.Worker) (*TraefikManager, *MemoryKV) {
	resolver := &staticResolver{workers: make(map[string]types.Worker)}
	for _, w := range workers {
		resolver.workers[w.Authority] = w
	}
	kv := NewMemoryKV()
	manager := NewTraefikManager(kv, resolver,
		config.SecretConfig{JWTSecret: "jwt-secret", APISecret: "api-secret"},
		config.PermitHashConfig{Secret: "permit-secret", DigestMod: "sha256"},
		testhelpers.NewTestLogger(),
	)
	return manager, kv
}

func TestTraefikManager_AddCircuits_HTTPPortMode(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	manager, kv := newTraefikFixture(worker)

	c := testhelpers.NewTestCircuit(worker, 10205, "10.0.0.1", 8080)
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority, []types.Circuit{c}))

	base := "worker_w1:8081/http"
	router := base + "/routers/cp_router_" + c.ID.String()
	keys, err := kv.GetPrefix(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, "Host(`w1:8081`)", keys[router+"/rule"])
	assert.Equal(t, "portproxy_10205", keys[router+"/entrypoints/0"])
	assert.Equal(t, "cp_service_"+c.ID.String(), keys[router+"/service"])
	assert.Equal(t, "CORSHeaders", keys[router+"/middlewares/0"])
	assert.Equal(t, "cp_plugin_"+c.ID.String(), keys[router+"/middlewares/1"])

	weighted := base + "/services/cp_service_" + c.ID.String() + "/weighted/services"
	routeName := fmt.Sprintf("cp_session_%s_%s", c.Routes[0].SessionID, c.ID)
	assert.Equal(t, routeName, keys[weighted+"/0/name"])
	assert.Equal(t, "100", keys[weighted+"/0/weight"])
	assert.Equal(t, "http://10.0.0.1:8080/",
		keys[base+"/services/"+routeName+"/loadBalancer/servers/0/url"])

	plugin := base + "/middlewares/cp_plugin_" + c.ID.String() + "/plugin/circuitproxy"
	assert.Equal(t, "jwt-secret", keys[plugin+"/jwt_secret"])
	assert.Equal(t, "permit-secret", keys[plugin+"/permit_hash_secret"])
	assert.Equal(t, types.PermitCookieName, keys[plugin+"/permit_cookie_name"])
	assert.Contains(t, keys[plugin+"/circuit"], c.ID.String())
}

func TestTraefikManager_AddCircuits_WildcardMode(t *testing.T) {
	worker := testhelpers.NewTestWildcardWorker("w1:8081", ".apps.example.com")
	manager, kv := newTraefikFixture(worker)

	c := testhelpers.NewTestCircuit(worker, 0, "10.0.0.1", 8080)
	c.FrontendMode = types.FrontendModeWildcard
	c.Port = 0
	c.Subdomain = "myapp"
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority, []types.Circuit{c}))

	router := "worker_w1:8081/http/routers/cp_router_" + c.ID.String()
	keys, err := kv.GetPrefix(context.Background(), router)
	require.NoError(t, err)
	assert.Equal(t, "Host(`myapp.apps.example.com`)", keys[router+"/rule"])
	assert.Equal(t, "domainproxy", keys[router+"/entrypoints/0"])
}

func TestTraefikManager_AddCircuits_TCPMode(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	manager, kv := newTraefikFixture(worker)

	c := testhelpers.NewTestCircuit(worker, 10200, "10.0.0.1", 5432)
	c.Protocol = types.ProtocolTCP
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority, []types.Circuit{c}))

	base := "worker_w1:8081/tcp"
	router := base + "/routers/cp_router_" + c.ID.String()
	keys, err := kv.GetPrefix(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, "ClientIP(`0.0.0.0/0`)", keys[router+"/rule"])
	_, hasMiddleware := keys[router+"/middlewares/0"]
	assert.False(t, hasMiddleware, "TCP routers carry no middlewares")

	routeName := fmt.Sprintf("cp_session_%s_%s", c.Routes[0].SessionID, c.ID)
	assert.Equal(t, "10.0.0.1:5432",
		keys[base+"/services/"+routeName+"/loadBalancer/servers/0/address"])
}

func TestTraefikManager_UpdateCircuitRoutes_TouchesOnlyServices(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	manager, kv := newTraefikFixture(worker)

	routes := []types.RouteInfo{
		testhelpers.MarkRouteHealth(testhelpers.NewTestRoute("10.0.0.1", 8000, 1), types.HealthStatusHealthy),
		testhelpers.MarkRouteHealth(testhelpers.NewTestRoute("10.0.0.2", 8000, 1), types.HealthStatusHealthy),
	}
	c := testhelpers.NewTestInferenceCircuit(worker, 10200, routes)
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority, []types.Circuit{c}))

	// Second route flips unhealthy; only the services subtree may change.
	oldRoutes := append([]types.RouteInfo{}, c.Routes...)
	c.Routes[1] = testhelpers.MarkRouteHealth(c.Routes[1], types.HealthStatusUnhealthy)
	require.NoError(t, manager.UpdateCircuitRoutes(context.Background(), &c, oldRoutes))

	base := "worker_w1:8081/http"
	keys, err := kv.GetPrefix(context.Background(), base)
	require.NoError(t, err)

	router := base + "/routers/cp_router_" + c.ID.String()
	assert.NotEmpty(t, keys[router+"/rule"], "router keys must survive a route update")

	weighted := base + "/services/cp_service_" + c.ID.String() + "/weighted/services"
	assert.NotEmpty(t, keys[weighted+"/0/name"])
	_, secondEntry := keys[weighted+"/1/name"]
	assert.False(t, secondEntry, "unhealthy route must leave the weighted list")

	staleName := fmt.Sprintf("cp_session_%s_%s", c.Routes[1].SessionID, c.ID)
	for key := range keys {
		assert.NotContains(t, key, staleName, "per-route service of unhealthy route must be deleted")
	}
}

func TestTraefikManager_UpdateCircuitRoutes_NoHealthyRoutesEmptiesService(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	manager, kv := newTraefikFixture(worker)

	routes := []types.RouteInfo{
		testhelpers.MarkRouteHealth(testhelpers.NewTestRoute("10.0.0.1", 8000, 1), types.HealthStatusHealthy),
	}
	c := testhelpers.NewTestInferenceCircuit(worker, 10200, routes)
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority, []types.Circuit{c}))

	oldRoutes := append([]types.RouteInfo{}, c.Routes...)
	c.Routes[0] = testhelpers.MarkRouteHealth(c.Routes[0], types.HealthStatusUnhealthy)
	require.NoError(t, manager.UpdateCircuitRoutes(context.Background(), &c, oldRoutes))

	services, err := kv.GetPrefix(context.Background(), "worker_w1:8081/http/services/")
	require.NoError(t, err)
	assert.Empty(t, services, "a fully unhealthy circuit serves no load balancer entries")
}

func TestTraefikManager_RemoveCircuits_DeletesAllCircuitKeys(t *testing.T) {
	worker := testhelpers.NewTestWorker("w1:8081", 10200, 10210)
	manager, kv := newTraefikFixture(worker)

	keep := testhelpers.NewTestCircuit(worker, 10200, "10.0.0.1", 8080)
	remove := testhelpers.NewTestCircuit(worker, 10201, "10.0.0.2", 8080)
	require.NoError(t, manager.AddCircuits(context.Background(), worker.Authority,
		[]types.Circuit{keep, remove}))

	require.NoError(t, manager.RemoveCircuits(context.Background(), []types.Circuit{remove}))

	keys, err := kv.GetPrefix(context.Background(), "worker_w1:8081/http")
	require.NoError(t, err)
	for key := range keys {
		assert.NotContains(t, key, remove.ID.String(), "removed circuit left key %s", key)
	}
	router := "worker_w1:8081/http/routers/cp_router_" + keep.ID.String()
	assert.NotEmpty(t, keys[router+"/rule"], "sibling circuit must survive removal")
	assert.NotEmpty(t, keys["worker_w1:8081/http/middlewares/CORSHeaders/headers/accessControlAllowHeaders"],
		"shared CORS middleware must survive removal")
}

func TestRouteWeight(t *testing.T) {
	assert.Equal(t, 100, routeWeight(1))
	assert.Equal(t, 75, routeWeight(0.75))
	assert.Equal(t, 0, routeWeight(0))
	assert.Equal(t, 0, routeWeight(-1))
}

func TestKeyspace(t *testing.T) {
	assert.Equal(t, "worker_w1:8081/http", keyspace("w1:8081", types.ProtocolHTTP))
	assert.True(t, strings.HasSuffix(keyspace("w1:8081", types.ProtocolTCP), "/tcp"))
}
