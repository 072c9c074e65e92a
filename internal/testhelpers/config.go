package testhelpers

import (
	"time"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// NewTestWorker creates a port-mode worker with sensible defaults for tests.
func NewTestWorker(authority string, portStart, portEnd int) types.Worker {
	return types.Worker{
		ID:               uuid.New(),
		Authority:        authority,
		FrontendMode:     types.FrontendModePort,
		Protocols:        []types.ProxyProtocol{types.ProtocolHTTP, types.ProtocolTCP},
		AcceptedAppModes: []types.AppMode{types.AppModeInteractive, types.AppModeInference},
		Hostname:         authority,
		PortRangeStart:   portStart,
		PortRangeEnd:     portEnd,
		AvailableSlots:   portEnd - portStart + 1,
		Status:           types.WorkerStatusAlive,
		Nodes:            1,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
}

// NewTestWildcardWorker creates a wildcard-domain worker for tests.
func NewTestWildcardWorker(authority, domain string) types.Worker {
	return types.Worker{
		ID:                  uuid.New(),
		Authority:           authority,
		FrontendMode:        types.FrontendModeWildcard,
		Protocols:           []types.ProxyProtocol{types.ProtocolHTTP},
		AcceptedAppModes:    []types.AppMode{types.AppModeInteractive, types.AppModeInference},
		Hostname:            authority,
		WildcardDomain:      domain,
		WildcardTrafficPort: 10200,
		AvailableSlots:      types.UnlimitedSlots,
		Status:              types.WorkerStatusAlive,
		Nodes:               1,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
}

// NewTestCircuit creates an interactive HTTP circuit bound to the given
// worker, with a single route at host:port.
func NewTestCircuit(worker types.Worker, port int, host string, kernelPort int) types.Circuit {
	userID := uuid.New()
	now := time.Now().UTC()
	return types.Circuit{
		ID:              uuid.New(),
		App:             "jupyter",
		Protocol:        types.ProtocolHTTP,
		AppMode:         types.AppModeInteractive,
		FrontendMode:    types.FrontendModePort,
		Port:            port,
		WorkerID:        worker.ID,
		WorkerAuthority: worker.Authority,
		Routes:          []types.RouteInfo{NewTestRoute(host, kernelPort, 1)},
		UserID:          &userID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewTestInferenceCircuit creates an inference HTTP circuit with health
// checking enabled on its endpoint.
func NewTestInferenceCircuit(worker types.Worker, port int, routes []types.RouteInfo) types.Circuit {
	endpointID := uuid.New()
	now := time.Now().UTC()
	hc := &types.HealthCheckConfig{}
	hc.ApplyDefaults()
	return types.Circuit{
		ID:              uuid.New(),
		App:             "llama-3-70b",
		Protocol:        types.ProtocolHTTP,
		AppMode:         types.AppModeInference,
		FrontendMode:    types.FrontendModePort,
		Port:            port,
		WorkerID:        worker.ID,
		WorkerAuthority: worker.Authority,
		Routes:          routes,
		EndpointID:      &endpointID,
		Endpoint: &types.Endpoint{
			ID:                 endpointID,
			Name:               "llama-3-70b",
			HealthCheckEnabled: true,
			HealthCheck:        hc,
			CreatedAt:          now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestRoute creates a route with a fresh route id and the given weight.
func NewTestRoute(host string, port int, ratio float64) types.RouteInfo {
	routeID := uuid.New()
	return types.RouteInfo{
		RouteID:      &routeID,
		SessionID:    uuid.New(),
		KernelHost:   host,
		KernelPort:   port,
		Protocol:     types.ProtocolHTTP,
		TrafficRatio: ratio,
	}
}

// MarkRouteHealth sets the health status on a route in place and returns it.
func MarkRouteHealth(route types.RouteInfo, status types.HealthStatus) types.RouteInfo {
	route.HealthStatus = &status
	return route
}
