package api

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// routePayload is the wire form of one upstream route. TrafficRatio is a
// pointer so an omitted ratio defaults to 1.0 while an explicit 0 keeps its
// meaning as a drained route.
type routePayload struct {
	RouteID      *uuid.UUID `json:"route_id,omitempty"`
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	KernelHost   string     `json:"kernel_host"`
	KernelPort   int        `json:"kernel_port"`
	Protocol     string     `json:"protocol,omitempty"`
	TrafficRatio *float64   `json:"traffic_ratio,omitempty"`
}

func (p *routePayload) toRouteInfo(defaultProtocol types.ProxyProtocol) (types.RouteInfo, error) {
	if p.KernelHost == "" {
		return types.RouteInfo{}, fmt.Errorf("route kernel_host is required")
	}
	if p.KernelPort <= 0 || p.KernelPort > 65535 {
		return types.RouteInfo{}, fmt.Errorf("route kernel_port %d is out of range", p.KernelPort)
	}

	route := types.RouteInfo{
		RouteID:      p.RouteID,
		KernelHost:   p.KernelHost,
		KernelPort:   p.KernelPort,
		Protocol:     defaultProtocol,
		TrafficRatio: 1.0,
	}
	if p.SessionID != nil {
		route.SessionID = *p.SessionID
	} else {
		route.SessionID = uuid.New()
	}
	if p.Protocol != "" {
		proto := types.ProxyProtocol(p.Protocol)
		if !proto.Valid() {
			return types.RouteInfo{}, fmt.Errorf("unknown route protocol %q", p.Protocol)
		}
		route.Protocol = proto
	}
	if p.TrafficRatio != nil {
		if *p.TrafficRatio < 0 {
			return types.RouteInfo{}, fmt.Errorf("traffic_ratio must not be negative")
		}
		route.TrafficRatio = *p.TrafficRatio
	}
	return route, nil
}

type createCircuitRequest struct {
	App      string         `json:"app"`
	Protocol string         `json:"protocol"`
	AppMode  string         `json:"app_mode"`
	Routes   []routePayload `json:"routes"`

	Attrs map[string]string `json:"attrs,omitempty"`

	UserID     *uuid.UUID `json:"user_id,omitempty"`
	EndpointID *uuid.UUID `json:"endpoint_id,omitempty"`

	OpenToPublic     bool     `json:"open_to_public"`
	AllowedClientIPs []string `json:"allowed_client_ips,omitempty"`

	WorkerAuthority    string     `json:"worker_authority,omitempty"`
	PreferredPort      int        `json:"preferred_port,omitempty"`
	PreferredSubdomain string     `json:"preferred_subdomain,omitempty"`
	StaticAddressID    *uuid.UUID `json:"static_address_id,omitempty"`
}

func (req *createCircuitRequest) validate() error {
	if req.App == "" {
		return fmt.Errorf("app is required")
	}
	if !types.ProxyProtocol(req.Protocol).Valid() {
		return fmt.Errorf("unknown protocol %q", req.Protocol)
	}
	if !types.AppMode(req.AppMode).Valid() {
		return fmt.Errorf("unknown app_mode %q", req.AppMode)
	}
	if len(req.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	mode := types.AppMode(req.AppMode)
	if mode == types.AppModeInteractive && req.UserID == nil {
		return fmt.Errorf("user_id is required for interactive circuits")
	}
	if mode == types.AppModeInference && req.EndpointID == nil {
		return fmt.Errorf("endpoint_id is required for inference circuits")
	}
	return nil
}

type endpointPayload struct {
	ID                 *uuid.UUID               `json:"id,omitempty"`
	Name               string                   `json:"name"`
	HealthCheckEnabled bool                     `json:"health_check_enabled"`
	HealthCheck        *types.HealthCheckConfig `json:"health_check,omitempty"`
}

func (p *endpointPayload) toEndpoint() (types.Endpoint, error) {
	if p.Name == "" {
		return types.Endpoint{}, fmt.Errorf("name is required")
	}
	e := types.Endpoint{
		Name:               p.Name,
		HealthCheckEnabled: p.HealthCheckEnabled,
		HealthCheck:        p.HealthCheck,
	}
	if p.ID != nil {
		e.ID = *p.ID
	}
	if e.HealthCheck != nil {
		e.HealthCheck.ApplyDefaults()
	}
	return e, nil
}

type endpointRoutesRequest struct {
	Routes []routePayload `json:"routes"`
}
