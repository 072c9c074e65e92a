package registry

import (
	"encoding/json"
	"fmt"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// row abstracts pgx.Row and pgx.Rows for the scan helpers
type row interface {
	Scan(dest ...any) error
}

const circuitColumns = `c.id, c.app, c.protocol, c.app_mode, c.frontend_mode,
	c.port, c.subdomain, c.worker_id, c.worker_authority,
	c.route_info, c.session_ids, c.open_to_public, c.allowed_client_ips,
	c.user_id, c.endpoint_id, c.static_address_id, c.created_at, c.updated_at`

func scanCircuit(r row) (types.Circuit, error) {
	var (
		c           types.Circuit
		port        *int
		subdomain   *string
		routeInfo   []byte
		sessionIDs  []byte
		allowedCIDR []byte
	)

	err := r.Scan(
		&c.ID, &c.App, &c.Protocol, &c.AppMode, &c.FrontendMode,
		&port, &subdomain, &c.WorkerID, &c.WorkerAuthority,
		&routeInfo, &sessionIDs, &c.OpenToPublic, &allowedCIDR,
		&c.UserID, &c.EndpointID, &c.StaticAddressID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return types.Circuit{}, err
	}

	if port != nil {
		c.Port = *port
	}
	if subdomain != nil {
		c.Subdomain = *subdomain
	}
	if err := json.Unmarshal(routeInfo, &c.Routes); err != nil {
		return types.Circuit{}, fmt.Errorf("registry: decode route_info for circuit %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(sessionIDs, &c.SessionIDs); err != nil {
		return types.Circuit{}, fmt.Errorf("registry: decode session_ids for circuit %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(allowedCIDR, &c.AllowedClientIPs); err != nil {
		return types.Circuit{}, fmt.Errorf("registry: decode allowed_client_ips for circuit %s: %w", c.ID, err)
	}
	return c, nil
}

const workerColumns = `w.id, w.authority, w.frontend_mode, w.protocols,
	w.accepted_app_modes, w.hostname, w.port_range_start, w.port_range_end,
	w.wildcard_domain, w.wildcard_traffic_port, w.tls_listen,
	w.available_slots, w.occupied_slots, w.filtered_apps_only, w.app_filters,
	w.status, w.nodes, w.created_at, w.updated_at`

func scanWorker(r row) (types.Worker, error) {
	var (
		w          types.Worker
		protocols  []byte
		appModes   []byte
		appFilters []byte
	)

	err := r.Scan(
		&w.ID, &w.Authority, &w.FrontendMode, &protocols,
		&appModes, &w.Hostname, &w.PortRangeStart, &w.PortRangeEnd,
		&w.WildcardDomain, &w.WildcardTrafficPort, &w.TLSListen,
		&w.AvailableSlots, &w.OccupiedSlots, &w.FilteredAppsOnly, &appFilters,
		&w.Status, &w.Nodes, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return types.Worker{}, err
	}

	if err := json.Unmarshal(protocols, &w.Protocols); err != nil {
		return types.Worker{}, fmt.Errorf("registry: decode protocols for worker %s: %w", w.Authority, err)
	}
	if err := json.Unmarshal(appModes, &w.AcceptedAppModes); err != nil {
		return types.Worker{}, fmt.Errorf("registry: decode accepted_app_modes for worker %s: %w", w.Authority, err)
	}
	if err := json.Unmarshal(appFilters, &w.AppFilters); err != nil {
		return types.Worker{}, fmt.Errorf("registry: decode app_filters for worker %s: %w", w.Authority, err)
	}
	return w, nil
}

const endpointColumns = `e.id, e.name, e.health_check_enabled, e.health_check, e.created_at`

func scanEndpoint(r row) (types.Endpoint, error) {
	var (
		e           types.Endpoint
		healthCheck []byte
	)

	if err := r.Scan(&e.ID, &e.Name, &e.HealthCheckEnabled, &healthCheck, &e.CreatedAt); err != nil {
		return types.Endpoint{}, err
	}

	if len(healthCheck) > 0 {
		var hc types.HealthCheckConfig
		if err := json.Unmarshal(healthCheck, &hc); err != nil {
			return types.Endpoint{}, fmt.Errorf("registry: decode health_check for endpoint %s: %w", e.ID, err)
		}
		hc.ApplyDefaults()
		e.HealthCheck = &hc
	}
	return e, nil
}

const staticAddressColumns = `s.id, s.frontend_mode, s.port, s.subdomain,
	s.is_allocated, s.circuit_id, s.name, s.description, s.created_at, s.updated_at`

func scanStaticAddress(r row) (types.StaticAddress, error) {
	var (
		s         types.StaticAddress
		port      *int
		subdomain *string
	)

	err := r.Scan(&s.ID, &s.FrontendMode, &port, &subdomain,
		&s.IsAllocated, &s.CircuitID, &s.Name, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return types.StaticAddress{}, err
	}

	if port != nil {
		s.Port = *port
	}
	if subdomain != nil {
		s.Subdomain = *subdomain
	}
	return s, nil
}

// marshalJSON encodes v for a JSONB parameter, panicking on the kinds of
// values that cannot fail (our own structs and slices)
func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("registry: marshal %T: %v", v, err))
	}
	return data
}
