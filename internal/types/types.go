package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ==================== Errors ====================

var (
	// ErrInvalidCircuit is returned when a circuit violates model invariants
	ErrInvalidCircuit = errors.New("types: invalid circuit")

	// ErrRouteNotFound is returned when a route id does not exist in a circuit
	ErrRouteNotFound = errors.New("types: route not found in circuit")
)

// PermitCookieName is the cookie carrying the signed permit for interactive
// apps. Shared between the worker auth gate and the Traefik middleware config.
const PermitCookieName = "circuitproxy-permit"

// ==================== Enums ====================

// ProxyProtocol is the application protocol carried by a circuit
type ProxyProtocol string

const (
	ProtocolHTTP    ProxyProtocol = "http"
	ProtocolTCP     ProxyProtocol = "tcp"
	ProtocolHTTP2   ProxyProtocol = "http2"
	ProtocolGRPC    ProxyProtocol = "grpc"
	ProtocolPreopen ProxyProtocol = "preopen"
)

// Valid reports whether p is a known protocol
func (p ProxyProtocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolTCP, ProtocolHTTP2, ProtocolGRPC, ProtocolPreopen:
		return true
	}
	return false
}

// AppMode distinguishes interactive session apps from inference endpoints
type AppMode string

const (
	AppModeInteractive AppMode = "interactive"
	AppModeInference   AppMode = "inference"
)

// Valid reports whether m is a known app mode
func (m AppMode) Valid() bool {
	return m == AppModeInteractive || m == AppModeInference
}

// FrontendMode is the addressing scheme a worker exposes
type FrontendMode string

const (
	FrontendModePort     FrontendMode = "port"
	FrontendModeWildcard FrontendMode = "wildcard_domain"
)

// Valid reports whether m is a known frontend mode
func (m FrontendMode) Valid() bool {
	return m == FrontendModePort || m == FrontendModeWildcard
}

// WorkerStatus is the liveness state of a proxy worker
type WorkerStatus string

const (
	WorkerStatusAlive      WorkerStatus = "alive"
	WorkerStatusLost       WorkerStatus = "lost"
	WorkerStatusTerminated WorkerStatus = "terminated"
)

// HealthStatus is the probed state of a route. A nil *HealthStatus means the
// route has never been probed (unknown).
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ==================== Route ====================

// DefaultTrafficRatio is assigned to routes that arrive without a weight
const DefaultTrafficRatio = 1.0

// RouteInfo is one backend instance participating in a circuit.
// Stored as a JSONB array on the circuit row and shipped wholesale in
// propagation events, so field names are part of the wire contract.
type RouteInfo struct {
	RouteID             *uuid.UUID    `json:"route_id"` // nil = ephemeral/legacy route, never health-tracked
	SessionID           uuid.UUID     `json:"session_id"`
	KernelHost          string        `json:"current_kernel_host"`
	KernelPort          int           `json:"kernel_port"`
	Protocol            ProxyProtocol `json:"protocol"`
	TrafficRatio        float64       `json:"traffic_ratio"`
	HealthStatus        *HealthStatus `json:"health_status,omitempty"`
	LastHealthCheck     *time.Time    `json:"last_health_check,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Healthy reports whether the route is explicitly marked healthy
func (r *RouteInfo) Healthy() bool {
	return r.HealthStatus != nil && *r.HealthStatus == HealthStatusHealthy
}

// ==================== Circuit ====================

// Circuit is a provisioned route: one external address bound to one or more
// backend instances on a single worker.
type Circuit struct {
	ID              uuid.UUID     `json:"id"`
	App             string        `json:"app"` // app name ("jupyter", "vscode", model service name, ...)
	Protocol        ProxyProtocol `json:"protocol"`
	AppMode         AppMode       `json:"app_mode"`
	FrontendMode    FrontendMode  `json:"frontend_mode"`
	Port            int           `json:"port,omitempty"`      // set iff FrontendMode == port
	Subdomain       string        `json:"subdomain,omitempty"` // set iff FrontendMode == wildcard_domain
	WorkerID        uuid.UUID     `json:"worker"`
	WorkerAuthority string        `json:"worker_authority"`

	Routes     []RouteInfo `json:"route_info"`
	SessionIDs []uuid.UUID `json:"session_ids"`

	OpenToPublic     bool     `json:"open_to_public"`
	AllowedClientIPs []string `json:"allowed_client_ips,omitempty"` // CIDR allowlist; empty = no restriction

	UserID          *uuid.UUID `json:"user_id,omitempty"`     // interactive circuits
	EndpointID      *uuid.UUID `json:"endpoint_id,omitempty"` // inference circuits
	StaticAddressID *uuid.UUID `json:"static_address_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Endpoint is the loaded endpoint row for inference circuits.
	// Populated by the registry, not serialized.
	Endpoint *Endpoint `json:"-"`
}

// Address returns the frontend key this circuit occupies on its worker:
// the port number rendered as a string, or the lower-cased subdomain.
func (c *Circuit) Address() string {
	if c.FrontendMode == FrontendModePort {
		return fmt.Sprintf("%d", c.Port)
	}
	return c.Subdomain
}

// HealthyRoutes returns the subset of routes eligible for load balancing.
// Health filtering applies only to inference circuits with a bound endpoint
// whose health checking is enabled; every other circuit serves all routes.
func (c *Circuit) HealthyRoutes() []RouteInfo {
	if c.AppMode != AppModeInference || c.EndpointID == nil {
		return c.Routes
	}
	if c.Endpoint == nil || !c.Endpoint.HealthCheckEnabled {
		return c.Routes
	}
	healthy := make([]RouteInfo, 0, len(c.Routes))
	for _, r := range c.Routes {
		if r.Healthy() {
			healthy = append(healthy, r)
		}
	}
	return healthy
}

// UpdateRouteHealth updates the health fields of the route identified by
// routeID. Returns changed=true iff the status value differs from the stored
// one, and found=false when no route carries that id (stale update).
func (c *Circuit) UpdateRouteHealth(routeID uuid.UUID, status *HealthStatus, lastCheck *time.Time, failures *int) (changed bool, found bool) {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.RouteID == nil || *r.RouteID != routeID {
			continue
		}
		if !healthStatusEqual(r.HealthStatus, status) {
			r.HealthStatus = status
			changed = true
		}
		if lastCheck != nil {
			r.LastHealthCheck = lastCheck
		}
		if failures != nil {
			r.ConsecutiveFailures = *failures
		}
		return changed, true
	}
	return false, false
}

// Validate checks circuit model invariants before persistence
func (c *Circuit) Validate() error {
	if !c.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidCircuit, c.Protocol)
	}
	if !c.AppMode.Valid() {
		return fmt.Errorf("%w: unknown app mode %q", ErrInvalidCircuit, c.AppMode)
	}
	switch c.FrontendMode {
	case FrontendModePort:
		if c.Port == 0 || c.Subdomain != "" {
			return fmt.Errorf("%w: port-mode circuit must set port and no subdomain", ErrInvalidCircuit)
		}
	case FrontendModeWildcard:
		if c.Subdomain == "" || c.Port != 0 {
			return fmt.Errorf("%w: wildcard-mode circuit must set subdomain and no port", ErrInvalidCircuit)
		}
	default:
		return fmt.Errorf("%w: unknown frontend mode %q", ErrInvalidCircuit, c.FrontendMode)
	}
	if c.AppMode == AppModeInference {
		if c.EndpointID == nil || c.UserID != nil {
			return fmt.Errorf("%w: inference circuit must reference an endpoint, not a user", ErrInvalidCircuit)
		}
	} else {
		if c.UserID == nil || c.EndpointID != nil {
			return fmt.Errorf("%w: interactive circuit must reference a user, not an endpoint", ErrInvalidCircuit)
		}
	}
	return nil
}

func healthStatusEqual(a, b *HealthStatus) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ==================== Worker ====================

// UnlimitedSlots marks wildcard-domain workers, which have no port pool to
// exhaust and therefore report unbounded capacity.
const UnlimitedSlots = -1

// AppFilter pins apps to workers by a key/value attribute match,
// e.g. {Key: "session.id", Value: "<uuid>"}.
type AppFilter struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Worker is one proxy node (or an HA set sharing a single authority)
type Worker struct {
	ID               uuid.UUID       `json:"id"`
	Authority        string          `json:"authority"` // unique across the cluster
	FrontendMode     FrontendMode    `json:"frontend_mode"`
	Protocols        []ProxyProtocol `json:"protocols"`
	AcceptedAppModes []AppMode       `json:"accepted_app_modes"`

	Hostname            string `json:"hostname"`
	PortRangeStart      int    `json:"port_range_start"` // port mode only, inclusive
	PortRangeEnd        int    `json:"port_range_end"`   // port mode only, inclusive
	WildcardDomain      string `json:"wildcard_domain"`  // wildcard mode only, leading dot (".apps.example.com")
	WildcardTrafficPort int    `json:"wildcard_traffic_port"`
	TLSListen           bool   `json:"tls_listen"`

	AvailableSlots int `json:"available_slots"` // UnlimitedSlots for wildcard workers
	OccupiedSlots  int `json:"occupied_slots"`

	FilteredAppsOnly bool        `json:"filtered_apps_only"`
	AppFilters       []AppFilter `json:"app_filters,omitempty"`

	Status    WorkerStatus `json:"status"`
	Nodes     int          `json:"nodes"` // replica count behind this authority
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"` // refreshed by heartbeats
}

// Unlimited reports whether the worker has no slot bound
func (w *Worker) Unlimited() bool {
	return w.FrontendMode == FrontendModeWildcard || w.AvailableSlots == UnlimitedSlots
}

// FreeSlots returns the remaining circuit capacity, or UnlimitedSlots
func (w *Worker) FreeSlots() int {
	if w.Unlimited() {
		return UnlimitedSlots
	}
	return w.AvailableSlots - w.OccupiedSlots
}

// SupportsProtocol reports whether the worker accepts the given protocol
func (w *Worker) SupportsProtocol(p ProxyProtocol) bool {
	for _, wp := range w.Protocols {
		if wp == p {
			return true
		}
	}
	return false
}

// AcceptsAppMode reports whether the worker accepts the given traffic kind
func (w *Worker) AcceptsAppMode(m AppMode) bool {
	for _, wm := range w.AcceptedAppModes {
		if wm == m {
			return true
		}
	}
	return false
}

// MatchesFilter reports whether any of the worker's app filters matches the
// given request attributes
func (w *Worker) MatchesFilter(attrs map[string]string) bool {
	for _, f := range w.AppFilters {
		if attrs[f.Key] == f.Value {
			return true
		}
	}
	return false
}

// ==================== Endpoint ====================

// HealthCheckConfig configures liveness probing for one inference endpoint
type HealthCheckConfig struct {
	Path               string        `json:"path"`
	Interval           time.Duration `json:"interval"`
	MaxRetries         int           `json:"max_retries"`
	MaxWaitTime        time.Duration `json:"max_wait_time"`
	ExpectedStatusCode int           `json:"expected_status_code"`
}

// ApplyDefaults applies default values to zero fields
func (c *HealthCheckConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.MaxWaitTime == 0 {
		c.MaxWaitTime = 15 * time.Second
	}
	if c.ExpectedStatusCode == 0 {
		c.ExpectedStatusCode = 200
	}
}

// Endpoint is inference-only metadata attached to a circuit
type Endpoint struct {
	ID                 uuid.UUID          `json:"id"`
	Name               string             `json:"name"`
	HealthCheckEnabled bool               `json:"health_check_enabled"`
	HealthCheck        *HealthCheckConfig `json:"health_check,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// ==================== StaticAddress ====================

// StaticAddress is a pre-reserved port or subdomain whose lifecycle is
// decoupled from any one circuit
type StaticAddress struct {
	ID           uuid.UUID    `json:"id"`
	FrontendMode FrontendMode `json:"frontend_mode"`
	Port         int          `json:"port,omitempty"`
	Subdomain    string       `json:"subdomain,omitempty"`
	IsAllocated  bool         `json:"is_allocated"`
	CircuitID    *uuid.UUID   `json:"allocated_to_circuit,omitempty"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// AddressDisplay renders the reserved address for logs and API responses
func (s *StaticAddress) AddressDisplay() string {
	if s.FrontendMode == FrontendModePort {
		return fmt.Sprintf(":%d", s.Port)
	}
	return s.Subdomain
}
