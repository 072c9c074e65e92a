// Package api exposes the coordinator's HTTP surface: the worker-facing
// registration endpoints and the circuit/endpoint management operations.
// Handlers stay thin; allocation and propagation live in internal/service
// and internal/registry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/circuitproxy/circuitproxy/internal/circuit"
	"github.com/circuitproxy/circuitproxy/internal/config"
	"github.com/circuitproxy/circuitproxy/internal/httputil"
	"github.com/circuitproxy/circuitproxy/internal/monitoring"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

// CircuitService is the slice of internal/service the handlers call.
type CircuitService interface {
	CreateCircuit(ctx context.Context, params registry.AddCircuitParams) (*types.Circuit, error)
	RemoveCircuit(ctx context.Context, id uuid.UUID) (*types.Circuit, error)
	UpdateEndpointRoutes(ctx context.Context, endpointID uuid.UUID, incoming []types.RouteInfo) (*types.Circuit, error)
}

// Store is the slice of the registry the handlers read and write directly,
// bypassing the service layer: worker registration and lookups need no
// propagation.
type Store interface {
	UpsertWorker(ctx context.Context, w types.Worker) (*types.Worker, error)
	TouchWorker(ctx context.Context, authority string) error
	ListCircuitsByAuthority(ctx context.Context, authority string) ([]types.Circuit, error)
	GetCircuit(ctx context.Context, id uuid.UUID) (*types.Circuit, error)
	UpsertEndpoint(ctx context.Context, e types.Endpoint) (*types.Endpoint, error)
	IsHealthy() bool
}

type Server struct {
	service CircuitService
	store   Store
	secret  string
	metrics *monitoring.Metrics
	cfg     config.MonitoringConfig
	logger  *slog.Logger

	apiMux *http.ServeMux
}

func New(service CircuitService, store Store, secret string, metrics *monitoring.Metrics, cfg config.MonitoringConfig, logger *slog.Logger) *Server {
	if service == nil || store == nil || logger == nil {
		panic("api: service, store and logger are required")
	}
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	s := &Server{
		service: service,
		store:   store,
		secret:  secret,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	s.apiMux = s.buildAPIMux()
	return s
}

// Handler assembles the full route table. Everything under /api/v1/ sits
// behind the shared-secret check; /health and /metrics do not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	healthPath := s.cfg.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}
	mux.HandleFunc("GET "+healthPath, s.handleHealth)

	if s.cfg.PrometheusEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.Handle("/api/v1/", s.requireSecret(s.instrument(s.apiMux)))
	return mux
}

func (s *Server) buildAPIMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /api/v1/workers/{authority}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/v1/workers/{authority}/circuits", s.handleWorkerCircuits)
	mux.HandleFunc("POST /api/v1/circuits", s.handleCreateCircuit)
	mux.HandleFunc("GET /api/v1/circuits/{id}", s.handleGetCircuit)
	mux.HandleFunc("DELETE /api/v1/circuits/{id}", s.handleRemoveCircuit)
	mux.HandleFunc("POST /api/v1/endpoints", s.handleUpsertEndpoint)
	mux.HandleFunc("POST /api/v1/endpoints/{id}/routes", s.handleEndpointRoutes)
	return mux
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" || r.Header.Get(httputil.APISecretHeader) != s.secret {
			s.metrics.RecordAuthRejection("api_secret")
			writeError(w, http.StatusUnauthorized, "invalid api secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records one counter sample per request, labeled by the matched
// route pattern rather than the raw path so circuit IDs don't explode the
// label space.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := s.apiMux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RecordAPIRequest(pattern, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.store.IsHealthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses. Internal error
// text never leaks to clients on 5xx.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, registry.ErrCircuitNotFound),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, registry.ErrEndpointNotFound),
		errors.Is(err, registry.ErrStaticAddressNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrStaticAddressInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrWorkerNotAvailable),
		errors.Is(err, registry.ErrPortNotAvailable),
		errors.Is(err, circuit.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue(name))
}
