package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/circuitproxy/circuitproxy/internal/circuit"
	"github.com/circuitproxy/circuitproxy/internal/registry"
	"github.com/circuitproxy/circuitproxy/internal/types"
)

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var announcement types.Worker
	if err := json.NewDecoder(r.Body).Decode(&announcement); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if announcement.Authority == "" {
		writeError(w, http.StatusBadRequest, "authority is required")
		return
	}
	if !announcement.FrontendMode.Valid() {
		writeError(w, http.StatusBadRequest, "unknown frontend_mode")
		return
	}

	worker, err := s.store.UpsertWorker(r.Context(), announcement)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	authority := r.PathValue("authority")
	if err := s.store.TouchWorker(r.Context(), authority); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerCircuits(w http.ResponseWriter, r *http.Request) {
	authority := r.PathValue("authority")
	circuits, err := s.store.ListCircuitsByAuthority(r.Context(), authority)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	if circuits == nil {
		circuits = []types.Circuit{}
	}
	writeJSON(w, http.StatusOK, circuits)
}

func (s *Server) handleCreateCircuit(w http.ResponseWriter, r *http.Request) {
	var req createCircuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.metrics.RecordCreateFailure("validation")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	protocol := types.ProxyProtocol(req.Protocol)
	routes := make([]types.RouteInfo, 0, len(req.Routes))
	for i := range req.Routes {
		route, err := req.Routes[i].toRouteInfo(protocol)
		if err != nil {
			s.metrics.RecordCreateFailure("validation")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		routes = append(routes, route)
	}

	created, err := s.service.CreateCircuit(r.Context(), registry.AddCircuitParams{
		App:                req.App,
		Protocol:           protocol,
		AppMode:            types.AppMode(req.AppMode),
		Routes:             routes,
		Attrs:              req.Attrs,
		UserID:             req.UserID,
		EndpointID:         req.EndpointID,
		OpenToPublic:       req.OpenToPublic,
		AllowedClientIPs:   req.AllowedClientIPs,
		WorkerAuthority:    req.WorkerAuthority,
		PreferredPort:      req.PreferredPort,
		PreferredSubdomain: req.PreferredSubdomain,
		StaticAddressID:    req.StaticAddressID,
	})
	if err != nil {
		s.metrics.RecordCreateFailure(createFailureReason(err))
		writeServiceError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func createFailureReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrWorkerNotAvailable):
		return "no_worker"
	case errors.Is(err, registry.ErrPortNotAvailable):
		return "no_address"
	case errors.Is(err, registry.ErrStaticAddressInUse):
		return "static_address_in_use"
	case errors.Is(err, circuit.ErrServiceUnavailable):
		return "ack_timeout"
	default:
		return "internal"
	}
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid circuit id")
		return
	}
	c, err := s.store.GetCircuit(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRemoveCircuit(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid circuit id")
		return
	}
	removed, err := s.service.RemoveCircuit(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleUpsertEndpoint(w http.ResponseWriter, r *http.Request) {
	var payload endpointPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	endpoint, err := payload.toEndpoint()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.store.UpsertEndpoint(r.Context(), endpoint)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleEndpointRoutes(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint id")
		return
	}

	var req endpointRoutesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Routes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one route is required")
		return
	}

	routes := make([]types.RouteInfo, 0, len(req.Routes))
	for i := range req.Routes {
		route, err := req.Routes[i].toRouteInfo(types.ProtocolHTTP)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		routes = append(routes, route)
	}

	updated, err := s.service.UpdateEndpointRoutes(r.Context(), id, routes)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
