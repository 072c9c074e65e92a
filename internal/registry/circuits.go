package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// AddCircuitParams describes a circuit to provision
type AddCircuitParams struct {
	App      string
	Protocol types.ProxyProtocol
	AppMode  types.AppMode
	Routes   []types.RouteInfo

	// Attrs feed worker app-filter matching ("session.id", "endpoint.name", ...)
	Attrs map[string]string

	UserID     *uuid.UUID // interactive
	EndpointID *uuid.UUID // inference

	OpenToPublic     bool
	AllowedClientIPs []string

	// WorkerAuthority forces a specific worker; empty means pick one.
	WorkerAuthority string

	PreferredPort      int
	PreferredSubdomain string
	StaticAddressID    *uuid.UUID
}

// AddCircuit selects a worker, allocates an address on it, and persists the
// circuit, all inside one retryable SERIALIZABLE transaction. A concurrent
// allocation of the same address makes this transaction's view of the free
// set stale; the conflict rolls everything back and the whole operation is
// replayed, so no two circuits ever share an address on one worker.
func (r *Registry) AddCircuit(ctx context.Context, params AddCircuitParams) (*types.Circuit, error) {
	var created types.Circuit

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		worker, err := r.selectWorkerTx(ctx, tx, params)
		if err != nil {
			return err
		}

		circuits, err := r.listWorkerCircuitsTx(ctx, tx, worker.ID)
		if err != nil {
			return err
		}
		occupiedPorts, occupiedSubdomains := occupiedAddresses(circuits)

		preferredPort := params.PreferredPort
		preferredSubdomain := params.PreferredSubdomain

		var static *types.StaticAddress
		if params.StaticAddressID != nil {
			static, err = r.getStaticAddressTx(ctx, tx, *params.StaticAddressID)
			if err != nil {
				return err
			}
			if static.IsAllocated {
				return fmt.Errorf("%w: %s", ErrStaticAddressInUse, static.ID)
			}
			preferredPort = static.Port
			preferredSubdomain = static.Subdomain
		}

		now := time.Now().UTC()
		circuit := types.Circuit{
			ID:               uuid.New(),
			App:              params.App,
			Protocol:         params.Protocol,
			AppMode:          params.AppMode,
			FrontendMode:     worker.FrontendMode,
			WorkerID:         worker.ID,
			WorkerAuthority:  worker.Authority,
			Routes:           params.Routes,
			SessionIDs:       sessionIDs(params.Routes),
			OpenToPublic:     params.OpenToPublic,
			AllowedClientIPs: params.AllowedClientIPs,
			UserID:           params.UserID,
			EndpointID:       params.EndpointID,
			StaticAddressID:  params.StaticAddressID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		switch worker.FrontendMode {
		case types.FrontendModeWildcard:
			subdomain, err := allocateSubdomain(occupiedSubdomains, preferredSubdomain)
			if err != nil {
				return err
			}
			circuit.Subdomain = subdomain
		case types.FrontendModePort:
			port, err := allocatePort(worker.PortRangeStart, worker.PortRangeEnd, occupiedPorts, preferredPort)
			if err != nil {
				return err
			}
			circuit.Port = port
		}

		if err := circuit.Validate(); err != nil {
			return err
		}

		if err := r.insertCircuitTx(ctx, tx, circuit); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE workers SET occupied_slots = occupied_slots + 1, updated_at = $2 WHERE id = $1`,
			worker.ID, now,
		); err != nil {
			return fmt.Errorf("registry: bump occupied slots: %w", err)
		}

		if static != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE static_addresses SET is_allocated = TRUE, circuit_id = $2, updated_at = $3 WHERE id = $1`,
				static.ID, circuit.ID, now,
			); err != nil {
				return fmt.Errorf("registry: bind static address: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO circuit_stats (circuit_id, last_access) VALUES ($1, $2)`,
			circuit.ID, now,
		); err != nil {
			return fmt.Errorf("registry: seed circuit stats: %w", err)
		}

		created = circuit
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.attachEndpoint(ctx, &created); err != nil {
		return nil, err
	}

	r.logger.Info("circuit provisioned",
		"circuit_id", created.ID,
		"app", created.App,
		"protocol", created.Protocol,
		"app_mode", created.AppMode,
		"worker_authority", created.WorkerAuthority,
		"address", created.Address(),
		"routes", len(created.Routes),
	)
	return &created, nil
}

// selectWorkerTx resolves the forced worker or ranks the eligible fleet
func (r *Registry) selectWorkerTx(ctx context.Context, tx pgx.Tx, params AddCircuitParams) (*types.Worker, error) {
	if params.WorkerAuthority != "" {
		row := tx.QueryRow(ctx,
			`SELECT `+workerColumns+` FROM workers w WHERE w.authority = $1`,
			params.WorkerAuthority,
		)
		w, err := scanWorker(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, params.WorkerAuthority)
		}
		if err != nil {
			return nil, fmt.Errorf("registry: load worker: %w", err)
		}
		if w.Status != types.WorkerStatusAlive {
			return nil, fmt.Errorf("%w: worker %s is %s", ErrWorkerNotAvailable, w.Authority, w.Status)
		}
		return &w, nil
	}

	rows, err := tx.Query(ctx, `SELECT `+workerColumns+` FROM workers w WHERE w.status = $1`,
		types.WorkerStatusAlive)
	if err != nil {
		return nil, fmt.Errorf("registry: list alive workers: %w", err)
	}
	defer rows.Close()

	var workers []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return PickWorker(workers, PickWorkerRequest{
		Protocol: params.Protocol,
		AppMode:  params.AppMode,
		Attrs:    params.Attrs,
	})
}

func (r *Registry) listWorkerCircuitsTx(ctx context.Context, tx pgx.Tx, workerID uuid.UUID) ([]types.Circuit, error) {
	rows, err := tx.Query(ctx, `SELECT `+circuitColumns+` FROM circuits c WHERE c.worker_id = $1`, workerID)
	if err != nil {
		return nil, fmt.Errorf("registry: list worker circuits: %w", err)
	}
	defer rows.Close()

	var circuits []types.Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		circuits = append(circuits, c)
	}
	return circuits, rows.Err()
}

func (r *Registry) insertCircuitTx(ctx context.Context, tx pgx.Tx, c types.Circuit) error {
	var port *int
	if c.Port != 0 {
		port = &c.Port
	}
	var subdomain *string
	if c.Subdomain != "" {
		s := strings.ToLower(c.Subdomain)
		subdomain = &s
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO circuits (
			id, app, protocol, app_mode, frontend_mode, port, subdomain,
			worker_id, worker_authority, route_info, session_ids,
			open_to_public, allowed_client_ips, user_id, endpoint_id,
			static_address_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		c.ID, c.App, c.Protocol, c.AppMode, c.FrontendMode, port, subdomain,
		c.WorkerID, c.WorkerAuthority, marshalJSON(c.Routes), marshalJSON(c.SessionIDs),
		c.OpenToPublic, marshalJSON(c.AllowedClientIPs), c.UserID, c.EndpointID,
		c.StaticAddressID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("registry: insert circuit: %w", err)
	}
	return nil
}

// GetCircuit loads one circuit with its endpoint attached
func (r *Registry) GetCircuit(ctx context.Context, id uuid.UUID) (*types.Circuit, error) {
	row := r.pool.Pgx().QueryRow(ctx, `SELECT `+circuitColumns+` FROM circuits c WHERE c.id = $1`, id)
	c, err := scanCircuit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get circuit: %w", err)
	}
	if err := r.attachEndpoint(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCircuitsByAuthority returns every circuit bound to the authority's
// worker, endpoint rows attached. Workers call this on startup to recover
// their route tables.
func (r *Registry) ListCircuitsByAuthority(ctx context.Context, authority string) ([]types.Circuit, error) {
	rows, err := r.pool.Pgx().Query(ctx,
		`SELECT `+circuitColumns+` FROM circuits c WHERE c.worker_authority = $1`, authority)
	if err != nil {
		return nil, fmt.Errorf("registry: list circuits by authority: %w", err)
	}
	defer rows.Close()

	var circuits []types.Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		circuits = append(circuits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range circuits {
		if err := r.attachEndpoint(ctx, &circuits[i]); err != nil {
			return nil, err
		}
	}
	return circuits, nil
}

// ListHealthCheckedCircuits returns inference circuits whose endpoint has
// health checking enabled, grouped for the health engine
func (r *Registry) ListHealthCheckedCircuits(ctx context.Context) ([]types.Circuit, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+circuitColumns+`
		FROM circuits c
		JOIN endpoints e ON e.id = c.endpoint_id
		WHERE c.app_mode = $1 AND e.health_check_enabled`,
		types.AppModeInference)
	if err != nil {
		return nil, fmt.Errorf("registry: list health-checked circuits: %w", err)
	}
	defer rows.Close()

	var circuits []types.Circuit
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		circuits = append(circuits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range circuits {
		if err := r.attachEndpoint(ctx, &circuits[i]); err != nil {
			return nil, err
		}
	}
	return circuits, nil
}

// RemoveCircuits deletes circuits, releases their worker slots and static
// addresses, and returns the removed rows for propagation
func (r *Registry) RemoveCircuits(ctx context.Context, ids []uuid.UUID) ([]types.Circuit, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var removed []types.Circuit
	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		removed = removed[:0]
		now := time.Now().UTC()

		for _, id := range ids {
			row := tx.QueryRow(ctx, `SELECT `+circuitColumns+` FROM circuits c WHERE c.id = $1`, id)
			c, err := scanCircuit(row)
			if errors.Is(err, pgx.ErrNoRows) {
				r.logger.Warn("skipping removal of unknown circuit", "circuit_id", id)
				continue
			}
			if err != nil {
				return fmt.Errorf("registry: load circuit for removal: %w", err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM circuits WHERE id = $1`, id); err != nil {
				return fmt.Errorf("registry: delete circuit: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE workers SET occupied_slots = GREATEST(occupied_slots - 1, 0), updated_at = $2 WHERE id = $1`,
				c.WorkerID, now,
			); err != nil {
				return fmt.Errorf("registry: release worker slot: %w", err)
			}
			if c.StaticAddressID != nil {
				if _, err := tx.Exec(ctx,
					`UPDATE static_addresses SET is_allocated = FALSE, circuit_id = NULL, updated_at = $2 WHERE id = $1`,
					*c.StaticAddressID, now,
				); err != nil {
					return fmt.Errorf("registry: release static address: %w", err)
				}
			}
			removed = append(removed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range removed {
		r.logger.Info("circuit removed",
			"circuit_id", c.ID,
			"worker_authority", c.WorkerAuthority,
			"address", c.Address(),
		)
	}
	return removed, nil
}

// RouteHealthUpdate carries one probed route's results
type RouteHealthUpdate struct {
	RouteID             uuid.UUID
	Status              *types.HealthStatus
	LastCheck           time.Time
	ConsecutiveFailures int
}

// UpdateRouteHealth applies probe results to a circuit's route list and
// writes the list back wholesale in one transaction. Unknown route ids are
// stale health updates: logged and skipped, never fatal. Returns the updated
// circuit and the ids of routes whose status value actually changed.
func (r *Registry) UpdateRouteHealth(ctx context.Context, circuitID uuid.UUID, updates []RouteHealthUpdate) (*types.Circuit, []uuid.UUID, error) {
	var (
		updated types.Circuit
		changed []uuid.UUID
	)

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		changed = changed[:0]

		row := tx.QueryRow(ctx, `SELECT `+circuitColumns+` FROM circuits c WHERE c.id = $1`, circuitID)
		c, err := scanCircuit(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCircuitNotFound, circuitID)
		}
		if err != nil {
			return fmt.Errorf("registry: load circuit for health update: %w", err)
		}

		for _, u := range updates {
			lastCheck := u.LastCheck
			failures := u.ConsecutiveFailures
			didChange, found := c.UpdateRouteHealth(u.RouteID, u.Status, &lastCheck, &failures)
			if !found {
				r.logger.Warn("stale route id in health update, skipping",
					"circuit_id", circuitID,
					"route_id", u.RouteID,
				)
				continue
			}
			if didChange {
				changed = append(changed, u.RouteID)
			}
		}

		c.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE circuits SET route_info = $2, updated_at = $3 WHERE id = $1`,
			c.ID, marshalJSON(c.Routes), c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("registry: write back route_info: %w", err)
		}

		updated = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := r.attachEndpoint(ctx, &updated); err != nil {
		return nil, nil, err
	}
	return &updated, changed, nil
}

// UpdateEndpointRoutes merges an endpoint's desired route list into its
// circuit, preserving the health fields of routes that survive (matched by
// session id). Returns the updated circuit plus the pre-merge routes so the
// caller can propagate the difference.
func (r *Registry) UpdateEndpointRoutes(ctx context.Context, endpointID uuid.UUID, incoming []types.RouteInfo) (*types.Circuit, []types.RouteInfo, error) {
	var (
		updated   types.Circuit
		oldRoutes []types.RouteInfo
	)

	err := r.inSerializableTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+circuitColumns+` FROM circuits c WHERE c.endpoint_id = $1`, endpointID)
		c, err := scanCircuit(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no circuit for endpoint %s", ErrCircuitNotFound, endpointID)
		}
		if err != nil {
			return fmt.Errorf("registry: load endpoint circuit: %w", err)
		}

		oldRoutes = c.Routes
		c.Routes = mergeRoutes(c.Routes, incoming)
		c.SessionIDs = sessionIDs(c.Routes)
		c.UpdatedAt = time.Now().UTC()

		if _, err := tx.Exec(ctx,
			`UPDATE circuits SET route_info = $2, session_ids = $3, updated_at = $4 WHERE id = $1`,
			c.ID, marshalJSON(c.Routes), marshalJSON(c.SessionIDs), c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("registry: write back merged routes: %w", err)
		}

		updated = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := r.attachEndpoint(ctx, &updated); err != nil {
		return nil, nil, err
	}
	return &updated, oldRoutes, nil
}

// mergeRoutes replaces a circuit's route list with the incoming one while
// carrying over health state for routes that persist across the update
// (matched by session id). Traffic ratios arrive already defaulted by the
// API layer; an explicit 0 is a drained route and must survive the merge.
func mergeRoutes(existing, incoming []types.RouteInfo) []types.RouteInfo {
	bySession := make(map[uuid.UUID]types.RouteInfo, len(existing))
	for _, route := range existing {
		bySession[route.SessionID] = route
	}

	merged := make([]types.RouteInfo, 0, len(incoming))
	for _, route := range incoming {
		if prev, ok := bySession[route.SessionID]; ok {
			route.HealthStatus = prev.HealthStatus
			route.LastHealthCheck = prev.LastHealthCheck
			route.ConsecutiveFailures = prev.ConsecutiveFailures
		}
		merged = append(merged, route)
	}
	return merged
}

func sessionIDs(routes []types.RouteInfo) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(routes))
	for _, route := range routes {
		ids = append(ids, route.SessionID)
	}
	return ids
}

// attachEndpoint loads the endpoint row for inference circuits so
// HealthyRoutes can apply the health filter
func (r *Registry) attachEndpoint(ctx context.Context, c *types.Circuit) error {
	if c.EndpointID == nil {
		return nil
	}
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints e WHERE e.id = $1`, *c.EndpointID)
	e, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Endpoint rows can disappear before their circuit does; treat the
		// circuit as not health-checked.
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: attach endpoint: %w", err)
	}
	c.Endpoint = &e
	return nil
}
