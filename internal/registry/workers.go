package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// UpsertWorker registers a worker or refreshes an existing registration
// (matched by authority). Re-registration resets the worker to alive and
// updates its capacity descriptor; occupied slots are preserved since the
// worker's circuits still exist.
func (r *Registry) UpsertWorker(ctx context.Context, w types.Worker) (*types.Worker, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Nodes <= 0 {
		w.Nodes = 1
	}
	if w.FrontendMode == types.FrontendModeWildcard {
		w.AvailableSlots = types.UnlimitedSlots
	} else if w.AvailableSlots == 0 {
		w.AvailableSlots = w.PortRangeEnd - w.PortRangeStart + 1
	}
	now := time.Now().UTC()

	row := r.pool.Pgx().QueryRow(ctx, `
		INSERT INTO workers (
			id, authority, frontend_mode, protocols, accepted_app_modes,
			hostname, port_range_start, port_range_end, wildcard_domain,
			wildcard_traffic_port, tls_listen, available_slots,
			filtered_apps_only, app_filters, status, nodes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		ON CONFLICT (authority) DO UPDATE SET
			frontend_mode = EXCLUDED.frontend_mode,
			protocols = EXCLUDED.protocols,
			accepted_app_modes = EXCLUDED.accepted_app_modes,
			hostname = EXCLUDED.hostname,
			port_range_start = EXCLUDED.port_range_start,
			port_range_end = EXCLUDED.port_range_end,
			wildcard_domain = EXCLUDED.wildcard_domain,
			wildcard_traffic_port = EXCLUDED.wildcard_traffic_port,
			tls_listen = EXCLUDED.tls_listen,
			available_slots = EXCLUDED.available_slots,
			filtered_apps_only = EXCLUDED.filtered_apps_only,
			app_filters = EXCLUDED.app_filters,
			status = EXCLUDED.status,
			nodes = EXCLUDED.nodes,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		w.ID, w.Authority, w.FrontendMode, marshalJSON(w.Protocols), marshalJSON(w.AcceptedAppModes),
		w.Hostname, w.PortRangeStart, w.PortRangeEnd, w.WildcardDomain,
		w.WildcardTrafficPort, w.TLSListen, w.AvailableSlots,
		w.FilteredAppsOnly, marshalJSON(w.AppFilters), types.WorkerStatusAlive, w.Nodes, now,
	)
	if err := row.Scan(&w.ID); err != nil {
		return nil, fmt.Errorf("registry: upsert worker %s: %w", w.Authority, err)
	}

	r.logger.Info("worker registered",
		"authority", w.Authority,
		"frontend_mode", w.FrontendMode,
		"available_slots", w.AvailableSlots,
		"nodes", w.Nodes,
	)
	return r.GetWorkerByAuthority(ctx, w.Authority)
}

// GetWorkerByAuthority loads one worker
func (r *Registry) GetWorkerByAuthority(ctx context.Context, authority string) (*types.Worker, error) {
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers w WHERE w.authority = $1`, authority)
	w, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, authority)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get worker: %w", err)
	}
	return &w, nil
}

// ListWorkers returns the whole fleet
func (r *Registry) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	rows, err := r.pool.Pgx().Query(ctx, `SELECT `+workerColumns+` FROM workers w ORDER BY w.authority`)
	if err != nil {
		return nil, fmt.Errorf("registry: list workers: %w", err)
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
	return workers, rows.Err()
}

// TouchWorker refreshes a worker's heartbeat timestamp and revives a LOST
// worker that reports back
func (r *Registry) TouchWorker(ctx context.Context, authority string) error {
	tag, err := r.pool.Pgx().Exec(ctx, `
		UPDATE workers SET updated_at = $2,
			status = CASE WHEN status = $3 THEN $4 ELSE status END
		WHERE authority = $1`,
		authority, time.Now().UTC(), types.WorkerStatusLost, types.WorkerStatusAlive,
	)
	if err != nil {
		return fmt.Errorf("registry: touch worker %s: %w", authority, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, authority)
	}
	return nil
}

// MarkLostWorkers flips alive workers whose heartbeat is older than the
// cutoff to LOST. Circuits are left untouched: losing heartbeats is a
// liveness signal, not a teardown order.
func (r *Registry) MarkLostWorkers(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := r.pool.Pgx().Query(ctx, `
		UPDATE workers SET status = $1
		WHERE status = $2 AND updated_at < $3
		RETURNING authority`,
		types.WorkerStatusLost, types.WorkerStatusAlive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: mark lost workers: %w", err)
	}
	defer rows.Close()

	var lost []string
	for rows.Next() {
		var authority string
		if err := rows.Scan(&authority); err != nil {
			return nil, err
		}
		lost = append(lost, authority)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, authority := range lost {
		r.logger.Warn("worker lost: heartbeat expired",
			"authority", authority,
			"cutoff", cutoff,
		)
	}
	return lost, nil
}
