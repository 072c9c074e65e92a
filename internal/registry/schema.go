package registry

import (
	"context"
	"fmt"
)

// schemaDDL creates the control-plane tables. Statements are idempotent so
// every coordinator boot can run them.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		id UUID PRIMARY KEY,
		authority TEXT NOT NULL UNIQUE,
		frontend_mode TEXT NOT NULL,
		protocols JSONB NOT NULL DEFAULT '[]',
		accepted_app_modes JSONB NOT NULL DEFAULT '[]',
		hostname TEXT NOT NULL DEFAULT '',
		port_range_start INT NOT NULL DEFAULT 0,
		port_range_end INT NOT NULL DEFAULT 0,
		wildcard_domain TEXT NOT NULL DEFAULT '',
		wildcard_traffic_port INT NOT NULL DEFAULT 0,
		tls_listen BOOLEAN NOT NULL DEFAULT FALSE,
		available_slots INT NOT NULL,
		occupied_slots INT NOT NULL DEFAULT 0,
		filtered_apps_only BOOLEAN NOT NULL DEFAULT FALSE,
		app_filters JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		nodes INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS endpoints (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		health_check_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		health_check JSONB,
		last_health_sweep TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS circuits (
		id UUID PRIMARY KEY,
		app TEXT NOT NULL,
		protocol TEXT NOT NULL,
		app_mode TEXT NOT NULL,
		frontend_mode TEXT NOT NULL,
		port INT,
		subdomain TEXT,
		worker_id UUID NOT NULL REFERENCES workers (id),
		worker_authority TEXT NOT NULL,
		route_info JSONB NOT NULL DEFAULT '[]',
		session_ids JSONB NOT NULL DEFAULT '[]',
		open_to_public BOOLEAN NOT NULL DEFAULT FALSE,
		allowed_client_ips JSONB NOT NULL DEFAULT '[]',
		user_id UUID,
		endpoint_id UUID REFERENCES endpoints (id),
		static_address_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// One address per worker. NULLs do not collide, so port-mode and
	// wildcard-mode circuits each get their own constraint.
	`CREATE UNIQUE INDEX IF NOT EXISTS circuits_worker_port_idx
		ON circuits (worker_id, port) WHERE port IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS circuits_worker_subdomain_idx
		ON circuits (worker_id, subdomain) WHERE subdomain IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS circuits_endpoint_idx
		ON circuits (endpoint_id) WHERE endpoint_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS static_addresses (
		id UUID PRIMARY KEY,
		frontend_mode TEXT NOT NULL,
		port INT,
		subdomain TEXT,
		is_allocated BOOLEAN NOT NULL DEFAULT FALSE,
		circuit_id UUID,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS circuit_stats (
		circuit_id UUID PRIMARY KEY REFERENCES circuits (id) ON DELETE CASCADE,
		last_access TIMESTAMPTZ,
		request_count BIGINT NOT NULL DEFAULT 0
	)`,

	// Outbox for the LISTEN/NOTIFY event bus.
	`CREATE TABLE IF NOT EXISTS proxy_events (
		id BIGSERIAL PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the control-plane tables if they do not exist
func (r *Registry) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := r.pool.Pgx().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("registry: ensure schema: %w", err)
		}
	}
	r.logger.Debug("registry schema ensured", "statements", len(schemaDDL))
	return nil
}
