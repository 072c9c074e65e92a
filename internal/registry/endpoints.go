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

// UpsertEndpoint creates or refreshes inference endpoint metadata
func (r *Registry) UpsertEndpoint(ctx context.Context, e types.Endpoint) (*types.Endpoint, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.HealthCheck != nil {
		e.HealthCheck.ApplyDefaults()
	}

	var healthCheck []byte
	if e.HealthCheck != nil {
		healthCheck = marshalJSON(e.HealthCheck)
	}

	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO endpoints (id, name, health_check_enabled, health_check, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			health_check_enabled = EXCLUDED.health_check_enabled,
			health_check = EXCLUDED.health_check`,
		e.ID, e.Name, e.HealthCheckEnabled, healthCheck, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: upsert endpoint %s: %w", e.ID, err)
	}
	return r.GetEndpoint(ctx, e.ID)
}

// GetEndpoint loads one endpoint
func (r *Registry) GetEndpoint(ctx context.Context, id uuid.UUID) (*types.Endpoint, error) {
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints e WHERE e.id = $1`, id)
	e, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get endpoint: %w", err)
	}
	return &e, nil
}

// RemoveEndpoint deletes endpoint metadata. Its circuit, if any, must be
// removed first by the caller.
func (r *Registry) RemoveEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Pgx().Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("registry: remove endpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
	}
	return nil
}

// TouchEndpointSweep persists the completion time of a health sweep for the
// endpoint, so the per-interval gate survives coordinator restarts
func (r *Registry) TouchEndpointSweep(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.pool.Pgx().Exec(ctx,
		`UPDATE endpoints SET last_health_sweep = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("registry: touch endpoint sweep %s: %w", id, err)
	}
	return nil
}
