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

// ReserveStaticAddress records a pre-reserved port or subdomain whose
// lifecycle is decoupled from any one circuit
func (r *Registry) ReserveStaticAddress(ctx context.Context, s types.StaticAddress) (*types.StaticAddress, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	switch s.FrontendMode {
	case types.FrontendModePort:
		if s.Port == 0 {
			return nil, fmt.Errorf("registry: static address needs a port")
		}
	case types.FrontendModeWildcard:
		if s.Subdomain == "" {
			return nil, fmt.Errorf("registry: static address needs a subdomain")
		}
		s.Subdomain = strings.ToLower(s.Subdomain)
	default:
		return nil, fmt.Errorf("registry: unknown frontend mode %q", s.FrontendMode)
	}

	var port *int
	if s.Port != 0 {
		port = &s.Port
	}
	var subdomain *string
	if s.Subdomain != "" {
		subdomain = &s.Subdomain
	}
	now := time.Now().UTC()

	_, err := r.pool.Pgx().Exec(ctx, `
		INSERT INTO static_addresses (id, frontend_mode, port, subdomain, is_allocated, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $7)`,
		s.ID, s.FrontendMode, port, subdomain, s.Name, s.Description, now,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: reserve static address: %w", err)
	}

	r.logger.Info("static address reserved",
		"static_address_id", s.ID,
		"address", s.AddressDisplay(),
	)
	return r.GetStaticAddress(ctx, s.ID)
}

// GetStaticAddress loads one static address
func (r *Registry) GetStaticAddress(ctx context.Context, id uuid.UUID) (*types.StaticAddress, error) {
	row := r.pool.Pgx().QueryRow(ctx,
		`SELECT `+staticAddressColumns+` FROM static_addresses s WHERE s.id = $1`, id)
	s, err := scanStaticAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStaticAddressNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get static address: %w", err)
	}
	return &s, nil
}

func (r *Registry) getStaticAddressTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*types.StaticAddress, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+staticAddressColumns+` FROM static_addresses s WHERE s.id = $1`, id)
	s, err := scanStaticAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStaticAddressNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get static address: %w", err)
	}
	return &s, nil
}

// ReleaseStaticAddress deletes the reservation. Fails while a circuit is
// still bound to it.
func (r *Registry) ReleaseStaticAddress(ctx context.Context, id uuid.UUID) error {
	s, err := r.GetStaticAddress(ctx, id)
	if err != nil {
		return err
	}
	if s.IsAllocated {
		return fmt.Errorf("%w: %s is bound to circuit %v", ErrStaticAddressInUse, id, s.CircuitID)
	}

	tag, err := r.pool.Pgx().Exec(ctx, `DELETE FROM static_addresses WHERE id = $1 AND NOT is_allocated`, id)
	if err != nil {
		return fmt.Errorf("registry: release static address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStaticAddressInUse, id)
	}

	r.logger.Info("static address released", "static_address_id", id)
	return nil
}
