package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/circuitproxy/circuitproxy/internal/types"
)

// StatDelta is one batched usage update from the data plane: a last-access
// mark plus the number of requests forwarded since the previous flush
type StatDelta struct {
	CircuitID  uuid.UUID
	LastAccess time.Time
	Requests   int64
}

// BumpCircuitStats applies a flushed batch of usage deltas. Rows for
// circuits deleted since the batch was queued are skipped silently.
func (r *Registry) BumpCircuitStats(ctx context.Context, deltas []StatDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`
			INSERT INTO circuit_stats (circuit_id, last_access, request_count)
			SELECT id, $2, $3 FROM circuits WHERE id = $1
			ON CONFLICT (circuit_id) DO UPDATE SET
				last_access = GREATEST(circuit_stats.last_access, EXCLUDED.last_access),
				request_count = circuit_stats.request_count + EXCLUDED.request_count`,
			d.CircuitID, d.LastAccess.UTC(), d.Requests,
		)
	}

	results := r.pool.Pgx().SendBatch(ctx, batch)
	defer results.Close()

	for range deltas {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("registry: bump circuit stats: %w", err)
		}
	}
	return nil
}

// CircuitStats is the usage view of one circuit
type CircuitStats struct {
	CircuitID    uuid.UUID  `json:"circuit_id"`
	LastAccess   *time.Time `json:"last_access"`
	RequestCount int64      `json:"request_count"`
}

// GetCircuitStats loads the usage counters for one circuit
func (r *Registry) GetCircuitStats(ctx context.Context, circuitID uuid.UUID) (*CircuitStats, error) {
	s := CircuitStats{CircuitID: circuitID}
	err := r.pool.Pgx().QueryRow(ctx,
		`SELECT last_access, request_count FROM circuit_stats WHERE circuit_id = $1`,
		circuitID,
	).Scan(&s.LastAccess, &s.RequestCount)
	if err != nil {
		return nil, fmt.Errorf("registry: get circuit stats: %w", err)
	}
	return &s, nil
}

// ListIdleInteractiveCircuits returns interactive HTTP circuits whose last
// access (falling back to creation time for circuits never touched) is older
// than the cutoff. Inference circuits are never idle-collected.
func (r *Registry) ListIdleInteractiveCircuits(ctx context.Context, cutoff time.Time) ([]types.Circuit, error) {
	rows, err := r.pool.Pgx().Query(ctx, `
		SELECT `+circuitColumns+`
		FROM circuits c
		LEFT JOIN circuit_stats cs ON cs.circuit_id = c.id
		WHERE c.app_mode = $1
		  AND c.protocol = $2
		  AND COALESCE(cs.last_access, c.created_at) < $3`,
		types.AppModeInteractive, types.ProtocolHTTP, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: list idle circuits: %w", err)
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
