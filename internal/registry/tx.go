package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes that mean "roll back and replay the whole transaction".
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

// isRetryableTxError reports whether the error is a serialization conflict
// that a full replay can resolve
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
}

// inSerializableTx runs fn inside a SERIALIZABLE transaction, replaying the
// whole function from scratch on serialization conflicts. fn must not keep
// state across attempts: everything it read in a failed attempt is stale.
func (r *Registry) inSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error

	for attempt := 0; attempt < r.txRetries; attempt++ {
		err := pgx.BeginTxFunc(ctx, r.pool.Pgx(), pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}

		lastErr = err
		r.logger.Debug("serialization conflict, replaying transaction",
			"attempt", attempt+1,
			"max_attempts", r.txRetries,
		)
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrTxRetriesExhausted, r.txRetries, lastErr)
}
