package db

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// InSerializableTx runs fn inside a SERIALIZABLE transaction, retrying on
// serialization failures and deadlocks. All multi-step sync mutations
// (push batches, ghost GC, sweeps) go through here; per-user writes
// contend on the server_seq row, so retries are short-lived.
func InSerializableTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	return retry.Do(
		func() error {
			tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isRetryableTxError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Err(err).Msg("retrying serializable transaction")
		}),
	)
}

// isRetryableTxError matches SQLSTATE 40001 (serialization_failure) and
// 40P01 (deadlock_detected); anything else aborts the request.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
