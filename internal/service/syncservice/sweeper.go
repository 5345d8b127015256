package syncservice

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/metrics"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// RunStagedSweeper periodically deletes staged rows older than the
// configured TTL. Abandoned uploads otherwise pin storage forever: the
// staged bytes count against the quota but never surface in a pull.
// Blocks until ctx is cancelled; returns immediately when the TTL or
// interval is non-positive.
func (s *Service) RunStagedSweeper(ctx context.Context) {
	ttl := s.Cfg.StagedRecordTTLMs
	interval := time.Duration(s.Cfg.StagedGCIntervalSecs) * time.Second
	if ttl <= 0 || interval <= 0 {
		log.Info().Msg("staged sweeper disabled")
		return
	}

	log.Info().Dur("interval", interval).Int64("ttlMs", ttl).Msg("staged sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := s.SweepStagedOnce(ctx); err != nil {
				log.Error().Err(err).Msg("staged sweep failed")
			} else if swept > 0 {
				log.Info().Int64("rows", swept).Msg("swept expired staged records")
			}
		}
	}
}

// SweepStagedOnce deletes every staged row past the TTL and rebuilds
// stored_b64 for each affected user. Returns the number of deleted rows.
func (s *Service) SweepStagedOnce(ctx context.Context) (int64, error) {
	cutoff := syncx.NowMs() - s.Cfg.StagedRecordTTLMs

	var swept int64
	err := db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		swept = 0

		rows, err := tx.Query(ctx,
			`SELECT DISTINCT user_id FROM staged_records WHERE updated_at_ms_utc < $1`,
			cutoff)
		if err != nil {
			return err
		}
		var users []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			users = append(users, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}

		ct, err := tx.Exec(ctx,
			`DELETE FROM staged_records WHERE updated_at_ms_utc < $1`, cutoff)
		if err != nil {
			return err
		}
		swept = ct.RowsAffected()

		for _, userID := range users {
			if _, err := recomputeStoredB64(ctx, tx, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.StagedRowsSwept.Add(float64(swept))
	return swept, nil
}
