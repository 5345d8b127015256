package syncservice

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/metrics"
	"github.com/vaultodo/sync-api/internal/syncx"
)

const (
	// DefaultPullLimit applies when the client omits limit.
	DefaultPullLimit = 200
	// MaxPullLimit caps a single page.
	MaxPullLimit = 500
)

// Pull returns committed records after the since cursor in server_seq
// order. Rows authored by excludeDeviceID are filtered before the limit
// applies, so a device skipping its own echoes still fills pages.
//
// On an empty page nextSince is the user's current head, even when that
// is below since. A client restored from backup holds a cursor from a
// future the server never saw; reporting the real head rolls it back.
func (s *Service) Pull(ctx context.Context, userID, since, limit int64, excludeDeviceID string) (*PullResult, EffectiveQuota, error) {
	if since < 0 {
		since = 0
	}
	// An explicit limit of 0 or less clamps to 1, not to the default;
	// the handler substitutes the default only when the param is absent.
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	var result PullResult
	var quota EffectiveQuota

	err := db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		nowMs := syncx.NowMs()

		u, err := loadBillingUser(ctx, tx, userID, nowMs)
		if err != nil {
			return err
		}
		if u.BannedAtMsUtc != nil {
			return ErrBanned
		}
		quota = s.quotaFor(u, nowMs)
		if overOutbound(quota, u) {
			return ErrOverQuota
		}

		const cols = `type, record_id,
		              hlc_wall_ms_utc, hlc_counter, hlc_device_id,
		              deleted_at_ms_utc, schema_version, dek_id,
		              algo, nonce, ciphertext, server_seq`
		var rows pgx.Rows
		if excludeDeviceID != "" {
			rows, err = tx.Query(ctx,
				`SELECT `+cols+`
				 FROM records
				 WHERE user_id = $1 AND server_seq > $2 AND hlc_device_id <> $3
				 ORDER BY server_seq ASC LIMIT $4`,
				userID, since, excludeDeviceID, limit)
		} else {
			rows, err = tx.Query(ctx,
				`SELECT `+cols+`
				 FROM records
				 WHERE user_id = $1 AND server_seq > $2
				 ORDER BY server_seq ASC LIMIT $3`,
				userID, since, limit)
		}
		if err != nil {
			return err
		}

		result = PullResult{Records: []Envelope{}}
		var lastSeq int64
		for rows.Next() {
			var env Envelope
			if err := rows.Scan(&env.Type, &env.RecordID,
				&env.HLC.WallTimeMsUtc, &env.HLC.Counter, &env.HLC.DeviceID,
				&env.DeletedAtMsUtc, &env.SchemaVersion, &env.DekID,
				&env.PayloadAlgo, &env.Nonce, &env.Ciphertext, &lastSeq); err != nil {
				rows.Close()
				return err
			}
			result.Records = append(result.Records, env)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(result.Records) > 0 {
			result.NextSince = lastSeq
		} else {
			var head int64
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(server_seq), 0) FROM records WHERE user_id = $1`,
				userID).Scan(&head); err != nil {
				return err
			}
			result.NextSince = head
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrBanned) && !errors.Is(err, ErrOverQuota) {
			log.Error().Err(err).Int64("userId", userID).Msg("pull failed")
		}
		return nil, EffectiveQuota{}, err
	}

	metrics.PullRecords.Add(float64(len(result.Records)))
	return &result, quota, nil
}
