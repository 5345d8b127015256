package syncservice

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/vaultodo/sync-api/internal/db"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// GetKeyBundle returns the stored blob with the authoritative
// bundleVersion overlaid, or ErrBundleNotFound.
func (s *Service) GetKeyBundle(ctx context.Context, userID int64) (map[string]any, error) {
	var raw []byte
	var version int64
	err := s.DB.QueryRow(ctx,
		`SELECT bundle_json, bundle_version FROM key_bundles WHERE user_id = $1`,
		userID).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}

	var bundle map[string]any
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, err
	}
	bundle["bundleVersion"] = version
	return bundle, nil
}

// PutKeyBundle replaces the user's bundle with compare-and-swap
// versioning. The caller must present the exact current version (0 when
// no bundle exists); the stored blob gets the incremented version and
// the write time stamped into it so readers see them without a second
// lookup.
func (s *Service) PutKeyBundle(ctx context.Context, userID, expectedVersion int64, bundle map[string]any) (map[string]any, error) {
	nowMs := syncx.NowMs()

	err := db.InSerializableTx(ctx, s.DB, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT bundle_version FROM key_bundles WHERE user_id = $1`,
			userID).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if expectedVersion != current {
			return ErrBundleConflict
		}
		newVersion := current + 1

		bundle["bundleVersion"] = newVersion
		bundle["updatedAtMsUtc"] = nowMs
		raw, err := json.Marshal(bundle)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO key_bundles (user_id, bundle_version, bundle_json, updated_at_ms_utc)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id) DO UPDATE SET
			   bundle_version = excluded.bundle_version,
			   bundle_json = excluded.bundle_json,
			   updated_at_ms_utc = excluded.updated_at_ms_utc`,
			userID, newVersion, raw, nowMs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}
