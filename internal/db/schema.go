package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// schemaDDL is idempotent and applied at startup. Column names are part
// of the wire-adjacent contract (admin tooling reads them directly).
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		oauth_provider TEXT NOT NULL,
		oauth_sub TEXT NOT NULL,
		created_at_ms_utc BIGINT NOT NULL,
		base_storage_b64 BIGINT,
		base_outbound_bytes BIGINT,
		subscription_plan_id TEXT,
		subscription_expires_at_ms_utc BIGINT,
		banned_at_ms_utc BIGINT,
		stored_b64 BIGINT NOT NULL DEFAULT 0,
		api_outbound_bytes BIGINT NOT NULL DEFAULT 0,
		api_outbound_month_utc BIGINT NOT NULL DEFAULT 0,
		UNIQUE (oauth_provider, oauth_sub)
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		hlc_wall_ms_utc BIGINT NOT NULL,
		hlc_counter BIGINT NOT NULL,
		hlc_device_id TEXT NOT NULL,
		deleted_at_ms_utc BIGINT,
		schema_version BIGINT NOT NULL,
		dek_id TEXT NOT NULL,
		algo TEXT NOT NULL,
		nonce TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		server_seq BIGINT NOT NULL,
		updated_at_ms_utc BIGINT NOT NULL,
		PRIMARY KEY (user_id, type, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_user_seq
		ON records (user_id, server_seq)`,
	`CREATE TABLE IF NOT EXISTS staged_records (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		hlc_wall_ms_utc BIGINT NOT NULL,
		hlc_counter BIGINT NOT NULL,
		hlc_device_id TEXT NOT NULL,
		deleted_at_ms_utc BIGINT,
		schema_version BIGINT NOT NULL,
		dek_id TEXT NOT NULL,
		algo TEXT NOT NULL,
		nonce TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		updated_at_ms_utc BIGINT NOT NULL,
		PRIMARY KEY (user_id, type, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_staged_records_updated
		ON staged_records (updated_at_ms_utc)`,
	`CREATE TABLE IF NOT EXISTS server_seq (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		next_seq BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS attachment_refs (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		attachment_id TEXT NOT NULL,
		todo_id TEXT NOT NULL,
		updated_at_ms_utc BIGINT NOT NULL,
		UNIQUE (user_id, attachment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS key_bundles (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		bundle_version BIGINT NOT NULL,
		bundle_json TEXT NOT NULL,
		updated_at_ms_utc BIGINT NOT NULL
	)`,
}

// Migrate applies the schema. Safe to run on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range schemaDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(schemaDDL)).Msg("schema migration applied")
	return nil
}
