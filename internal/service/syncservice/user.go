package syncservice

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/vaultodo/sync-api/internal/syncx"
)

// BillingUser is the users-row slice the quota machinery needs.
type BillingUser struct {
	ID                         int64
	BaseStorageB64             *int64
	BaseOutboundBytes          *int64
	SubscriptionPlanID         *string
	SubscriptionExpiresAtMsUtc *int64
	BannedAtMsUtc              *int64
	StoredB64                  int64
	APIOutboundBytes           int64
	APIOutboundMonthUtc        int64
}

// loadBillingUser rolls the monthly outbound counter over if the UTC
// month changed, clears a stale subscription in place, and returns the
// resulting row. Must run inside the request transaction.
func loadBillingUser(ctx context.Context, tx pgx.Tx, userID, nowMs int64) (*BillingUser, error) {
	monthKey := syncx.MonthKeyUTC(nowMs)

	// Race-safe: the reset happens in one conditional statement, so two
	// concurrent requests at a month boundary cannot double-charge.
	if _, err := tx.Exec(ctx,
		`UPDATE users
		 SET api_outbound_bytes = 0, api_outbound_month_utc = $2
		 WHERE id = $1 AND api_outbound_month_utc <> $2`, userID, monthKey); err != nil {
		return nil, err
	}

	u := &BillingUser{ID: userID}
	err := tx.QueryRow(ctx,
		`SELECT base_storage_b64, base_outbound_bytes,
		        subscription_plan_id, subscription_expires_at_ms_utc,
		        banned_at_ms_utc, stored_b64,
		        api_outbound_bytes, api_outbound_month_utc
		 FROM users WHERE id = $1`, userID).Scan(
		&u.BaseStorageB64, &u.BaseOutboundBytes,
		&u.SubscriptionPlanID, &u.SubscriptionExpiresAtMsUtc,
		&u.BannedAtMsUtc, &u.StoredB64,
		&u.APIOutboundBytes, &u.APIOutboundMonthUtc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if err := clearSubscriptionIfExpired(ctx, tx, u, nowMs); err != nil {
		return nil, err
	}
	return u, nil
}

// clearSubscriptionIfExpired lazily nulls an expired subscription, both
// in the row and in u. Idempotent.
func clearSubscriptionIfExpired(ctx context.Context, tx pgx.Tx, u *BillingUser, nowMs int64) error {
	if u.SubscriptionPlanID == nil {
		return nil
	}
	expiresAt := int64(0)
	if u.SubscriptionExpiresAtMsUtc != nil {
		expiresAt = *u.SubscriptionExpiresAtMsUtc
	}
	if expiresAt > nowMs {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users
		 SET subscription_plan_id = NULL, subscription_expires_at_ms_utc = NULL
		 WHERE id = $1
		   AND subscription_plan_id IS NOT NULL
		   AND COALESCE(subscription_expires_at_ms_utc, 0) <= $2`, u.ID, nowMs); err != nil {
		return err
	}
	u.SubscriptionPlanID = nil
	u.SubscriptionExpiresAtMsUtc = nil
	return nil
}

// recomputeStoredB64 rebuilds the user's stored byte tally from the sum
// over committed and staged rows and returns the new value.
func recomputeStoredB64(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var stored int64
	err := tx.QueryRow(ctx,
		`UPDATE users
		 SET stored_b64 =
		   (SELECT COALESCE(SUM(length(nonce) + length(ciphertext)), 0)
		    FROM records WHERE user_id = $1)
		 + (SELECT COALESCE(SUM(length(nonce) + length(ciphertext)), 0)
		    FROM staged_records WHERE user_id = $1)
		 WHERE id = $1
		 RETURNING stored_b64`, userID).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return stored, nil
}
