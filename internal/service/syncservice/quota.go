package syncservice

import (
	"context"
	"math"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultodo/sync-api/internal/config"
)

// EffectiveQuota is the result of evaluating a user's base allowances
// plus any currently-active subscription. Nil limits mean unlimited.
type EffectiveQuota struct {
	BaseStorageB64       *int64
	BaseOutboundBytes    *int64
	BonusStorageB64      int64
	BonusOutboundBytes   int64
	AllowedStorageB64    *int64
	AllowedOutboundBytes *int64
	ActivePlanID         *string
	ActivePlanName       *string
	ExpiresAtMsUtc       *int64
}

// ComputeEffectiveQuota evaluates the quota for a user row at nowMs.
// Per-user overrides beat the fleet defaults; an unexpired plan adds its
// bonuses on top. Callers must have run clearSubscriptionIfExpired first
// so a stale plan never contributes.
func ComputeEffectiveQuota(plans map[string]config.Plan, defaultStorage, defaultOutbound *int64, u *BillingUser, nowMs int64) EffectiveQuota {
	q := EffectiveQuota{
		BaseStorageB64:    defaultStorage,
		BaseOutboundBytes: defaultOutbound,
	}
	if u.BaseStorageB64 != nil {
		q.BaseStorageB64 = u.BaseStorageB64
	}
	if u.BaseOutboundBytes != nil {
		q.BaseOutboundBytes = u.BaseOutboundBytes
	}

	if u.SubscriptionPlanID != nil && u.SubscriptionExpiresAtMsUtc != nil && *u.SubscriptionExpiresAtMsUtc > nowMs {
		if plan, ok := plans[*u.SubscriptionPlanID]; ok {
			q.BonusStorageB64 = plan.ExtraStorageB64
			q.BonusOutboundBytes = plan.ExtraOutboundBytes
			id, name, exp := plan.ID, plan.Name, *u.SubscriptionExpiresAtMsUtc
			q.ActivePlanID = &id
			q.ActivePlanName = &name
			q.ExpiresAtMsUtc = &exp
		}
	}

	q.AllowedStorageB64 = addLimit(q.BaseStorageB64, q.BonusStorageB64)
	q.AllowedOutboundBytes = addLimit(q.BaseOutboundBytes, q.BonusOutboundBytes)
	return q
}

// addLimit adds a bonus to a nullable limit, saturating instead of
// wrapping. Nil propagates as unlimited.
func addLimit(base *int64, bonus int64) *int64 {
	if base == nil {
		return nil
	}
	v := *base
	if v > math.MaxInt64-bonus {
		v = math.MaxInt64
	} else {
		v += bonus
	}
	return &v
}

// quotaFor is the service-level evaluator bound to configured defaults.
func (s *Service) quotaFor(u *BillingUser, nowMs int64) EffectiveQuota {
	return ComputeEffectiveQuota(s.Cfg.Plans, s.Cfg.BaseStorageB64(), s.Cfg.BaseOutboundBytes(), u, nowMs)
}

// overOutbound reports whether the user has already exhausted the
// monthly outbound allowance. Requests short-circuit with 402 on this.
func overOutbound(q EffectiveQuota, u *BillingUser) bool {
	return q.AllowedOutboundBytes != nil && u.APIOutboundBytes > *q.AllowedOutboundBytes
}

// ChargeOutbound adds response-body bytes to the monthly counter without
// a cap check. Push accounting is unconditional: the batch already
// committed, the bytes were sent.
func (s *Service) ChargeOutbound(ctx context.Context, userID int64, n int) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE users SET api_outbound_bytes = api_outbound_bytes + $2 WHERE id = $1`,
		userID, int64(n))
	return err
}

// chargeOutboundCAS adds response-body bytes only if the result stays
// within limit. Returns false when the increment would cross the cap;
// the caller then converts the response to quota_exceeded.
func chargeOutboundCAS(ctx context.Context, db *pgxpool.Pool, userID int64, n int, limit *int64) (bool, error) {
	if limit == nil {
		return true, chargeOutboundTxless(ctx, db, userID, n)
	}
	ct, err := db.Exec(ctx,
		`UPDATE users
		 SET api_outbound_bytes = api_outbound_bytes + $2
		 WHERE id = $1 AND api_outbound_bytes + $2 <= $3`,
		userID, int64(n), *limit)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func chargeOutboundTxless(ctx context.Context, db *pgxpool.Pool, userID int64, n int) error {
	_, err := db.Exec(ctx,
		`UPDATE users SET api_outbound_bytes = api_outbound_bytes + $2 WHERE id = $1`,
		userID, int64(n))
	return err
}

// ChargeOutboundCAS is the exported entry used by the pull handler.
func (s *Service) ChargeOutboundCAS(ctx context.Context, userID int64, n int, limit *int64) (bool, error) {
	return chargeOutboundCAS(ctx, s.DB, userID, n, limit)
}
