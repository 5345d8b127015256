package httpapi

import (
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/auth"
	"github.com/vaultodo/sync-api/internal/metrics"
	"golang.org/x/time/rate"
)

// rateLimiterTTL bounds how long an idle user's bucket survives; the
// LRU size bounds memory under many distinct users. Evicting a bucket
// just restores the user to full burst, which is harmless.
const (
	rateLimiterTTL  = time.Hour
	rateLimiterSize = 100_000
)

// RateLimiter keeps one token bucket per user in a size- and TTL-bounded
// cache. Per-user, not per-IP: all of a user's devices share the budget.
type RateLimiter struct {
	buckets *lru.LRU[int64, *rate.Limiter]
	perSec  rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter refilling perSec tokens per second
// with the given burst capacity.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: lru.NewLRU[int64, *rate.Limiter](rateLimiterSize, nil, rateLimiterTTL),
		perSec:  rate.Limit(perSec),
		burst:   burst,
	}
}

// Allow consumes one token from the user's bucket.
func (rl *RateLimiter) Allow(userID int64) bool {
	limiter, ok := rl.buckets.Get(userID)
	if !ok {
		limiter = rate.NewLimiter(rl.perSec, rl.burst)
		// Add may race another request creating the same bucket; losing
		// one token to that is fine.
		rl.buckets.Add(userID, limiter)
	}
	return limiter.Allow()
}

// RateLimitMiddleware enforces the per-user request budget. Runs after
// the auth middleware so the user id is always present.
func RateLimitMiddleware(perSec float64, burst int) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(perSec, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == 0 {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(userID) {
				metrics.RateLimited.Inc()
				log.Warn().
					Int64("userId", userID).
					Str("path", r.URL.Path).
					Msg("rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
