package auth

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/syncx"
)

type ctxKey string

const ctxUserID ctxKey = "uid"

// DefaultProvider is used when a token carries no provider claim.
const DefaultProvider = "oidc"

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// Middleware authenticates the request and resolves the user row.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
//
// The first authenticated request for a (provider, sub) pair creates the
// users row; the int64 user id is placed on the request context.
func Middleware(db *pgxpool.Pool, cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			provider := DefaultProvider

			// Development mode: accept X-Debug-Sub ONLY if DevMode is enabled and no token present
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					provider = "dev"
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})

				if err != nil || !t.Valid {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}

				if s, ok := claims["sub"].(string); ok {
					sub = s
				}
				if p, ok := claims["provider"].(string); ok && p != "" {
					provider = p
				}
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := EnsureUser(r.Context(), db, provider, sub)
			if err != nil {
				log.Error().Err(err).Str("provider", provider).Str("sub", sub).Msg("failed to ensure user")
				http.Error(w, "server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EnsureUser resolves (provider, sub) to a user id, creating the row on
// first authentication. The no-op DO UPDATE lets RETURNING see the
// existing row on conflict.
func EnsureUser(ctx context.Context, db *pgxpool.Pool, provider, sub string) (int64, error) {
	var userID int64
	err := db.QueryRow(ctx,
		`INSERT INTO users (oauth_provider, oauth_sub, created_at_ms_utc)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (oauth_provider, oauth_sub) DO UPDATE SET oauth_sub = excluded.oauth_sub
		 RETURNING id`, provider, sub, syncx.NowMs()).Scan(&userID)
	return userID, err
}

// UserID extracts the authenticated user id from request context.
// Returns 0 if not authenticated (should never happen after middleware).
func UserID(ctx context.Context) int64 {
	if v := ctx.Value(ctxUserID); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}

// WithUserID returns a context carrying the given user id. Test helper.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}
