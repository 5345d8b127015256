package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/vaultodo/sync-api/internal/auth"
	"github.com/vaultodo/sync-api/internal/config"
	"github.com/vaultodo/sync-api/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB  *pgxpool.Pool
	Cfg *config.Config
	Svc *syncservice.Service
}

// NewServer wires a Server from its dependencies.
func NewServer(db *pgxpool.Pool, cfg *config.Config) *Server {
	return &Server{DB: db, Cfg: cfg, Svc: syncservice.New(db, cfg)}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error body with the given status code
func writeError(w http.ResponseWriter, _ *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseInt64 parses an int64 query param, falling back to def when the
// param is missing or malformed.
func parseInt64(q string, def int64) int64 {
	if q == "" {
		return def
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(BodyLimit(s.Cfg.BodyLimitBytes))

	// Health checks (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]bool{"ok": true})
	})

	r.Handle("/metrics", promhttp.Handler())

	// All sync endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))
		r.Use(RateLimitMiddleware(s.Cfg.RateLimitPerSec, s.Cfg.RateLimitBurst))

		r.Post("/v1/sync/push", s.handlePush)
		r.Get("/v1/sync/pull", s.handlePull)

		r.Get("/v1/key-bundle", s.handleGetKeyBundle)
		r.Put("/v1/key-bundle", s.handlePutKeyBundle)

		r.Post("/v1/attachments/refs", s.handleUpsertRefs)

		r.Post("/web/api/me/gc-ghost-files", s.handleGhostGC)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
