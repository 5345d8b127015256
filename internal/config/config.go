package config

import (
	"encoding/json"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Plan is a purchasable subscription plan. Active plans add bonus
// storage and outbound allowance on top of the user's base quota.
type Plan struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	DurationMs         int64  `json:"duration_ms"`
	ExtraStorageB64    int64  `json:"extra_storage_b64"`
	ExtraOutboundBytes int64  `json:"extra_outbound_bytes"`
}

// Config holds all server configuration.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Server basics
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8787"`
	DatabaseURL string `env:"DATABASE_URL"`
	Env         string `env:"ENV" envDefault:"dev"`

	// Auth
	JWTHS256Secret string `env:"JWT_HS256_SECRET" envDefault:"dev-secret-change-in-production"`
	AuthDevMode    bool   `env:"AUTH_DEV_MODE" envDefault:"false"`

	// Push/pull admission
	MaxPushRecords    int   `env:"MAX_PUSH_RECORDS" envDefault:"500"`
	MaxRecordsPerUser int64 `env:"MAX_RECORDS_PER_USER" envDefault:"0"` // 0 = unlimited
	MaxRecordB64Len   int   `env:"MAX_RECORD_B64_LEN" envDefault:"524288"`
	BodyLimitBytes    int64 `env:"BODY_LIMIT_BYTES" envDefault:"5242880"`

	// Base quotas. Negative = unlimited (nullable override lives on the
	// user row; these are the fleet-wide defaults).
	BaseUserStorageB64    int64 `env:"BASE_USER_STORAGE_B64" envDefault:"10485760"`
	BaseUserOutboundBytes int64 `env:"BASE_USER_OUTBOUND_BYTES" envDefault:"104857600"`

	// Subscription plans, JSON list of plan descriptors.
	SubscriptionPlansJSON string `env:"SUBSCRIPTION_PLANS_JSON" envDefault:"[]"`

	// Staged-record sweeper. Disabled when TTL or interval <= 0.
	StagedRecordTTLMs    int64 `env:"STAGED_RECORD_TTL_MS" envDefault:"86400000"`
	StagedGCIntervalSecs int64 `env:"STAGED_GC_INTERVAL_SECS" envDefault:"3600"`

	// Rate limiting (per user, token bucket)
	RateLimitPerSec float64 `env:"RATE_LIMIT_PER_SEC" envDefault:"50"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST" envDefault:"100"`

	// Parsed from SubscriptionPlansJSON, keyed by plan id.
	Plans map[string]Plan `env:"-"`
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	plans, err := ParsePlans(cfg.SubscriptionPlansJSON)
	if err != nil {
		return nil, fmt.Errorf("SUBSCRIPTION_PLANS_JSON: %w", err)
	}
	cfg.Plans = plans

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ParsePlans decodes the plan descriptor list and indexes it by plan id.
func ParsePlans(raw string) (map[string]Plan, error) {
	if raw == "" {
		return map[string]Plan{}, nil
	}

	var list []Plan
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("invalid plan list: %w", err)
	}

	plans := make(map[string]Plan, len(list))
	for _, p := range list {
		if p.ID == "" {
			return nil, fmt.Errorf("plan with empty id")
		}
		if p.DurationMs <= 0 {
			return nil, fmt.Errorf("plan %q: duration_ms must be > 0", p.ID)
		}
		if p.ExtraStorageB64 < 0 || p.ExtraOutboundBytes < 0 {
			return nil, fmt.Errorf("plan %q: extras must be >= 0", p.ID)
		}
		if _, dup := plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		plans[p.ID] = p
	}
	return plans, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.MaxPushRecords < 1 {
		return fmt.Errorf("MAX_PUSH_RECORDS must be > 0, got %d", c.MaxPushRecords)
	}
	if c.MaxRecordB64Len < 1 {
		return fmt.Errorf("MAX_RECORD_B64_LEN must be > 0, got %d", c.MaxRecordB64Len)
	}
	if c.BodyLimitBytes < 1 {
		return fmt.Errorf("BODY_LIMIT_BYTES must be > 0, got %d", c.BodyLimitBytes)
	}
	if c.RateLimitPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be > 0, got %f", c.RateLimitPerSec)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

// BaseStorageB64 returns the default storage limit, nil meaning unlimited.
func (c *Config) BaseStorageB64() *int64 {
	if c.BaseUserStorageB64 < 0 {
		return nil
	}
	v := c.BaseUserStorageB64
	return &v
}

// BaseOutboundBytes returns the default monthly outbound limit, nil
// meaning unlimited.
func (c *Config) BaseOutboundBytes() *int64 {
	if c.BaseUserOutboundBytes < 0 {
		return nil
	}
	v := c.BaseUserOutboundBytes
	return &v
}
