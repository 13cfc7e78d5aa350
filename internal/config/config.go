package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Default catalog state ids, seeded by migrations/001_catalog.sql.
const (
	DefaultScheduledStateID = "7c1e5d0a-0001-4000-8000-000000000001"
	DefaultCompletedStateID = "7c1e5d0a-0002-4000-8000-000000000002"
	DefaultCancelledStateID = "7c1e5d0a-0003-4000-8000-000000000003"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	CacheTTL       time.Duration `mapstructure:"CACHE_TTL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ClinicTimezone     string `mapstructure:"CLINIC_TIMEZONE"`
	WorkdayStartHour   int    `mapstructure:"WORKDAY_START_HOUR"`
	WorkdayEndHour     int    `mapstructure:"WORKDAY_END_HOUR"`
	SessionMinMinutes  int    `mapstructure:"SESSION_MIN_MINUTES"`
	SessionMaxMinutes  int    `mapstructure:"SESSION_MAX_MINUTES"`
	BookingHorizonDays int    `mapstructure:"BOOKING_HORIZON_DAYS"`
	RejectPastSessions bool   `mapstructure:"REJECT_PAST_SESSIONS"`
	ScheduledStateID   string `mapstructure:"SCHEDULED_STATE_ID"`
	CompletedStateID   string `mapstructure:"COMPLETED_STATE_ID"`
	CancelledStateID   string `mapstructure:"CANCELLED_STATE_ID"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CACHE_TTL", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CLINIC_TIMEZONE", "WORKDAY_START_HOUR", "WORKDAY_END_HOUR",
	"SESSION_MIN_MINUTES", "SESSION_MAX_MINUTES", "BOOKING_HORIZON_DAYS",
	"REJECT_PAST_SESSIONS", "SCHEDULED_STATE_ID", "COMPLETED_STATE_ID", "CANCELLED_STATE_ID",
}

func Load() (*Config, error) {
	// A missing .env is fine; the process environment wins over it.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("CLINIC_TIMEZONE", "America/Argentina/Buenos_Aires")
	v.SetDefault("WORKDAY_START_HOUR", 8)
	v.SetDefault("WORKDAY_END_HOUR", 18)
	v.SetDefault("SESSION_MIN_MINUTES", 15)
	v.SetDefault("SESSION_MAX_MINUTES", 480)
	v.SetDefault("BOOKING_HORIZON_DAYS", 365)
	v.SetDefault("REJECT_PAST_SESSIONS", true)
	v.SetDefault("SCHEDULED_STATE_ID", DefaultScheduledStateID)
	v.SetDefault("COMPLETED_STATE_ID", DefaultCompletedStateID)
	v.SetDefault("CANCELLED_STATE_ID", DefaultCancelledStateID)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper does not split comma separated env values into slices.
	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("running in development mode: requests without a token get admin access")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves the clinic time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters, got %d", len(c.AuthSigningKey))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.WorkdayStartHour < 0 || c.WorkdayEndHour > 24 || c.WorkdayStartHour >= c.WorkdayEndHour {
		return fmt.Errorf("working hours %d-%d are invalid", c.WorkdayStartHour, c.WorkdayEndHour)
	}
	if c.SessionMinMinutes <= 0 || c.SessionMinMinutes > c.SessionMaxMinutes {
		return fmt.Errorf("session duration bounds %d-%d minutes are invalid", c.SessionMinMinutes, c.SessionMaxMinutes)
	}
	if c.BookingHorizonDays <= 0 {
		return fmt.Errorf("BOOKING_HORIZON_DAYS must be positive, got %d", c.BookingHorizonDays)
	}
	for name, id := range map[string]string{
		"SCHEDULED_STATE_ID": c.ScheduledStateID,
		"COMPLETED_STATE_ID": c.CompletedStateID,
	} {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%s is not a valid uuid: %w", name, err)
		}
	}
	// An empty cancelled state id enables the name based fallback lookup.
	if c.CancelledStateID != "" {
		if _, err := uuid.Parse(c.CancelledStateID); err != nil {
			return fmt.Errorf("CANCELLED_STATE_ID is not a valid uuid: %w", err)
		}
	}
	return nil
}
