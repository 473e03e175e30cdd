package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Clock modes.
const (
	ClockManual   = "manual"
	ClockInterval = "interval"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	CORS      CORSConfig
	Registry  RegistryConfig
	Auth      AuthConfig
	Clock     ClockConfig
	RateLimit RateLimitConfig
	Events    EventsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	PoolMin  int
	PoolMax  int
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// RegistryConfig holds ledger configuration.
type RegistryConfig struct {
	// Admin is the only principal allowed to configure zones.
	Admin         string
	StorageDriver string
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// ClockConfig selects the block height source.
type ClockConfig struct {
	Genesis       time.Time
	Mode          string
	BlockInterval time.Duration
	StartHeight   uint64
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Enabled           bool
}

// EventsConfig holds event publishing settings. An empty RedisURL disables publishing.
type EventsConfig struct {
	RedisURL string
	Channel  string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("DB_HOST", "host.docker.internal")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "parcelledger")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:3001")
	v.SetDefault("STORAGE_DRIVER", StorageMemory)
	v.SetDefault("AUTH_ISSUER", "parcelledger")
	v.SetDefault("CLOCK_MODE", ClockManual)
	v.SetDefault("CLOCK_BLOCK_INTERVAL", "10m")
	v.SetDefault("CLOCK_START_HEIGHT", 0)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 10.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("EVENTS_CHANNEL", "parcelledger.events")

	// Bind environment variables
	v.AutomaticEnv()

	genesis, err := parseGenesis(v.GetString("CLOCK_GENESIS"))
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("PORT"),
			Env:      v.GetString("ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			PoolMin:  v.GetInt("DB_POOL_MIN"),
			PoolMax:  v.GetInt("DB_POOL_MAX"),
		},
		CORS: CORSConfig{
			Origins: parseOrigins(v.GetString("CORS_ORIGINS")),
		},
		Registry: RegistryConfig{
			Admin:         strings.TrimSpace(v.GetString("REGISTRY_ADMIN")),
			StorageDriver: strings.ToLower(v.GetString("STORAGE_DRIVER")),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
			Issuer:    v.GetString("AUTH_ISSUER"),
		},
		Clock: ClockConfig{
			Mode:          strings.ToLower(v.GetString("CLOCK_MODE")),
			Genesis:       genesis,
			BlockInterval: v.GetDuration("CLOCK_BLOCK_INTERVAL"),
			StartHeight:   v.GetUint64("CLOCK_START_HEIGHT"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("RATE_LIMIT_ENABLED"),
			RequestsPerSecond: v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:             v.GetInt("RATE_LIMIT_BURST"),
		},
		Events: EventsConfig{
			RedisURL: v.GetString("REDIS_URL"),
			Channel:  v.GetString("EVENTS_CHANNEL"),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// Validate registry config
	if c.Registry.Admin == "" {
		return fmt.Errorf("REGISTRY_ADMIN is required")
	}
	switch c.Registry.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageMemory, StoragePostgres)
	}

	// Validate auth config
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters")
	}

	// Validate clock config
	switch c.Clock.Mode {
	case ClockManual:
	case ClockInterval:
		if c.Clock.Genesis.IsZero() {
			return fmt.Errorf("CLOCK_GENESIS is required when CLOCK_MODE is %q", ClockInterval)
		}
		if c.Clock.BlockInterval <= 0 {
			return fmt.Errorf("CLOCK_BLOCK_INTERVAL must be positive")
		}
	default:
		return fmt.Errorf("CLOCK_MODE must be %q or %q", ClockManual, ClockInterval)
	}

	// Validate rate limit config
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("RATE_LIMIT_RPS must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
		}
	}

	// Validate events config
	if c.Events.RedisURL != "" && c.Events.Channel == "" {
		return fmt.Errorf("EVENTS_CHANNEL is required when REDIS_URL is set")
	}

	// Validate CORS config
	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	return nil
}

// validate checks the PostgreSQL settings.
func (d DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if d.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if d.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if d.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if d.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if d.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if d.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if d.PoolMin > d.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}
	return nil
}

// parseGenesis parses an optional RFC 3339 timestamp.
func parseGenesis(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	genesis, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("CLOCK_GENESIS must be RFC 3339: %w", err)
	}
	return genesis, nil
}

// parseOrigins splits a comma-separated string of origins into a slice.
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
