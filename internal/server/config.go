// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the Beacon
// service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beacon-rt/beacon/internal/hub"
)

// RateLimitConfig defines the parameters for per-connection inbound frame
// rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security
// controls and the hub's tuning parameters.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Hub            hub.Config
	AuthTokens     string
	Debug          bool
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	return cfg
}

// NewConfig creates a Config populated with default values for all
// settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(defaultConfig())
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling
// back to defaults for anything unset.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if buffer := os.Getenv("OUTBOUND_BUFFER"); buffer != "" {
		cfg.Hub.OutboundBuffer = parseIntValue(buffer, cfg.Hub.OutboundBuffer)
	}
	if interval := os.Getenv("PING_INTERVAL"); interval != "" {
		cfg.Hub.PingInterval = parseDuration(interval, cfg.Hub.PingInterval)
	}
	if mult := os.Getenv("PING_TIMEOUT_MULTIPLIER"); mult != "" {
		cfg.Hub.TimeoutMultiplier = parseIntValue(mult, cfg.Hub.TimeoutMultiplier)
	}
	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		cfg.Hub.SweepInterval = parseDuration(interval, cfg.Hub.SweepInterval)
	}
	cfg.AuthTokens = os.Getenv("AUTH_TOKENS")
	cfg.Debug = os.Getenv("DEBUG") != ""

	sanitized := sanitizeConfig(cfg)
	return &sanitized
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax ("30s") and, for compatibility
// with plain numeric settings, bare integers interpreted as seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
