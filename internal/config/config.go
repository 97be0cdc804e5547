package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AuthJWTSecret   string `env:"AUTH_JWT_SECRET,required"`
	AuthJWTIssuer   string `env:"AUTH_JWT_ISSUER" envDefault:"romvault"`
	AuthJWTAudience string `env:"AUTH_JWT_AUDIENCE" envDefault:"romvault-netplay"`

	IdleTimeoutSeconds     int      `env:"NETPLAY_IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	MaxSessionsPerHost     int      `env:"NETPLAY_MAX_SESSIONS_PER_HOST" envDefault:"2"`
	MaxSessionsGlobal      int      `env:"NETPLAY_MAX_SESSIONS_GLOBAL" envDefault:"500"`
	AllowedOrigins         []string `env:"NETPLAY_ALLOWED_ORIGINS" envSeparator:","`
	MaxSignalPayloadBytes  int      `env:"NETPLAY_MAX_SIGNAL_PAYLOAD_BYTES" envDefault:"65536"`
	SessionRetentionHours  int      `env:"NETPLAY_SESSION_RETENTION_HOURS" envDefault:"168"`
	ContentCacheTTLSeconds int      `env:"CONTENT_CACHE_TTL_SECONDS" envDefault:"300"`
	RateLimitPerMin        int      `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	HandshakeLimitPerMin   int      `env:"WS_HANDSHAKE_LIMIT_PER_MIN" envDefault:"30"`
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHours) * time.Hour
}

func (c *Config) ContentCacheTTL() time.Duration {
	return time.Duration(c.ContentCacheTTLSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("NETPLAY_IDLE_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxSessionsPerHost <= 0 || c.MaxSessionsGlobal <= 0 {
		return fmt.Errorf("NETPLAY_MAX_SESSIONS_PER_HOST and NETPLAY_MAX_SESSIONS_GLOBAL must be positive")
	}
	if c.MaxSignalPayloadBytes <= 0 {
		return fmt.Errorf("NETPLAY_MAX_SIGNAL_PAYLOAD_BYTES must be positive")
	}

	if isProduction {
		if err := validateSecret("AUTH_JWT_SECRET", c.AuthJWTSecret); err != nil {
			return err
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("NETPLAY_ALLOWED_ORIGINS is empty in production: websocket origin check disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
