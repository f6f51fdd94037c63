package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"go-buddychat/internal/ratelimit"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Addr          string `env:"ADDR" envDefault:":8080"`
	DatabaseDSN   string `env:"DB_DSN,required,notEmpty"`
	JWTSecret     string `env:"JWT_SECRET,required,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Browser origins allowed to open the websocket. Empty means same
	// host only, "*" means any.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Presence and typing stores.
	EphemeralBackend string `env:"EPHEMERAL_BACKEND" envDefault:"redis"`
	// In-process counters unless several instances share Redis.
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`

	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`
	TypingTTL     time.Duration `env:"TYPING_TTL" envDefault:"10s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"2m"`

	MessageRateLimit   int           `env:"MESSAGE_RATE_LIMIT" envDefault:"6"`
	MessageRateWindow  time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"30s"`
	PresenceRateLimit  int           `env:"PRESENCE_RATE_LIMIT" envDefault:"120"`
	PresenceRateWindow time.Duration `env:"PRESENCE_RATE_WINDOW" envDefault:"1m"`
	TypingRateLimit    int           `env:"TYPING_RATE_LIMIT" envDefault:"60"`
	TypingRateWindow   time.Duration `env:"TYPING_RATE_WINDOW" envDefault:"1m"`
	RosterRateLimit    int           `env:"ROSTER_RATE_LIMIT" envDefault:"30"`
	RosterRateWindow   time.Duration `env:"ROSTER_RATE_WINDOW" envDefault:"1m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	OTELEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for name, backend := range map[string]string{
		"EPHEMERAL_BACKEND":  c.EphemeralBackend,
		"RATE_LIMIT_BACKEND": c.RateLimitBackend,
	} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("%s must be %q or %q, got %q", name, BackendMemory, BackendRedis, backend)
		}
	}
	for name, d := range map[string]time.Duration{
		"PRESENCE_TTL":   c.PresenceTTL,
		"TYPING_TTL":     c.TypingTTL,
		"SWEEP_INTERVAL": c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, l := range c.Limits() {
		if l.Limit <= 0 || l.Window <= 0 {
			return fmt.Errorf("rate limit for %s must have a positive limit and window", name)
		}
	}
	return nil
}

// Limits returns the rate-limit policy keyed by action name.
func (c Config) Limits() ratelimit.Policy {
	return ratelimit.Policy{
		ratelimit.ActionMessage:  {Limit: c.MessageRateLimit, Window: c.MessageRateWindow},
		ratelimit.ActionPresence: {Limit: c.PresenceRateLimit, Window: c.PresenceRateWindow},
		ratelimit.ActionTyping:   {Limit: c.TypingRateLimit, Window: c.TypingRateWindow},
		ratelimit.ActionRoster:   {Limit: c.RosterRateLimit, Window: c.RosterRateWindow},
	}
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
