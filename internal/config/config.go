package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP Server
	Port           string
	JWTSecret      string
	IdempotencyTTL time.Duration
	CORSOrigins    []string
	RateLimit      int

	// Storage
	DataBackend  string
	SQLiteDBPath string
	DatabaseURL  string
	PGMaxConns   int

	// AMQP
	AMQPURL           string
	AMQPExchange      string
	AMQPQueue         string
	AMQPReminderQueue string

	// Scheduler
	SchedulerSchedule     string
	SchedulerConcurrency  int
	SchedulerRunOnStartup bool
	ConflictRetries       int

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	validBackends   = []string{"memory", "sqlite", "postgres"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json", "tint"}
)

// Load reads the configuration from the environment.
func Load() *Config {
	return source{}.load()
}

// LoadFile reads a YAML, TOML, JSON or dotenv file with the same keys as the
// environment. Environment variables win over file values.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return source{file: v}.load(), nil
}

// source resolves keys from the environment, then from an optional file.
type source struct {
	file *viper.Viper
}

func (s source) load() *Config {
	return &Config{
		Port:           s.getEnv("PORT", "8081"),
		JWTSecret:      s.getEnv("JWT_SECRET", ""),
		IdempotencyTTL: s.getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		CORSOrigins:    s.getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimit:      s.getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		DataBackend:  s.getEnv("DATA_BACKEND", "sqlite"),
		SQLiteDBPath: s.getEnv("SQLITE_DB_PATH", "./data/debts.db"),
		DatabaseURL:  s.getEnv("DATABASE_URL", ""),
		PGMaxConns:   s.getEnvInt("PG_MAX_CONNS", 10),

		AMQPURL:           s.getEnv("AMQP_URL", ""),
		AMQPExchange:      s.getEnv("AMQP_EXCHANGE", "debts"),
		AMQPQueue:         s.getEnv("AMQP_QUEUE", "debts_events"),
		AMQPReminderQueue: s.getEnv("AMQP_REMINDER_QUEUE", "debts_reminders"),

		SchedulerSchedule:     s.getEnv("SCHEDULER_SCHEDULE", "@daily"),
		SchedulerConcurrency:  s.getEnvInt("SCHEDULER_CONCURRENCY", 4),
		SchedulerRunOnStartup: s.getEnvBool("SCHEDULER_RUN_ON_STARTUP", true),
		ConflictRetries:       s.getEnvInt("CONFLICT_RETRIES", 3),

		LogLevel:  strings.ToLower(s.getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(s.getEnv("LOG_FORMAT", "text")),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL: %v", err))
		} else if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL scheme '%s': must be 'postgres' or 'postgresql'", u.Scheme))
		}
		if c.PGMaxConns < 1 {
			errors = append(errors, fmt.Sprintf("invalid postgres max connections %d: must be at least 1", c.PGMaxConns))
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPReminderQueue == "" {
			errors = append(errors, "AMQP reminder queue name cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := cron.ParseStandard(c.SchedulerSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("invalid scheduler schedule '%s': %v", c.SchedulerSchedule, err))
	}
	if c.SchedulerConcurrency < 1 || c.SchedulerConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid scheduler concurrency %d: must be between 1 and 64", c.SchedulerConcurrency))
	}
	if c.ConflictRetries < 1 || c.ConflictRetries > 20 {
		errors = append(errors, fmt.Sprintf("invalid conflict retries %d: must be between 1 and 20", c.ConflictRetries))
	}

	if c.IdempotencyTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid idempotency TTL %v: must be at least 1 minute", c.IdempotencyTTL))
	}

	if c.RateLimit < 0 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be zero (disabled) or positive", c.RateLimit))
	}
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid CORS origin '%s': must be '*' or scheme://host", origin))
		}
	}

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLogLevels))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be one of %v", c.LogFormat, validLogFormats))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// lookup returns the raw value of key. List values in a file are joined
// with commas.
func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if s.file == nil || !s.file.IsSet(key) {
		return ""
	}
	if items, ok := s.file.Get(key).([]any); ok {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	}
	return strings.TrimSpace(s.file.GetString(key))
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func (s source) getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(s.lookup(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s source) getEnvInt(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (s source) getEnvBool(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
