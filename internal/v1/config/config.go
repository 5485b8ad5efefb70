// Package config validates and loads environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port        string
	AuthURL     string
	BizURL      string
	InternalKey string
	KVAddr      string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	KVPassword string
	KVBusDB    int

	AllowedOrigins string

	WorkerCount           int
	WorkerSpawnBackoff    time.Duration
	WorkerSpawnMaxBackoff time.Duration

	SeatDefaultCount    int
	InviteTTL           time.Duration
	AutoCloseGrace      time.Duration
	ActivitySlideWindow time.Duration

	GiftFlushInterval  time.Duration
	GiftBatchCap       int
	GiftQueueHighWater int

	RateLimitChatPerMin int
	RateLimitGiftPerMin int

	HousekeepingSweepInterval time.Duration
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an aggregated error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AuthURL = os.Getenv("AUTH_URL")
	if cfg.AuthURL == "" {
		errs = append(errs, "AUTH_URL is required")
	}

	cfg.BizURL = os.Getenv("BIZ_URL")
	if cfg.BizURL == "" {
		errs = append(errs, "BIZ_URL is required")
	}

	cfg.InternalKey = os.Getenv("INTERNAL_KEY")
	if cfg.InternalKey == "" {
		errs = append(errs, "INTERNAL_KEY is required")
	}

	cfg.KVAddr = os.Getenv("KV_ADDR")
	if cfg.KVAddr == "" {
		cfg.KVAddr = "localhost:6379"
		slog.Warn("KV_ADDR not set, using default", "addr", cfg.KVAddr)
	} else if !isValidHostPort(cfg.KVAddr) {
		errs = append(errs, fmt.Sprintf("KV_ADDR must be in format 'host:port' (got '%s')", cfg.KVAddr))
	}
	cfg.KVPassword = os.Getenv("KV_PASSWORD")
	cfg.KVBusDB = getEnvInt("KV_BUS_DB", 3)

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.WorkerCount = getEnvInt("WORKER_COUNT", 0) // 0 means "number of CPUs", resolved by the worker pool.
	cfg.WorkerSpawnBackoff = getEnvDuration("WORKER_SPAWN_BACKOFF", time.Second)
	cfg.WorkerSpawnMaxBackoff = getEnvDuration("WORKER_SPAWN_MAX_BACKOFF", 30*time.Second)

	cfg.SeatDefaultCount = getEnvInt("SEAT_DEFAULT_COUNT", 15)
	if cfg.SeatDefaultCount < 1 || cfg.SeatDefaultCount > 15 {
		errs = append(errs, fmt.Sprintf("SEAT_DEFAULT_COUNT must be between 1 and 15 (got %d)", cfg.SeatDefaultCount))
	}
	cfg.InviteTTL = getEnvDuration("INVITE_TTL", 30*time.Second)
	cfg.AutoCloseGrace = getEnvDuration("AUTO_CLOSE_GRACE", 30*time.Second)
	cfg.ActivitySlideWindow = getEnvDuration("ACTIVITY_SLIDE_WINDOW", 30*time.Second)

	cfg.GiftFlushInterval = getEnvDuration("GIFT_FLUSH_INTERVAL", 500*time.Millisecond)
	cfg.GiftBatchCap = getEnvInt("GIFT_BATCH_CAP", 100)
	cfg.GiftQueueHighWater = getEnvInt("GIFT_QUEUE_HIGH_WATER", 1000)

	cfg.RateLimitChatPerMin = getEnvInt("RATE_LIMIT_CHAT_PER_MIN", 60)
	cfg.RateLimitGiftPerMin = getEnvInt("RATE_LIMIT_GIFT_PER_MIN", 330)

	cfg.HousekeepingSweepInterval = getEnvDuration("HOUSEKEEPING_SWEEP_INTERVAL", 10*time.Second)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"port", cfg.Port,
		"auth_url", cfg.AuthURL,
		"biz_url", cfg.BizURL,
		"internal_key", redactSecret(cfg.InternalKey),
		"kv_addr", cfg.KVAddr,
		"kv_bus_db", cfg.KVBusDB,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"seat_default_count", cfg.SeatDefaultCount,
		"rate_limit_chat_per_min", cfg.RateLimitChatPerMin,
		"rate_limit_gift_per_min", cfg.RateLimitGiftPerMin,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
