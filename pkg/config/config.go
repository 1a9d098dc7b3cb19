package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the OMS core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Venue session
	VenueMode         string // "sim" (default) or "ws"
	VenueURL          string // websocket endpoint for VENUE_MODE=ws
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration // bounded wait on protocol sends

	// Outbox dispatcher
	OutboxPollInterval  time.Duration
	DispatchMaxAttempts int
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration

	// Reference data
	SymbolsPath string // optional YAML symbol catalog

	// Admin auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/oms.db"),
		VenueMode:           getEnv("VENUE_MODE", "sim"),
		VenueURL:            getEnv("VENUE_URL", "ws://localhost:9001/session"),
		HeartbeatInterval:   getEnvDuration("VENUE_HEARTBEAT_INTERVAL", 15*time.Second),
		SessionTimeout:      getEnvDuration("VENUE_SESSION_TIMEOUT", 5*time.Second),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		DispatchMaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 10),
		RetryBackoffBase:    getEnvDuration("DISPATCH_BACKOFF_BASE", 250*time.Millisecond),
		RetryBackoffMax:     getEnvDuration("DISPATCH_BACKOFF_MAX", 30*time.Second),
		SymbolsPath:         getEnv("SYMBOLS_PATH", ""),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
