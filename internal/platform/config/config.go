package config

import (
	"os"
	"strconv"
	"time"
)

// Server captures process-level configuration for the liveness tracker.
type Server struct {
	Addr string

	// StoreBackend selects the principal store: "sqlite", "postgres" or
	// "memory" (dev only).
	StoreBackend string
	SQLitePath   string
	PostgresURL  string

	// RedisURL, when set, moves verification entries into Redis so their
	// expiry rides on Redis TTLs instead of the purge sweep.
	RedisURL string

	AuditLogDir string

	SweepInterval    time.Duration
	UpdateChannelCap int
	// PurgeDenominator is N in the 1-in-N chance per sweep cycle that
	// expired verification entries are purged from the store.
	PurgeDenominator int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:             envOr("VIGIL_ADDR", ":8080"),
		StoreBackend:     envOr("VIGIL_STORE", "sqlite"),
		SQLitePath:       envOr("VIGIL_SQLITE_PATH", "./vigil.sqlite"),
		PostgresURL:      os.Getenv("VIGIL_POSTGRES_URL"),
		RedisURL:         os.Getenv("VIGIL_REDIS_URL"),
		AuditLogDir:      envOr("VIGIL_AUDIT_DIR", "./auditlogs"),
		SweepInterval:    envDurationOr("VIGIL_SWEEP_INTERVAL", time.Second),
		UpdateChannelCap: envIntOr("VIGIL_UPDATE_CHANNEL_CAP", 1024),
		PurgeDenominator: envIntOr("VIGIL_PURGE_DENOMINATOR", 5000),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
