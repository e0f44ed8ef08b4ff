package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	pkgstrings "sessionlink/pkg/platform/strings"
)

// Config captures everything the session layer needs at startup. Values come
// from the environment so main stays lean; defaults suit local development.
type Config struct {
	HTTPAddr string
	LogLevel string

	// Transport
	WSBaseURL   string
	LoginURL    string
	DialTimeout time.Duration

	// Reconnect policy
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	// Verification
	VerifyTTL        time.Duration
	RefreshThreshold time.Duration

	// Persistence
	RedisURL string

	// Audit
	KafkaBrokers []string
	AuditTopic   string
}

// VerifyCacheTTL bounds how long a verified authorization snapshot is served
// without re-deriving it from the token.
const VerifyCacheTTL = 5 * time.Minute

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		HTTPAddr:             envOr("SESSIONLINK_ADDR", ":8080"),
		LogLevel:             envOr("SESSIONLINK_LOG_LEVEL", "info"),
		WSBaseURL:            envOr("SESSIONLINK_WS_URL", "ws://localhost:9000/ws"),
		LoginURL:             envOr("SESSIONLINK_LOGIN_URL", "http://localhost:9000"),
		DialTimeout:          envDuration("SESSIONLINK_DIAL_TIMEOUT", 10*time.Second),
		MaxReconnectAttempts: envInt("SESSIONLINK_MAX_RECONNECT", 5),
		BackoffBase:          envDuration("SESSIONLINK_BACKOFF_BASE", time.Second),
		BackoffCap:           envDuration("SESSIONLINK_BACKOFF_CAP", 30*time.Second),
		VerifyTTL:            envDuration("SESSIONLINK_VERIFY_TTL", VerifyCacheTTL),
		RefreshThreshold:     envDuration("SESSIONLINK_REFRESH_THRESHOLD", 2*time.Minute),
		RedisURL:             os.Getenv("SESSIONLINK_REDIS_URL"),
		AuditTopic:           envOr("SESSIONLINK_AUDIT_TOPIC", "sessionlink.audit"),
	}

	if brokers := os.Getenv("SESSIONLINK_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = pkgstrings.DedupeAndTrim(strings.Split(brokers, ","))
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
