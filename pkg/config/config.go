// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the store: "memory", a "sqlite:" DSN, or a
	// "postgres://" DSN.
	DatabaseURL string

	// RedisURL enables cross-node stream fanout when set.
	RedisURL string

	// PermitSigningKey signs permit tokens. Required outside dev.
	PermitSigningKey string
	PermitTTL        time.Duration

	// PactQuorum is the number of countersignatures a pact needs.
	PactQuorum int
	// PactSigners lists trusted pact countersigner public keys (hex),
	// comma-separated.
	PactSigners []string

	// RulePackPath points at a YAML policy rule pack. Empty loads none.
	RulePackPath string

	ReplayBound       uint64
	KeepAliveInterval time.Duration
	LockTimeout       time.Duration

	RateLimitRPS   int
	RateLimitBurst int
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       envOr("DATABASE_URL", "memory"),
		RedisURL:          os.Getenv("REDIS_URL"),
		PermitSigningKey:  envOr("PERMIT_SIGNING_KEY", "dev-insecure-permit-key"),
		PermitTTL:         envDuration("PERMIT_TTL", 5*time.Minute),
		PactQuorum:        envInt("PACT_QUORUM", 1),
		RulePackPath:      os.Getenv("RULE_PACK_PATH"),
		ReplayBound:       uint64(envInt("REPLAY_BOUND", 1000)),
		KeepAliveInterval: envDuration("KEEPALIVE_INTERVAL", 15*time.Second),
		LockTimeout:       envDuration("LOCK_TIMEOUT", 5*time.Second),
		RateLimitRPS:      envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 100),
	}
	if signers := os.Getenv("PACT_SIGNERS"); signers != "" {
		cfg.PactSigners = splitNonEmpty(signers)
	}
	return cfg
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.Port)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
