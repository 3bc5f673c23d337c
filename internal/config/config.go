// Package config loads server configuration from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
)

// Config holds all runtime configuration for the sync server.
type Config struct {
	Env      string // "dev" or "prod"
	HTTPAddr string

	// DatabaseURL selects the backend: sqlite://<path> (default) or
	// postgres://... for a shared deployment.
	DatabaseURL string

	JWTSecret     string
	TokenTTLHours int

	// EncryptionKey is the base64-encoded 32-byte KEK for provider
	// credential envelopes.
	EncryptionKey string

	RecycleBinDays int
	AdminPurgeKey  string
	AdminSetupKey  string
	InviteRequired bool

	RateLimitWindow   int // seconds
	RateLimitRequests int
	RateLimitBurst    int
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		Env:               env("ENV", "dev"),
		HTTPAddr:          env("HTTP_ADDR", ":8080"),
		DatabaseURL:       env("DATABASE_URL", "sqlite://sync.db"),
		JWTSecret:         env("JWT_SECRET", "dev-secret-change-in-production"),
		TokenTTLHours:     envInt("TOKEN_TTL_HOURS", 24*7),
		EncryptionKey:     env("ENCRYPTION_KEY", ""),
		RecycleBinDays:    envInt("RECYCLE_BIN_DAYS", 7),
		AdminPurgeKey:     env("ADMIN_PURGE_KEY", ""),
		AdminSetupKey:     env("ADMIN_SETUP_KEY", ""),
		InviteRequired:    envBool("INVITE_REQUIRED", false),
		RateLimitWindow:   envInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitRequests: envInt("RATE_LIMIT_MAX_REQUESTS", 600),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 120),
	}
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	if c.RecycleBinDays <= 0 {
		return fmt.Errorf("RECYCLE_BIN_DAYS must be positive")
	}
	return nil
}

// KEK returns the decoded root encryption key. Call Validate first.
func (c Config) KEK() []byte {
	key, _ := base64.StdEncoding.DecodeString(c.EncryptionKey)
	return key
}
