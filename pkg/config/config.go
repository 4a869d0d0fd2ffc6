// Package config loads boundary-core configuration from environment
// variables with safe defaults. A missing variable never fails startup;
// an unparseable one falls back to the default.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds boundary-core configuration.
type Config struct {
	// StorePath is the sqlite database file backing the keyed store.
	// Empty selects the in-memory store.
	StorePath string

	// ProfilesDir holds posture profile YAML files.
	ProfilesDir string
	// PolicyProfile names the posture profile to load.
	PolicyProfile string

	// ToolTimeout bounds one tool execution wall clock.
	ToolTimeout time.Duration
	// ToolMemoryLimitBytes caps a tool's sandbox memory.
	ToolMemoryLimitBytes int64

	LogLevel string

	// OTLPEndpoint enables telemetry export when non-empty.
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from the environment.
func Load() *Config {
	cfg := &Config{
		StorePath:            os.Getenv("BEAP_STORE_PATH"),
		ProfilesDir:          envOr("BEAP_PROFILES_DIR", "profiles"),
		PolicyProfile:        envOr("BEAP_POLICY_PROFILE", "default"),
		ToolTimeout:          envDuration("BEAP_TOOL_TIMEOUT", 30*time.Second),
		ToolMemoryLimitBytes: envInt64("BEAP_TOOL_MEMORY_LIMIT", 256<<20),
		LogLevel:             envOr("BEAP_LOG_LEVEL", "INFO"),
		OTLPEndpoint:         os.Getenv("BEAP_OTLP_ENDPOINT"),
		Environment:          envOr("BEAP_ENVIRONMENT", "development"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
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

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
