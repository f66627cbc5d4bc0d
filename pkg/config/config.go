// Package config loads and validates the control-plane configuration from
// the environment. Product-surface configuration (ingestion, search, chat)
// lives with those subsystems; only the settings the control plane itself
// consumes are modeled here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// OperatingMode selects how the process relates to the remote authority.
type OperatingMode string

// Operating modes.
const (
	// ModeStandalone runs without any authority interaction; metering is a no-op.
	ModeStandalone OperatingMode = "standalone"
	// ModeConnected meters chargeable operations against the remote authority.
	ModeConnected OperatingMode = "connected"
)

// Config holds all control-plane settings. Immutable after Load.
type Config struct {
	Mode           OperatingMode
	HTTPPort       string
	DataDir        string
	LogDir         string
	LogLevel       string
	AuthorityURL   string
	InternalAPIKey string
	KeystorePass   string
	DatabaseURL    string
	QdrantURL      string
	LLMProvider    string

	ResourceInterval     time.Duration
	ActivationRetry      time.Duration
	StatusPollInterval   time.Duration
	QueueReplayInterval  time.Duration
	VersionCheckInterval time.Duration
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, NewValidationError(key, fmt.Errorf("%w: %q", ErrInvalidValue, raw))
	}
	return d, nil
}

// Load reads configuration from the environment and validates it.
// Unrecognized environment variables are ignored.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:           OperatingMode(getEnv("VAI_MODE", string(ModeStandalone))),
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		DataDir:        getEnv("VAI_DATA_DIR", "./data"),
		LogDir:         getEnv("VAI_LOG_DIR", ""),
		LogLevel:       getEnv("VAI_LOG_LEVEL", "info"),
		AuthorityURL:   getEnv("VAI_AUTHORITY_URL", "https://serials.vectoraiz.io"),
		InternalAPIKey: os.Getenv("VAI_INTERNAL_API_KEY"),
		KeystorePass:   os.Getenv("VAI_KEYSTORE_PASSPHRASE"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		QdrantURL:      getEnv("QDRANT_URL", ""),
		LLMProvider:    os.Getenv("VAI_LLM_PROVIDER"),
	}

	var err error
	if cfg.ResourceInterval, err = getEnvDuration("VAI_RESOURCE_CHECK_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ActivationRetry, err = getEnvDuration("VAI_ACTIVATION_RETRY_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StatusPollInterval, err = getEnvDuration("VAI_STATUS_POLL_INTERVAL", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.QueueReplayInterval, err = getEnvDuration("VAI_QUEUE_REPLAY_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.VersionCheckInterval, err = getEnvDuration("VAI_VERSION_CHECK_INTERVAL", 12*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeStandalone, ModeConnected:
	default:
		return NewValidationError("VAI_MODE",
			fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidValue, c.Mode, ModeStandalone, ModeConnected))
	}
	if c.Mode == ModeConnected && c.InternalAPIKey == "" {
		return NewValidationError("VAI_INTERNAL_API_KEY", ErrMissingRequiredField)
	}
	if c.DataDir == "" {
		return NewValidationError("VAI_DATA_DIR", ErrMissingRequiredField)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return NewValidationError("VAI_LOG_LEVEL",
			fmt.Errorf("%w: %q", ErrInvalidValue, c.LogLevel))
	}
	return nil
}

// Standalone reports whether the process runs without authority metering.
func (c *Config) Standalone() bool {
	return c.Mode == ModeStandalone
}

// SerialStatePath is the on-disk location of the persisted serial state.
func (c *Config) SerialStatePath() string {
	return filepath.Join(c.DataDir, "serial_state.json")
}

// IssueStatePath is the on-disk location of the persisted issue tracker.
func (c *Config) IssueStatePath() string {
	return filepath.Join(c.DataDir, "issues.json")
}

// OfflineQueuePath is the on-disk location of the pending meter queue.
func (c *Config) OfflineQueuePath() string {
	return filepath.Join(c.DataDir, "meter_queue.ndjson")
}

// LockPath is the advisory single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "vectoraiz.lock")
}

// Snapshot returns the full configuration as a map for diagnostics.
// Secrets are present here; callers must redact before exposing.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"mode":                   string(c.Mode),
		"http_port":              c.HTTPPort,
		"data_dir":               c.DataDir,
		"log_dir":                c.LogDir,
		"log_level":              c.LogLevel,
		"authority_url":          c.AuthorityURL,
		"internal_api_key":       c.InternalAPIKey,
		"keystore_passphrase":    c.KeystorePass,
		"database_url":           c.DatabaseURL,
		"qdrant_url":             c.QdrantURL,
		"llm_provider":           c.LLMProvider,
		"resource_interval_s":    c.ResourceInterval.Seconds(),
		"activation_retry_s":     c.ActivationRetry.Seconds(),
		"status_poll_interval_s": c.StatusPollInterval.Seconds(),
		"queue_replay_s":         c.QueueReplayInterval.Seconds(),
		"version_check_s":        c.VersionCheckInterval.Seconds(),
	}
}
