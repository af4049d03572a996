package integrity

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds the tunables of the write and verification paths.
type EngineConfig struct {
	// ServerWallet signs anchors written by the engine itself and acts for
	// recovery.
	ServerWallet string `yaml:"serverWallet"`

	// MaxConflictRetries bounds how often a version write is retried after
	// losing a race on (asset_id, version_number).
	MaxConflictRetries int `yaml:"maxConflictRetries"`

	// RetryBaseDelay and RetryMaxDelay bound the jittered backoff between
	// conflict retries.
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`

	// AnchorTimeout bounds a single ledger anchor call.
	AnchorTimeout time.Duration `yaml:"anchorTimeout"`
}

// DefaultEngineConfig returns an EngineConfig with sensible defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxConflictRetries: 5,
		RetryBaseDelay:     10 * time.Millisecond,
		RetryMaxDelay:      500 * time.Millisecond,
		AnchorTimeout:      60 * time.Second,
	}
}

// EngineConfigFromEnv reads engine configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - INTEGRITY_SERVER_WALLET: hex address of the server wallet (required)
//   - INTEGRITY_MAX_CONFLICT_RETRIES: retries after a version conflict (default: 5)
//   - INTEGRITY_RETRY_BASE_DELAY_MS: first backoff step in ms (default: 10)
//   - INTEGRITY_RETRY_MAX_DELAY_MS: backoff cap in ms (default: 500)
//   - INTEGRITY_ANCHOR_TIMEOUT: seconds (default: 60)
func EngineConfigFromEnv() *EngineConfig {
	cfg := DefaultEngineConfig()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *EngineConfig) {
	if v := os.Getenv("INTEGRITY_SERVER_WALLET"); v != "" {
		cfg.ServerWallet = v
	}
	if v := os.Getenv("INTEGRITY_MAX_CONFLICT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxConflictRetries = n
		}
	}
	if v := os.Getenv("INTEGRITY_RETRY_BASE_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RetryBaseDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("INTEGRITY_RETRY_MAX_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.RetryMaxDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("INTEGRITY_ANCHOR_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.AnchorTimeout = time.Duration(secs) * time.Second
		}
	}
}

// LoadConfigFile loads engine configuration from a YAML file layered over
// the defaults; environment variables override the file. If the file does
// not exist, defaults plus environment are returned.
func LoadConfigFile(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse engine config: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}
