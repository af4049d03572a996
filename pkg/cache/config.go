package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheConfig holds configuration for the blob read cache.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false, reads go
	// straight to the backing store.
	Enabled bool

	// TTL bounds how long an entry is served from memory.
	TTL time.Duration

	// MaxSize is the maximum number of cached entries.
	MaxSize int

	// MaxEntryBytes skips caching values larger than this.
	MaxEntryBytes int
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:       true,
		TTL:           10 * time.Minute,
		MaxSize:       1000,
		MaxEntryBytes: 1 << 20,
	}
}

// CacheConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - INTEGRITY_BLOB_CACHE_ENABLED: "true" or "false" (default: "true")
//   - INTEGRITY_BLOB_CACHE_TTL: duration in seconds (default: 600)
//   - INTEGRITY_BLOB_CACHE_MAX_SIZE: max entries (default: 1000)
//   - INTEGRITY_BLOB_CACHE_MAX_ENTRY_BYTES: largest cached value (default: 1048576)
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()

	if v := os.Getenv("INTEGRITY_BLOB_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("INTEGRITY_BLOB_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.TTL = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("INTEGRITY_BLOB_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	if v := os.Getenv("INTEGRITY_BLOB_CACHE_MAX_ENTRY_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxEntryBytes = n
		}
	}

	return cfg
}
