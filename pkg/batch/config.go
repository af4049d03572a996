package batch

import (
	"os"
	"strconv"
	"time"
)

// BatchConfig controls the pending batch map and batch completion.
type BatchConfig struct {
	PendingTTL        time.Duration // How long an unfinished batch is kept. Default 15m.
	CleanupInterval   time.Duration // How often expired batches are reaped. Default 1m.
	CommitConcurrency int           // Items committed in parallel on completion. Default 4.
	MaxItems          int           // Largest batch accepted. Default 100.
	LockShards        int           // Number of per-batch mutex shards. Default 32.
}

// DefaultBatchConfig returns the default batch configuration.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		PendingTTL:        15 * time.Minute,
		CleanupInterval:   time.Minute,
		CommitConcurrency: 4,
		MaxItems:          100,
		LockShards:        32,
	}
}

// BatchConfigFromEnv loads config from environment variables.
// INTEGRITY_BATCH_PENDING_TTL_SECONDS, INTEGRITY_BATCH_CLEANUP_INTERVAL_SECONDS,
// INTEGRITY_BATCH_COMMIT_CONCURRENCY, INTEGRITY_BATCH_MAX_ITEMS
func BatchConfigFromEnv() *BatchConfig {
	cfg := DefaultBatchConfig()

	if v := os.Getenv("INTEGRITY_BATCH_PENDING_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PendingTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("INTEGRITY_BATCH_CLEANUP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CleanupInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("INTEGRITY_BATCH_COMMIT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CommitConcurrency = n
		}
	}
	if v := os.Getenv("INTEGRITY_BATCH_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxItems = n
		}
	}
	return cfg
}
