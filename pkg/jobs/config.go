package jobs

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// JobConfig controls the verification job queue and its workers.
type JobConfig struct {
	// Concurrency is the number of workers claiming jobs.
	Concurrency int
	// MaxRetries bounds how often a failed job is requeued.
	MaxRetries int
	// PollInterval is the idle wait between claims.
	PollInterval time.Duration
	// ClaimTimeout is how long a job may stay running before it is requeued
	// as stuck. Sweeps over large tables need a generous value.
	ClaimTimeout time.Duration
	// RetentionDays keeps finished jobs this long; 0 keeps them forever.
	RetentionDays int
	// SweepPageSize is the number of current versions read per page.
	SweepPageSize int
	Enabled       bool
}

// DefaultJobConfig returns the default job configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:   2,
		MaxRetries:    3,
		PollInterval:  5 * time.Second,
		ClaimTimeout:  30 * time.Minute,
		RetentionDays: 7,
		SweepPageSize: 100,
		Enabled:       true,
	}
}

// JobConfigFromEnv layers INTEGRITY_JOB_* variables over the defaults.
// Durations use Go syntax ("90s", "1h"). Malformed values are logged and
// ignored.
//
//   - INTEGRITY_JOB_CONCURRENCY, INTEGRITY_JOB_MAX_RETRIES
//   - INTEGRITY_JOB_POLL_INTERVAL, INTEGRITY_JOB_CLAIM_TIMEOUT
//   - INTEGRITY_JOB_RETENTION_DAYS, INTEGRITY_JOB_SWEEP_PAGE_SIZE
//   - INTEGRITY_JOB_ENABLED
func JobConfigFromEnv() *JobConfig {
	cfg := DefaultJobConfig()
	envInt("INTEGRITY_JOB_CONCURRENCY", 1, &cfg.Concurrency)
	envInt("INTEGRITY_JOB_MAX_RETRIES", 0, &cfg.MaxRetries)
	envInt("INTEGRITY_JOB_RETENTION_DAYS", 0, &cfg.RetentionDays)
	envInt("INTEGRITY_JOB_SWEEP_PAGE_SIZE", 1, &cfg.SweepPageSize)
	envDuration("INTEGRITY_JOB_POLL_INTERVAL", &cfg.PollInterval)
	envDuration("INTEGRITY_JOB_CLAIM_TIMEOUT", &cfg.ClaimTimeout)
	if v, ok := os.LookupEnv("INTEGRITY_JOB_ENABLED"); ok && v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	return cfg
}

func envInt(name string, min int, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		slog.Warn("ignoring job setting", "env", name, "value", v)
		return
	}
	*dst = n
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("ignoring job setting", "env", name, "value", v)
		return
	}
	*dst = d
}
