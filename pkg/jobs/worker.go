package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kubeflow/asset-integrity/pkg/fault"
)

// Runner executes the verification work behind a job.
type Runner interface {
	VerifyAsset(ctx context.Context, assetID string, versionNumber int, autoRecover bool) (Outcome, error)
	Sweep(ctx context.Context, autoRecover bool) (Outcome, error)
}

// WorkerPool processes queued verification jobs using a pool of goroutines.
type WorkerPool struct {
	store  *JobStore
	runner Runner
	cfg    *JobConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *JobStore, runner Runner, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "jobs"),
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for jobs. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || wp.runner == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Debug("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			wp.ProcessOne(ctx, workerID)
		}
	}
}

// ProcessOne claims and runs a single job. It reports whether a job was
// claimed.
func (wp *WorkerPool) ProcessOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}

	wp.logger.Info("processing job",
		"workerID", workerID,
		"jobID", job.ID,
		"assetId", job.AssetID,
		"autoRecover", job.AutoRecover,
		"attempt", job.AttemptCount)

	var out Outcome
	if job.IsSweep() {
		out, err = wp.runner.Sweep(ctx, job.AutoRecover)
	} else {
		out, err = wp.runner.VerifyAsset(ctx, job.AssetID, job.VersionNumber, job.AutoRecover)
	}

	// Record the outcome even when the pool is shutting down.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		retries := wp.cfg.MaxRetries
		if fault.Is(err, fault.NotFound) || fault.Is(err, fault.ValidationError) {
			retries = 0
		}
		wp.logger.Error("job failed", "workerID", workerID, "jobID", job.ID, "error", err)
		if failErr := wp.store.Fail(bg, job.ID, err.Error(), retries); failErr != nil {
			wp.logger.Error("failed to mark job as failed", "jobID", job.ID, "error", failErr)
		}
		return true
	}

	wp.logger.Info("job completed",
		"workerID", workerID,
		"jobID", job.ID,
		"checked", out.Checked,
		"tampered", out.Tampered,
		"recovered", out.Recovered,
		"unrecoverable", out.Unrecoverable,
		"duration", out.Duration.String())

	if err := wp.store.Complete(bg, job.ID, out); err != nil {
		wp.logger.Error("failed to mark job as complete", "jobID", job.ID, "error", err)
	}
	return true
}

// cleanupLoop periodically requeues stuck jobs and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck jobs", "error", err)
				} else if recovered > 0 {
					wp.logger.Info("requeued stuck jobs", "count", recovered)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old jobs", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old jobs", "count", deleted)
				}
			}
		}
	}
}
