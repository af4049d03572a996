package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStore provides database operations for verification jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the verification_jobs table.
func (s *JobStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&VerificationJob{}); err != nil {
		return fmt.Errorf("auto-migrate verification_jobs: %w", err)
	}
	return nil
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	AssetID     string
	State       string
	RequestedBy string
}

var activeStates = []JobState{JobStateQueued, JobStateRunning}

var terminalStates = []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}

// Enqueue creates a new queued job. If the job carries an idempotency key
// and a non-terminal job with the same key exists, the existing job is
// returned instead of creating a duplicate. A job without a key is keyed by
// its own id. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *VerificationJob) (*VerificationJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.AssetID == "" {
		job.AssetID = ScopeAll
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}

	db := s.db.WithContext(ctx)
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = job.ID
		if err := db.Create(job).Error; err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		return job, nil
	}

	var result *VerificationJob
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing VerificationJob
		err := tx.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, activeStates).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Finished jobs fall back to their own id as key so the unique index
		// admits the new one.
		if err := tx.Model(&VerificationJob{}).
			Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, terminalStates).
			Update("idempotency_key", gorm.Expr("id")).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(job).Error; err != nil {
			var raced VerificationJob
			lookupErr := db.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, activeStates).First(&raced).Error
			if lookupErr == nil {
				result = &raced
				return nil
			}
			return fmt.Errorf("enqueue job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. Uses FOR UPDATE SKIP LOCKED where supported (PostgreSQL).
// Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*VerificationJob, error) {
	var job VerificationJob
	db := s.db.WithContext(ctx)

	err := db.Transaction(func(tx *gorm.DB) error {
		var result *gorm.DB
		if tx.Dialector.Name() == "postgres" {
			result = tx.Raw(`
				SELECT * FROM verification_jobs
				WHERE state = ? AND attempt_count <= ?
				ORDER BY requested_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			`, JobStateQueued, maxRetries).Scan(&job)
		} else {
			result = tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
				Order("requested_at ASC").
				Limit(1).
				Find(&job)
		}
		if result.Error != nil {
			return result.Error
		}
		if job.ID == "" {
			return nil
		}

		now := time.Now()
		res := tx.Model(&VerificationJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			job = VerificationJob{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}

	if err := db.First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed job: %w", err)
	}
	return &job, nil
}

// Complete marks a job as succeeded and records its outcome.
func (s *JobStore) Complete(ctx context.Context, jobID string, out Outcome) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&VerificationJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":          JobStateSucceeded,
		"finished_at":    now,
		"assets_checked": out.Checked,
		"tampered_found": out.Tampered,
		"recovered":      out.Recovered,
		"unrecoverable":  out.Unrecoverable,
		"duration_ms":    out.Duration.Milliseconds(),
		"message": fmt.Sprintf("Checked %d assets, %d tampered, %d recovered, %d unrecoverable",
			out.Checked, out.Tampered, out.Recovered, out.Unrecoverable),
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. Within the retry budget the job is
// re-queued; otherwise it becomes failed.
func (s *JobStore) Fail(ctx context.Context, jobID string, errMsg string, maxRetries int) error {
	db := s.db.WithContext(ctx)
	now := time.Now()

	var job VerificationJob
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": now,
	}
	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	if err := db.Model(&VerificationJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Cancel marks a queued job as canceled. Running jobs cannot be canceled.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	db := s.db.WithContext(ctx)
	result := db.Model(&VerificationJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": time.Now(),
			"message":     "Canceled",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var job VerificationJob
		if err := db.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return fmt.Errorf("check job: %w", err)
		}
		return fmt.Errorf("job %s is in state %s, only queued jobs can be canceled", jobID, job.State)
	}
	return nil
}

// Get retrieves a job by ID. Returns nil, nil if it does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*VerificationJob, error) {
	var job VerificationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]VerificationJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&VerificationJob{})
		if filter.AssetID != "" {
			q = q.Where("asset_id = ?", filter.AssetID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []VerificationJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs whose started_at is older than
// claimTimeout back to queued.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&VerificationJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&VerificationJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
