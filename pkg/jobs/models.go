package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a verification job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// ScopeAll targets every current, non-deleted asset.
const ScopeAll = "_all"

// VerificationJob is the GORM model for a queued verify/recover run over one
// asset or over every current asset.
type VerificationJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	AssetID        string     `gorm:"column:asset_id;index:idx_vjob_asset_state,priority:1;not null"`
	VersionNumber  int        `gorm:"column:version_number;default:0"`
	AutoRecover    bool       `gorm:"column:auto_recover;default:false"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_vjob_asset_state,priority:2;index:idx_vjob_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex:idx_vjob_idemp_key"`
	AssetsChecked  int        `gorm:"column:assets_checked"`
	TamperedFound  int        `gorm:"column:tampered_found"`
	Recovered      int        `gorm:"column:recovered"`
	Unrecoverable  int        `gorm:"column:unrecoverable"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (VerificationJob) TableName() string { return "verification_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *VerificationJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// IsSweep reports whether the job covers every current asset.
func (j *VerificationJob) IsSweep() bool {
	return j.AssetID == "" || j.AssetID == ScopeAll
}

// Outcome summarizes a finished verification run.
type Outcome struct {
	Checked       int
	Tampered      int
	Recovered     int
	Unrecoverable int
	Duration      time.Duration
}
